package firestore_test

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/store/firestore"
	"github.com/xraph/entitle/store/storetest"
)

var collections atomic.Int64

// newStore returns a store on a fresh collection of the emulator named by
// FIRESTORE_EMULATOR_HOST.
func newStore(t *testing.T) store.Store {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	name := fmt.Sprintf("subscriptions_test_%d", collections.Add(1))
	s, err := firestore.Connect(context.Background(), "entitle-test",
		[]firestore.Option{firestore.WithCollection(name)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, newStore)
}

func TestGroupCapIsEnforced(t *testing.T) {
	s := newStore(t)
	group := make([]entitlement.Mutation, s.MaxGroupSize()+1)
	for i := range group {
		group[i] = entitlement.DeleteOf(fmt.Sprintf("r%d", i))
	}
	err := s.CommitGroup(context.Background(), group)
	assert.Error(t, err)
}
