package dedup_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle/dedup"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/store/memory"
)

var now = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

func record(recordID, userID string, booksRead int) *entitlement.Entitlement {
	e := entitlement.NewFreeWithID(recordID, userID, now)
	e.BooksRead = booksRead
	return e
}

func seed(t *testing.T, s *memory.Store, records ...*entitlement.Entitlement) {
	t.Helper()
	for _, e := range records {
		require.NoError(t, s.Create(context.Background(), e))
	}
}

var errSetRejected = errors.New("set rejected")

// rejectSets fails every write group that sets one of the listed identities.
type rejectSets struct {
	*memory.Store
	ids map[string]bool
}

func (r *rejectSets) CommitGroup(ctx context.Context, group []entitlement.Mutation) error {
	for _, m := range group {
		if m.Op == entitlement.OpSet && r.ids[m.ID] {
			return errSetRejected
		}
	}
	return r.Store.CommitGroup(ctx, group)
}

func booksReadByID(t *testing.T, s *memory.Store) map[string]int {
	t.Helper()
	all, err := s.FindAll(context.Background())
	require.NoError(t, err)
	got := make(map[string]int, len(all))
	for _, e := range all {
		got[e.ID] = e.BooksRead
	}
	return got
}

func TestResolveU2Scenario(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seed(t, s, record("a", "u2", 5), record("u2", "u2", 2), record("b", "u2", 9))

	r := dedup.NewResolver(s)
	res, err := r.Resolve(ctx, "u2")
	require.NoError(t, err)

	assert.True(t, res.Relocated)
	assert.Equal(t, "b", res.KeptFrom)
	assert.ElementsMatch(t, []string{"a", "b"}, res.DeletedIDs)

	all, err := s.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "u2", all[0].ID)
	assert.Equal(t, "u2", all[0].UserID)
	assert.Equal(t, 9, all[0].BooksRead)

	again, err := r.Resolve(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, again.NoOp())
}

func TestPlanTieBreaks(t *testing.T) {
	r := dedup.NewResolver(memory.New())

	t.Run("identity key wins a tie", func(t *testing.T) {
		res := r.Plan("u1", []*entitlement.Entitlement{record("x", "u1", 4), record("u1", "u1", 4)})
		assert.Equal(t, "u1", res.KeptFrom)
		assert.False(t, res.Relocated)
		assert.Equal(t, []string{"x"}, res.DeletedIDs)
	})

	t.Run("first encountered otherwise", func(t *testing.T) {
		res := r.Plan("u1", []*entitlement.Entitlement{record("x", "u1", 4), record("y", "u1", 4)})
		assert.Equal(t, "x", res.KeptFrom)
		assert.True(t, res.Relocated)
		assert.ElementsMatch(t, []string{"x", "y"}, res.DeletedIDs)
	})

	t.Run("duplicates in candidates are ignored", func(t *testing.T) {
		e := record("u1", "u1", 1)
		res := r.Plan("u1", []*entitlement.Entitlement{e, e})
		assert.True(t, res.NoOp())
	})

	t.Run("no candidates", func(t *testing.T) {
		res := r.Plan("u1", nil)
		assert.True(t, res.NoOp())
		assert.Nil(t, res.Kept)
	})
}

func TestPlanSingleRecordAwayFromIdentity(t *testing.T) {
	r := dedup.NewResolver(memory.New())
	res := r.Plan("u1", []*entitlement.Entitlement{record("ent_1", "u1", 3)})

	require.Len(t, res.Mutations, 2)
	assert.Equal(t, entitlement.OpSet, res.Mutations[0].Op)
	assert.Equal(t, "u1", res.Mutations[0].ID)
	assert.Equal(t, entitlement.OpDelete, res.Mutations[1].Op)
	assert.Equal(t, "ent_1", res.Mutations[1].ID)
}

func TestPlanRepairsMissingUserIDOnIdentityRecord(t *testing.T) {
	r := dedup.NewResolver(memory.New())
	legacy := record("u1", "", 3)
	res := r.Plan("u1", []*entitlement.Entitlement{legacy})

	require.Len(t, res.Mutations, 1)
	assert.Equal(t, entitlement.OpUpdate, res.Mutations[0].Op)
	assert.Equal(t, "u1", *res.Mutations[0].Patch.UserID)
}

func TestResolveRepairsInterruptedRelocation(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	// State left behind when the relocation set landed but the delete of the
	// original did not.
	orig := record("b", "u2", 9)
	copyAtIdentity := record("u2", "u2", 9)
	seed(t, s, orig, copyAtIdentity)

	res, err := dedup.NewResolver(s).Resolve(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "u2", res.KeptFrom)
	assert.Equal(t, []string{"b"}, res.DeletedIDs)

	all, err := s.FindAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "u2", all[0].ID)
	assert.Equal(t, 9, all[0].BooksRead)
}

func TestResolveKeepsSourceWhenIdentityWriteFails(t *testing.T) {
	ctx := context.Background()
	s := memory.New(memory.WithMaxGroupSize(3))
	seed(t, s, record("a", "u2", 5), record("u2", "u2", 2), record("b", "u2", 9))

	_, err := dedup.NewResolver(&rejectSets{Store: s, ids: map[string]bool{"u2": true}}).Resolve(ctx, "u2")
	require.ErrorIs(t, err, errSetRejected)

	got := booksReadByID(t, s)
	assert.Equal(t, 9, got["b"])
	assert.Equal(t, 5, got["a"])
	assert.Equal(t, 2, got["u2"])

	_, err = dedup.NewResolver(s).Resolve(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"u2": 9}, booksReadByID(t, s))
}

func TestResolveOverflowingLosersNeverDropTheMax(t *testing.T) {
	ctx := context.Background()
	s := memory.New(memory.WithMaxGroupSize(3))
	seed(t, s,
		record("r0", "u", 1), record("r1", "u", 2), record("r2", "u", 3),
		record("r3", "u", 4), record("r4", "u", 9),
	)

	_, err := dedup.NewResolver(&rejectSets{Store: s, ids: map[string]bool{"u": true}}).Resolve(ctx, "u")
	require.Error(t, err)
	assert.Equal(t, 9, booksReadByID(t, s)["r4"])

	_, err = dedup.NewResolver(s).Resolve(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"u": 9}, booksReadByID(t, s))
}

func TestResolveLegacyIdentityMatch(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	// The record at identity u3 has no userId field.
	seed(t, s, record("u3", "", 7), record("c", "u3", 1))

	res, err := dedup.NewResolver(s).Resolve(ctx, "u3")
	require.NoError(t, err)
	assert.Equal(t, "u3", res.KeptFrom)

	got, err := s.Get(ctx, "u3")
	require.NoError(t, err)
	assert.Equal(t, "u3", got.UserID)
	assert.Equal(t, 7, got.BooksRead)

	_, err = s.Get(ctx, "c")
	assert.ErrorIs(t, err, entitlement.ErrRecordNotFound)
}

func TestResolveEmptyUser(t *testing.T) {
	_, err := dedup.NewResolver(memory.New()).Resolve(context.Background(), "")
	assert.Error(t, err)
}

func TestConvergenceProperty(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		s := memory.New(memory.WithMaxGroupSize(3))
		k := 1 + rng.Intn(6)
		maxRead := -1
		for i := 0; i < k; i++ {
			rid := fmt.Sprintf("r%d", i)
			if i == 0 && rng.Intn(2) == 0 {
				rid = "u"
			}
			n := rng.Intn(10)
			maxRead = max(maxRead, n)
			seed(t, s, record(rid, "u", n))
		}

		r := dedup.NewResolver(s)
		_, err := r.Resolve(ctx, "u")
		require.NoError(t, err)

		all, err := s.FindAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1, "trial %d", trial)
		assert.Equal(t, "u", all[0].ID)
		assert.Equal(t, maxRead, all[0].BooksRead)

		again, err := r.Resolve(ctx, "u")
		require.NoError(t, err)
		assert.True(t, again.NoOp())
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	s := memory.New(memory.WithMaxGroupSize(4))
	seed(t, s,
		record("a", "u2", 5), record("u2", "u2", 2), record("b", "u2", 9),
		record("ent_x", "u4", 1),
		record("u5", "u5", 0),
		record("legacy", "", 3),
	)

	res, err := dedup.NewResolver(s).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Scanned)
	assert.Equal(t, 4, res.Owners)
	assert.Len(t, res.Resolved, 3)
	assert.Empty(t, res.Conflicts)
	assert.Positive(t, res.Groups.CommittedGroups)

	all, err := s.FindAll(ctx)
	require.NoError(t, err)
	got := map[string]int{}
	for _, e := range all {
		assert.Equal(t, e.ID, e.Owner())
		got[e.ID] = e.BooksRead
	}
	assert.Equal(t, map[string]int{"u2": 9, "u4": 1, "u5": 0, "legacy": 3}, got)

	second, err := dedup.NewResolver(s).Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, second.Resolved)
}

func TestSweepIsolatesFailedOwner(t *testing.T) {
	ctx := context.Background()
	s := memory.New(memory.WithMaxGroupSize(3))
	seed(t, s,
		record("a", "u2", 5), record("u2", "u2", 2), record("b", "u2", 9),
		record("ent_x", "u4", 1),
	)

	res, err := dedup.NewResolver(&rejectSets{Store: s, ids: map[string]bool{"u2": true}}).Sweep(ctx)
	require.ErrorIs(t, err, errSetRejected)
	assert.Len(t, res.Resolved, 2)
	assert.Positive(t, res.Groups.FailedGroups)

	got := booksReadByID(t, s)
	assert.Equal(t, 9, got["b"])
	assert.Equal(t, 1, got["u4"])
	assert.NotContains(t, got, "ent_x")
}

func TestSweepSkipsIdentityConflicts(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	// Record stored at key u6 but owned by u7; u6's own record cannot be
	// relocated without clobbering it.
	seed(t, s, record("u6", "u7", 4), record("ent_y", "u6", 2))

	res, err := dedup.NewResolver(s).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u6"}, res.Conflicts)

	got, err := s.Get(ctx, "u7")
	require.NoError(t, err)
	assert.Equal(t, 4, got.BooksRead)

	_, err = s.Get(ctx, "ent_y")
	assert.NoError(t, err)
}
