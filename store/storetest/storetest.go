// Package storetest holds a conformance suite run against every store backend.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/receipt"
	"github.com/xraph/entitle/store"
)

// Factory returns a fresh, migrated, empty store.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

// Run exercises the store contract.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("FindByUserID", func(t *testing.T) { testFindByUserID(t, newStore(t)) })
	t.Run("FindByTier", func(t *testing.T) { testFindByTier(t, newStore(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("CommitGroup", func(t *testing.T) { testCommitGroup(t, newStore(t)) })
	t.Run("CommitGroupAtomic", func(t *testing.T) { testCommitGroupAtomic(t, newStore(t)) })
	t.Run("Receipts", func(t *testing.T) { testReceipts(t, newStore(t)) })
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := entitlement.NewFree("u1", base)
	require.NoError(t, s.Create(ctx, e))

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, entitlement.TierFree, got.Tier)
	assert.Equal(t, entitlement.StatusActive, got.Status)
	assert.Equal(t, 10, got.BookLimit)
	assert.True(t, got.AutoRenew)
	require.NotNil(t, got.LastLimitIncrease)
	assert.True(t, got.LastLimitIncrease.Equal(base))
	assert.True(t, got.EndDate.Equal(base.AddDate(100, 0, 0)))
	assert.False(t, got.CreatedAt.IsZero())

	err = s.Create(ctx, e)
	assert.ErrorIs(t, err, entitlement.ErrRecordExists)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, entitlement.ErrRecordNotFound)
}

func testFindByUserID(t *testing.T, s store.Store) {
	ctx := context.Background()

	got, err := s.FindByUserID(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)

	a := entitlement.NewFreeWithID("a", "u2", base)
	b := entitlement.NewFreeWithID("b", "u2", base)
	c := entitlement.NewFreeWithID("c", "u3", base)
	for _, e := range []*entitlement.Entitlement{a, b, c} {
		require.NoError(t, s.Create(ctx, e))
	}

	got, err = s.FindByUserID(ctx, "u2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u2", got.UserID)

	all, err := s.FindAllByUserID(ctx, "u2")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids(all))

	everything, err := s.FindAll(ctx)
	require.NoError(t, err)
	assert.Len(t, everything, 3)
}

func testFindByTier(t *testing.T, s store.Store) {
	ctx := context.Background()

	free := entitlement.NewFreeWithID("f1", "u1", base)
	inactive := entitlement.NewFreeWithID("f2", "u2", base)
	inactive.Status = entitlement.StatusInactive
	premium := entitlement.NewFreeWithID("p1", "u3", base)
	premium.Tier = entitlement.TierPremium
	for _, e := range []*entitlement.Entitlement{free, inactive, premium} {
		require.NoError(t, s.Create(ctx, e))
	}

	got, err := s.FindByTier(ctx, entitlement.TierFree, entitlement.ListOpts{Status: entitlement.StatusActive})
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, ids(got))

	got, err = s.FindByTier(ctx, entitlement.TierFree, entitlement.ListOpts{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"f1", "f2"}, ids(got))

	got, err = s.FindByTier(ctx, entitlement.TierFree, entitlement.ListOpts{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func testUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	e := entitlement.NewFreeWithID("r1", "u1", base)
	require.NoError(t, s.Create(ctx, e))

	later := base.Add(8 * 24 * time.Hour)
	require.NoError(t, s.Update(ctx, "r1", entitlement.Patch{
		BookLimit:         entitlement.Ptr(11),
		LastLimitIncrease: entitlement.Ptr(later),
		Tier:              entitlement.Ptr(entitlement.TierPremium),
		LastPurchaseID:    entitlement.Ptr("tx-1"),
	}))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 11, got.BookLimit)
	assert.True(t, got.LastLimitIncrease.Equal(later))
	assert.Equal(t, entitlement.TierPremium, got.Tier)
	assert.Equal(t, "tx-1", got.LastPurchaseID)
	assert.Equal(t, 0, got.BooksRead)

	err = s.Update(ctx, "missing", entitlement.Patch{BooksRead: entitlement.Ptr(1)})
	assert.ErrorIs(t, err, entitlement.ErrRecordNotFound)
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, entitlement.NewFreeWithID("r1", "u1", base)))

	require.NoError(t, s.Delete(ctx, "r1"))
	_, err := s.Get(ctx, "r1")
	assert.ErrorIs(t, err, entitlement.ErrRecordNotFound)

	assert.NoError(t, s.Delete(ctx, "r1"))
}

func testCommitGroup(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := entitlement.NewFreeWithID("a", "u2", base)
	a.BooksRead = 5
	b := entitlement.NewFreeWithID("b", "u2", base)
	b.BooksRead = 9
	require.NoError(t, s.Create(ctx, a))
	require.NoError(t, s.Create(ctx, b))

	relocated := b.Clone()
	relocated.ID = "u2"
	require.NoError(t, s.CommitGroup(ctx, []entitlement.Mutation{
		entitlement.SetOf("u2", relocated),
		entitlement.DeleteOf("a"),
		entitlement.DeleteOf("b"),
		entitlement.CreateOf(entitlement.NewFreeWithID("c", "u3", base)),
		entitlement.UpdateOf("c", entitlement.Patch{BooksRead: entitlement.Ptr(2)}),
	}))

	all, err := s.FindAll(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u2", "c"}, ids(all))

	got, err := s.Get(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 9, got.BooksRead)

	c, err := s.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, c.BooksRead)

	assert.LessOrEqual(t, 2, s.MaxGroupSize())
}

func testCommitGroupAtomic(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, entitlement.NewFreeWithID("keep", "u1", base)))

	err := s.CommitGroup(ctx, []entitlement.Mutation{
		entitlement.DeleteOf("keep"),
		entitlement.UpdateOf("missing", entitlement.Patch{BooksRead: entitlement.Ptr(1)}),
	})
	require.Error(t, err)

	_, err = s.Get(ctx, "keep")
	assert.NoError(t, err, "failed group must not apply its delete")
}

func testReceipts(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := &receipt.Receipt{
		ID:            id.NewReceiptID(),
		UserID:        "u1",
		TransactionID: "tx-1",
		ProductID:     "premium_monthly",
		Platform:      "ios",
		Status:        receipt.StatusValidated,
		Timestamp:     base,
	}
	require.NoError(t, s.Record(ctx, r))

	got, err := s.ListReceipts(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tx-1", got[0].TransactionID)
	assert.Equal(t, "tx-1", got[0].PurchaseID())

	none, err := s.ListReceipts(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func ids(es []*entitlement.Entitlement) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID
	}
	return out
}
