package batch_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle/batch"
	"github.com/xraph/entitle/entitlement"
)

type fakeStore struct {
	mu      sync.Mutex
	max     int
	groups  [][]entitlement.Mutation
	failFor map[string]error // fail any group containing this id
}

func (f *fakeStore) MaxGroupSize() int { return f.max }

func (f *fakeStore) CommitGroup(_ context.Context, group []entitlement.Mutation) error {
	for _, m := range group {
		if err, ok := f.failFor[m.ID]; ok {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]entitlement.Mutation, len(group))
	copy(cp, group)
	f.groups = append(f.groups, cp)
	return nil
}

func mutations(n int) []entitlement.Mutation {
	ms := make([]entitlement.Mutation, n)
	for i := range ms {
		ms[i] = entitlement.DeleteOf(fmt.Sprintf("r%05d", i))
	}
	return ms
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func TestAccumulator(t *testing.T) {
	acc := batch.NewAccumulator(4)

	for _, m := range mutations(2) {
		acc.Add(m)
	}
	assert.False(t, acc.IsFull())
	_, ok := acc.FlushIfFull()
	assert.False(t, ok)

	acc.Add(entitlement.DeleteOf("x"))
	assert.True(t, acc.IsFull())

	g, ok := acc.FlushIfFull()
	require.True(t, ok)
	assert.Len(t, g, 3)
	assert.Equal(t, 0, acc.Len())
	assert.Empty(t, acc.Flush())
}

func TestCapacity(t *testing.T) {
	assert.Equal(t, 499, batch.Capacity(500))
	assert.Equal(t, 1, batch.Capacity(2))
	assert.Equal(t, 1, batch.Capacity(1))
	assert.Equal(t, 1, batch.Capacity(0))
}

func TestGroupSizeInvariant(t *testing.T) {
	for _, g := range []int{2, 3, 10, 500} {
		for _, n := range []int{1, 2, g - 2, g - 1, g, g + 1, 3*g + 7, 1000} {
			if n <= 0 {
				continue
			}
			t.Run(fmt.Sprintf("G=%d/N=%d", g, n), func(t *testing.T) {
				store := &fakeStore{max: g}
				c := batch.NewCoordinator(store, batch.WithConcurrency(3))
				input := mutations(n)
				for _, m := range input {
					c.Add(m)
				}

				res, err := c.CommitAll(context.Background())
				require.NoError(t, err)

				want := ceilDiv(n, g-1)
				assert.Equal(t, want, res.CommittedGroups)
				assert.Equal(t, n, res.TotalMutations)
				assert.Equal(t, n, res.CommittedMutations)
				require.Len(t, store.groups, want)

				var seen []string
				for _, grp := range store.groups {
					assert.LessOrEqual(t, len(grp), g)
					assert.LessOrEqual(t, len(grp), g-1)
					for _, m := range grp {
						seen = append(seen, m.ID)
					}
				}
				sort.Strings(seen)
				ids := make([]string, n)
				for i, m := range input {
					ids[i] = m.ID
				}
				assert.Equal(t, ids, seen)
			})
		}
	}
}

func TestCommitAllEmpty(t *testing.T) {
	c := batch.NewCoordinator(&fakeStore{max: 500})
	res, err := c.CommitAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total())
}

func TestCommitAllResets(t *testing.T) {
	store := &fakeStore{max: 3}
	c := batch.NewCoordinator(store)
	for _, m := range mutations(5) {
		c.Add(m)
	}
	assert.Equal(t, 5, c.Pending())

	_, err := c.CommitAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, c.Pending())

	res, err := c.CommitAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total())
	assert.Len(t, store.groups, 3)
}

func TestAddUnitStaysInOneGroup(t *testing.T) {
	store := &fakeStore{max: 4}
	c := batch.NewCoordinator(store)
	require.Equal(t, 3, c.Capacity())

	c.Add(entitlement.DeleteOf("a"))
	c.Add(entitlement.DeleteOf("b"))
	require.NoError(t, c.AddUnit(
		entitlement.SetOf("u", entitlement.NewFreeWithID("u", "u", time.Time{})),
		entitlement.DeleteOf("c"),
	))
	assert.Equal(t, 4, c.Pending())

	groups := c.Groups()
	require.Len(t, groups, 2)
	assert.Len(t, groups[0], 2)
	require.Len(t, groups[1], 2)
	assert.Equal(t, entitlement.OpSet, groups[1][0].Op)
	assert.Equal(t, "c", groups[1][1].ID)

	_, err := c.CommitAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, store.groups, 2)
}

func TestAddUnitTooLarge(t *testing.T) {
	c := batch.NewCoordinator(&fakeStore{max: 3})
	err := c.AddUnit(mutations(3)...)
	assert.ErrorIs(t, err, batch.ErrUnitTooLarge)
	assert.Equal(t, 0, c.Pending())
	assert.NoError(t, c.AddUnit())
}

func TestPartialCommit(t *testing.T) {
	boom := errors.New("boom")
	store := &fakeStore{
		max:     3,
		failFor: map[string]error{"r00002": fmt.Errorf("%w: %w", entitlement.ErrStoreUnavailable, boom)},
	}
	c := batch.NewCoordinator(store, batch.WithConcurrency(1))
	for _, m := range mutations(6) {
		c.Add(m)
	}

	res, err := c.CommitAll(context.Background())
	require.Error(t, err)

	assert.Equal(t, 2, res.CommittedGroups)
	assert.Equal(t, 1, res.FailedGroups)
	assert.Equal(t, 4, res.CommittedMutations)

	var ce *batch.CommitError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, res, ce.Result)
	assert.ErrorIs(t, err, batch.ErrPartialCommit)
	assert.ErrorIs(t, err, entitlement.ErrStoreUnavailable)
	assert.ErrorIs(t, err, boom)

	var ge *batch.GroupError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, 1, ge.Index)
	assert.Equal(t, 2, ge.Size)
}

func TestAllGroupsFailed(t *testing.T) {
	boom := errors.New("boom")
	store := &fakeStore{max: 500, failFor: map[string]error{"r00000": boom}}
	c := batch.NewCoordinator(store)
	for _, m := range mutations(3) {
		c.Add(m)
	}

	res, err := c.CommitAll(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, res.FailedGroups)
	assert.NotErrorIs(t, err, batch.ErrPartialCommit)
	assert.ErrorIs(t, err, boom)
}

func TestCancelledBeforeCommit(t *testing.T) {
	store := &fakeStore{max: 3}
	c := batch.NewCoordinator(store)
	for _, m := range mutations(6) {
		c.Add(m)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := c.CommitAll(ctx)
	require.Error(t, err)
	assert.Equal(t, 3, res.SkippedGroups)
	assert.Equal(t, 0, res.CommittedGroups)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.groups)
}

type cancellingStore struct {
	fakeStore
	cancel context.CancelFunc
}

func (s *cancellingStore) CommitGroup(ctx context.Context, group []entitlement.Mutation) error {
	// The first group cancels the run while it is in flight; its own commit
	// must still land.
	s.cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return s.fakeStore.CommitGroup(ctx, group)
}

func TestCancellationBetweenGroups(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &cancellingStore{fakeStore: fakeStore{max: 3}, cancel: cancel}
	c := batch.NewCoordinator(store, batch.WithConcurrency(1))
	for _, m := range mutations(6) {
		c.Add(m)
	}

	res, err := c.CommitAll(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, res.CommittedGroups)
	assert.Equal(t, 2, res.SkippedGroups)
	assert.ErrorIs(t, err, batch.ErrPartialCommit)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, store.groups, 1)
}

func TestResultAdd(t *testing.T) {
	r := batch.Result{CommittedGroups: 1, TotalMutations: 3, CommittedMutations: 3}
	r.Add(batch.Result{FailedGroups: 1, SkippedGroups: 2, TotalMutations: 5})
	assert.Equal(t, batch.Result{
		CommittedGroups: 1, FailedGroups: 1, SkippedGroups: 2,
		TotalMutations: 8, CommittedMutations: 3,
	}, r)
	assert.Equal(t, 4, r.Total())
}
