package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/scheduler"
	"github.com/xraph/entitle/store/memory"
)

func fastScheduler(opts ...scheduler.Option) *scheduler.Scheduler {
	return scheduler.New(append([]scheduler.Option{
		scheduler.WithRetry(3, 5*time.Millisecond),
		scheduler.WithInitialBackoff(time.Millisecond),
	}, opts...)...)
}

func TestTriggerRetriesRetryableErrors(t *testing.T) {
	s := fastScheduler()
	var calls atomic.Int32
	require.NoError(t, s.Add("reconcile", "0 0 * * *", func(context.Context) (*entitle.RunResult, error) {
		if calls.Add(1) < 3 {
			return nil, fmt.Errorf("flaky: %w", entitle.ErrStoreUnavailable)
		}
		return &entitle.RunResult{UpdatedCount: 7}, nil
	}))

	res, err := s.Trigger(context.Background(), "reconcile")
	require.NoError(t, err)
	assert.Equal(t, 7, res.UpdatedCount)
	assert.EqualValues(t, 3, calls.Load())
}

func TestTriggerGivesUpAfterAttempts(t *testing.T) {
	s := fastScheduler()
	var calls atomic.Int32
	require.NoError(t, s.Add("reconcile", "0 0 * * *", func(context.Context) (*entitle.RunResult, error) {
		calls.Add(1)
		return nil, entitle.ErrPartialCommit
	}))

	_, err := s.Trigger(context.Background(), "reconcile")
	assert.ErrorIs(t, err, entitle.ErrPartialCommit)
	assert.EqualValues(t, 3, calls.Load())
}

func TestTriggerDoesNotRetryPermanentErrors(t *testing.T) {
	s := fastScheduler()
	boom := errors.New("boom")
	var calls atomic.Int32
	require.NoError(t, s.Add("reconcile", "0 0 * * *", func(context.Context) (*entitle.RunResult, error) {
		calls.Add(1)
		return nil, boom
	}))

	_, err := s.Trigger(context.Background(), "reconcile")
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 1, calls.Load())
}

func TestTriggerSkipsWhenLocked(t *testing.T) {
	locker := scheduler.NewLocalLocker()
	s := fastScheduler(scheduler.WithLocker(locker))
	require.NoError(t, s.Add("reconcile", "0 0 * * *", func(context.Context) (*entitle.RunResult, error) {
		return &entitle.RunResult{}, nil
	}))

	lease, err := locker.TryLock(context.Background(), scheduler.RunLockKey, time.Minute)
	require.NoError(t, err)

	_, err = s.Trigger(context.Background(), "reconcile")
	assert.ErrorIs(t, err, scheduler.ErrLockHeld)

	require.NoError(t, lease.Release(context.Background()))
	_, err = s.Trigger(context.Background(), "reconcile")
	assert.NoError(t, err)
}

func TestAddValidates(t *testing.T) {
	s := fastScheduler()
	noop := func(context.Context) (*entitle.RunResult, error) { return &entitle.RunResult{}, nil }

	assert.Error(t, s.Add("bad", "every day", noop))
	require.NoError(t, s.Add("reconcile", "0 0 * * *", noop))
	assert.Error(t, s.Add("reconcile", "0 1 * * *", noop))

	_, err := s.Trigger(context.Background(), "missing")
	assert.Error(t, err)
}

func TestNextFireIsMidnightUTC(t *testing.T) {
	s := fastScheduler()
	require.NoError(t, s.Add("reconcile", "0 0 * * *", func(context.Context) (*entitle.RunResult, error) {
		return &entitle.RunResult{}, nil
	}))
	s.Start()
	defer func() { require.NoError(t, s.Stop(context.Background())) }()

	next := s.Next()
	require.Len(t, next, 1)
	assert.Equal(t, time.UTC, next[0].Location())
	assert.Zero(t, next[0].Hour())
	assert.Zero(t, next[0].Minute())
}

func TestTriggerRunsEngine(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	now := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	engine := entitle.New(mem, entitle.WithClock(func() time.Time { return now }))
	_, err := engine.CreateFreeEntitlement(ctx, "u1")
	require.NoError(t, err)

	s := fastScheduler()
	require.NoError(t, s.Add("reconcile", "0 0 * * *", engine.ReconcileQuotas))

	now = now.Add(7 * 24 * time.Hour)
	res, err := s.Trigger(ctx, "reconcile")
	require.NoError(t, err)
	assert.Equal(t, 1, res.UpdatedCount)
}

func TestLocalLockerExpires(t *testing.T) {
	l := scheduler.NewLocalLocker()
	ctx := context.Background()

	_, err := l.TryLock(ctx, "k", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	lease, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestLocalLeaseRefresh(t *testing.T) {
	l := scheduler.NewLocalLocker()
	ctx := context.Background()

	stale, err := l.TryLock(ctx, "k", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	assert.ErrorIs(t, stale.Refresh(ctx, time.Minute), scheduler.ErrLockLost)

	lease, err := l.TryLock(ctx, "k", time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, lease.Refresh(ctx, time.Minute))
	time.Sleep(5 * time.Millisecond)
	_, err = l.TryLock(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, scheduler.ErrLockHeld)

	// A stale holder must not free or extend the new lease.
	require.NoError(t, stale.Release(ctx))
	_, err = l.TryLock(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, scheduler.ErrLockHeld)
	require.NoError(t, lease.Release(ctx))
}

func TestGuardHoldsLockPastTTL(t *testing.T) {
	locker := scheduler.NewLocalLocker()
	g := scheduler.NewGuard(locker, 60*time.Millisecond, nil)
	ctx := context.Background()

	started := make(chan struct{})
	finished := make(chan error, 1)
	go func() {
		_, err := g.Run(ctx, "reconcile", func(ctx context.Context) (*entitle.RunResult, error) {
			close(started)
			select {
			case <-time.After(250 * time.Millisecond):
				return &entitle.RunResult{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
		finished <- err
	}()
	<-started

	time.Sleep(150 * time.Millisecond)
	_, err := locker.TryLock(ctx, scheduler.RunLockKey, time.Minute)
	assert.ErrorIs(t, err, scheduler.ErrLockHeld)

	_, err = g.Run(ctx, "dedup", func(context.Context) (*entitle.RunResult, error) {
		t.Error("overlapping run must not start")
		return nil, nil
	})
	assert.ErrorIs(t, err, scheduler.ErrLockHeld)

	require.NoError(t, <-finished)
	lease, err := locker.TryLock(ctx, scheduler.RunLockKey, time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

// losingLocker hands out leases that are lost on the first refresh.
type losingLocker struct{}

func (losingLocker) TryLock(context.Context, string, time.Duration) (scheduler.Lease, error) {
	return losingLease{}, nil
}

type losingLease struct{}

func (losingLease) Refresh(context.Context, time.Duration) error { return scheduler.ErrLockLost }
func (losingLease) Release(context.Context) error                { return nil }

func TestGuardCancelsRunWhenLeaseLost(t *testing.T) {
	g := scheduler.NewGuard(losingLocker{}, 30*time.Millisecond, nil)
	_, err := g.Run(context.Background(), "reconcile", func(ctx context.Context) (*entitle.RunResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return &entitle.RunResult{}, nil
		}
	})
	assert.ErrorIs(t, err, scheduler.ErrLockLost)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryWindowFollowsRunTimeout(t *testing.T) {
	s := scheduler.New(
		scheduler.WithRetry(3, time.Minute),
		scheduler.WithRunTimeout(20*time.Minute),
	)
	assert.Equal(t, 63*time.Minute, s.RetryWindow())
	assert.Equal(t, scheduler.DefaultLockTTL, s.Guard().TTL())
}

func TestRedisLocker(t *testing.T) {
	url := os.Getenv("ENTITLE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ENTITLE_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	a := scheduler.NewRedisLocker(rdb)
	b := scheduler.NewRedisLocker(rdb)
	key := fmt.Sprintf("test-%d", time.Now().UnixNano())

	leaseA, err := a.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NoError(t, leaseA.Refresh(ctx, 2*time.Minute))

	_, err = b.TryLock(ctx, key, time.Minute)
	assert.ErrorIs(t, err, scheduler.ErrLockHeld)

	require.NoError(t, leaseA.Release(ctx))
	leaseB, err := b.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)

	// A stale holder must neither free nor extend the second lock.
	require.NoError(t, leaseA.Release(ctx))
	assert.ErrorIs(t, leaseA.Refresh(ctx, time.Minute), scheduler.ErrLockLost)
	_, err = a.TryLock(ctx, key, time.Minute)
	assert.ErrorIs(t, err, scheduler.ErrLockHeld)
	require.NoError(t, leaseB.Release(ctx))
}
