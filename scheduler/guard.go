package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/xraph/entitle"
)

// RunLockKey is the lock every engine run takes, scheduled or on demand.
// Runs of different kinds write the same records, so they exclude each other.
const RunLockKey = "runs"

// Guard runs functions under the shared run lock.
type Guard struct {
	locker Locker
	ttl    time.Duration
	logger *slog.Logger
}

// NewGuard creates a Guard. A nil locker means an in-process LocalLocker and
// a non-positive ttl means DefaultLockTTL.
func NewGuard(locker Locker, ttl time.Duration, logger *slog.Logger) *Guard {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{locker: locker, ttl: ttl, logger: logger}
}

// TTL returns the lease ttl.
func (g *Guard) TTL() time.Duration { return g.ttl }

// Run executes fn while holding the run lock. The lease is refreshed every
// third of its ttl for as long as fn runs, so a run may outlive the ttl. If
// the lease is lost fn's context is cancelled and the error wraps
// ErrLockLost. Run returns ErrLockHeld without calling fn when another run
// owns the lock.
func (g *Guard) Run(ctx context.Context, name string, fn RunFunc) (*entitle.RunResult, error) {
	log := g.logger.With("job", name)
	lease, err := g.locker.TryLock(ctx, RunLockKey, g.ttl)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			log.Info("run skipped, another run holds the lock")
		} else {
			log.Error("run lock failed", "error", err)
		}
		return nil, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.keepAlive(runCtx, cancel, lease, log)
	}()
	defer func() {
		cancel(nil)
		<-done
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("run unlock failed", "error", err)
		}
	}()

	res, err := fn(runCtx)
	if errors.Is(context.Cause(runCtx), ErrLockLost) {
		return res, errors.Join(ErrLockLost, err)
	}
	return res, err
}

func (g *Guard) keepAlive(ctx context.Context, cancel context.CancelCauseFunc, lease Lease, log *slog.Logger) {
	t := time.NewTicker(g.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := lease.Refresh(ctx, g.ttl)
			switch {
			case err == nil:
			case errors.Is(err, ErrLockLost):
				log.Error("run lock lost, cancelling run")
				cancel(ErrLockLost)
				return
			case ctx.Err() != nil:
				return
			default:
				// Retried on the next tick while the lease is still live.
				log.Warn("run lock refresh failed", "error", err)
			}
		}
	}
}
