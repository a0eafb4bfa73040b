// Package scheduler runs engine jobs on a cron schedule with at most one
// engine run at a time across replicas, retrying transient failures with
// capped backoff.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/robfig/cron/v3"

	"github.com/xraph/entitle"
)

// Defaults.
const (
	DefaultAttempts   = 3
	DefaultMaxBackoff = 5 * time.Minute
	DefaultLockTTL    = 15 * time.Minute
)

// RunFunc is one orchestrator run, typically an Engine method value.
type RunFunc func(ctx context.Context) (*entitle.RunResult, error)

// Scheduler triggers RunFuncs on cron specs in UTC.
type Scheduler struct {
	cron   *cron.Cron
	guard  *Guard
	locker Locker
	logger *slog.Logger

	attempts   int
	initial    time.Duration
	maxBackoff time.Duration
	runTimeout time.Duration
	lockTTL    time.Duration

	mu     sync.Mutex
	jobs   map[string]RunFunc
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocker replaces the in-process locker, e.g. with a RedisLocker.
func WithLocker(l Locker) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithRetry bounds attempts per trigger and the longest wait between them.
func WithRetry(attempts int, maxBackoff time.Duration) Option {
	return func(s *Scheduler) {
		if attempts > 0 {
			s.attempts = attempts
		}
		if maxBackoff > 0 {
			s.maxBackoff = maxBackoff
		}
	}
}

// WithInitialBackoff sets the first retry delay.
func WithInitialBackoff(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.initial = d
		}
	}
}

// WithRunTimeout sets the wall-clock budget of one attempt. It bounds the
// total retry window together with the attempt count and max backoff.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

// WithLockTTL sets how long a run lock lives without a refresh.
func WithLockTTL(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.lockTTL = d
		}
	}
}

// New creates a Scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		locker:     NewLocalLocker(),
		logger:     slog.Default(),
		attempts:   DefaultAttempts,
		initial:    10 * time.Second,
		maxBackoff: DefaultMaxBackoff,
		runTimeout: entitle.DefaultRunTimeout,
		lockTTL:    DefaultLockTTL,
		jobs:       make(map[string]RunFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.guard = NewGuard(s.locker, s.lockTTL, s.logger)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	logger := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return s
}

// Add schedules fn under name on the standard five-field spec.
func (s *Scheduler) Add(name, spec string, fn RunFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("scheduler: duplicate job %q", name)
	}
	if _, err := s.cron.AddFunc(spec, func() {
		_, _ = s.Trigger(s.ctx, name)
	}); err != nil {
		return fmt.Errorf("scheduler: job %q: %w", name, err)
	}
	s.jobs[name] = fn
	return nil
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop prevents new triggers, cancels running ones and waits for them to
// return or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next fire time of every scheduled job.
func (s *Scheduler) Next() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, len(entries))
	for i, e := range entries {
		out[i] = e.Next
	}
	return out
}

// Guard returns the run guard shared by scheduled triggers. On-demand runs
// go through it too so they never overlap a scheduled one.
func (s *Scheduler) Guard() *Guard { return s.guard }

// Trigger runs the named job now under the run lock, retrying retryable
// failures. It returns ErrLockHeld if another run owns the lock.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*entitle.RunResult, error) {
	s.mu.Lock()
	fn, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("scheduler: unknown job %q", name)
	}
	return s.guard.Run(ctx, name, func(ctx context.Context) (*entitle.RunResult, error) {
		return s.retry(ctx, name, fn)
	})
}

// RetryWindow is the longest a trigger keeps retrying one job.
func (s *Scheduler) RetryWindow() time.Duration {
	return time.Duration(s.attempts) * (s.runTimeout + s.maxBackoff)
}

func (s *Scheduler) retry(ctx context.Context, name string, fn RunFunc) (*entitle.RunResult, error) {
	log := s.logger.With("job", name)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initial
	b.MaxInterval = s.maxBackoff

	attempt := 0
	res, err := backoff.Retry(ctx, func() (*entitle.RunResult, error) {
		attempt++
		res, err := fn(ctx)
		if err != nil && !entitle.IsRetryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.attempts)),
		backoff.WithMaxElapsedTime(s.RetryWindow()),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn("job failed, retrying", "attempt", attempt, "retry_in", wait, "error", err)
		}),
	)
	if err != nil {
		log.Error("job failed", "attempts", attempt, "error", err)
		return res, err
	}
	log.Info("job finished", "attempts", attempt, "updated", res.UpdatedCount)
	return res, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
