// Package batch commits an unbounded stream of entitlement mutations as a set
// of capped atomic write groups.
//
// Groups are independent: a failed group does not roll back groups committed
// before or beside it. Callers treat a run as resumable and rely on idempotent
// policies to re-evaluate records on the next run.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/entitle/entitlement"
)

// ErrPartialCommit is matched by a CommitError when some groups committed and
// others did not.
var ErrPartialCommit = errors.New("entitle: partial commit")

// ErrUnitTooLarge is returned by AddUnit when a unit cannot fit in one group.
var ErrUnitTooLarge = errors.New("batch: unit exceeds group capacity")

// Defaults for a Coordinator.
const (
	DefaultConcurrency   = 4
	DefaultCommitTimeout = 30 * time.Second
)

// Committer applies one atomic write group.
type Committer interface {
	CommitGroup(ctx context.Context, group []entitlement.Mutation) error
	MaxGroupSize() int
}

// Result summarises a CommitAll call.
type Result struct {
	CommittedGroups    int `json:"committedGroups"`
	FailedGroups       int `json:"failedGroups"`
	SkippedGroups      int `json:"skippedGroups"`
	TotalMutations     int `json:"totalMutations"`
	CommittedMutations int `json:"committedMutations"`
}

// Total returns the number of groups planned.
func (r Result) Total() int {
	return r.CommittedGroups + r.FailedGroups + r.SkippedGroups
}

// Add folds o into r.
func (r *Result) Add(o Result) {
	r.CommittedGroups += o.CommittedGroups
	r.FailedGroups += o.FailedGroups
	r.SkippedGroups += o.SkippedGroups
	r.TotalMutations += o.TotalMutations
	r.CommittedMutations += o.CommittedMutations
}

// GroupError is the failure of a single write group.
type GroupError struct {
	Index int
	Size  int
	Err   error
}

func (e *GroupError) Error() string {
	return fmt.Sprintf("batch: group %d (%d mutations): %v", e.Index, e.Size, e.Err)
}

func (e *GroupError) Unwrap() error { return e.Err }

// CommitError is returned when at least one group failed or was skipped.
type CommitError struct {
	Result Result
	Errs   []error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("batch: %d of %d groups committed (%d failed, %d skipped)",
		e.Result.CommittedGroups, e.Result.Total(), e.Result.FailedGroups, e.Result.SkippedGroups)
}

// Unwrap exposes the group causes, plus ErrPartialCommit when some groups
// made it to the store.
func (e *CommitError) Unwrap() []error {
	errs := make([]error, 0, len(e.Errs)+1)
	if e.Result.CommittedGroups > 0 {
		errs = append(errs, ErrPartialCommit)
	}
	return append(errs, e.Errs...)
}

// Coordinator accumulates mutations and commits them in capped groups.
type Coordinator struct {
	store         Committer
	acc           Accumulator
	sealed        [][]entitlement.Mutation
	total         int
	concurrency   int
	commitTimeout time.Duration
	logger        *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConcurrency bounds how many groups commit at once.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithCommitTimeout bounds a single group commit.
func WithCommitTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.commitTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator returns a Coordinator writing to store.
func NewCoordinator(store Committer, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:         store,
		acc:           NewAccumulator(store.MaxGroupSize()),
		concurrency:   DefaultConcurrency,
		commitTimeout: DefaultCommitTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add queues m, sealing the open group when it fills up.
func (c *Coordinator) Add(m entitlement.Mutation) {
	c.acc.Add(m)
	c.total++
	if g, ok := c.acc.FlushIfFull(); ok {
		c.sealed = append(c.sealed, g)
	}
}

// AddUnit queues ms so that they commit in the same group. The open group is
// sealed first when ms does not fit beside it.
func (c *Coordinator) AddUnit(ms ...entitlement.Mutation) error {
	if len(ms) == 0 {
		return nil
	}
	if len(ms) > c.acc.Cap() {
		return fmt.Errorf("%w: %d > %d", ErrUnitTooLarge, len(ms), c.acc.Cap())
	}
	if !c.acc.Fits(len(ms)) {
		c.sealed = append(c.sealed, c.acc.Flush())
	}
	for _, m := range ms {
		c.acc.Add(m)
	}
	c.total += len(ms)
	if g, ok := c.acc.FlushIfFull(); ok {
		c.sealed = append(c.sealed, g)
	}
	return nil
}

// Capacity returns the number of mutations a group takes before it is sealed.
func (c *Coordinator) Capacity() int {
	return c.acc.Cap()
}

// Pending returns the number of queued mutations.
func (c *Coordinator) Pending() int {
	return c.total
}

// Groups seals the open group and returns the planned groups without
// committing them. The Coordinator keeps them queued.
func (c *Coordinator) Groups() [][]entitlement.Mutation {
	if c.acc.Len() > 0 {
		c.sealed = append(c.sealed, c.acc.Flush())
	}
	return c.sealed
}

// CommitAll commits every queued group and resets the Coordinator.
//
// Cancellation is observed between groups only. A group that has started is
// committed under a context detached from ctx and bounded by the commit
// timeout; groups not yet started when ctx is done are reported as skipped.
func (c *Coordinator) CommitAll(ctx context.Context) (Result, error) {
	groups := c.Groups()
	res := Result{TotalMutations: c.total}
	c.sealed = nil
	c.total = 0

	if len(groups) == 0 {
		return res, nil
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(fn func()) {
		mu.Lock()
		fn()
		mu.Unlock()
	}

	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)

	for i, group := range groups {
		if ctx.Err() != nil {
			skipped := len(groups) - i
			record(func() { res.SkippedGroups += skipped })
			break
		}

		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				record(func() { res.SkippedGroups++ })
				return nil
			}

			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.commitTimeout)
			defer cancel()

			err := c.store.CommitGroup(cctx, group)
			record(func() {
				if err != nil {
					res.FailedGroups++
					errs = append(errs, &GroupError{Index: i, Size: len(group), Err: err})
					return
				}
				res.CommittedGroups++
				res.CommittedMutations += len(group)
			})

			if err != nil {
				c.logger.Warn("write group failed", "group", i, "size", len(group), "error", err)
			} else {
				c.logger.Debug("write group committed", "group", i, "size", len(group))
			}
			return nil
		})
	}

	_ = g.Wait() //nolint:errcheck // group goroutines never return an error

	if res.SkippedGroups > 0 {
		errs = append(errs, ctx.Err())
	}
	if res.FailedGroups > 0 || res.SkippedGroups > 0 {
		return res, &CommitError{Result: res, Errs: errs}
	}
	return res, nil
}
