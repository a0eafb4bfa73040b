// Package quota decides when a free-tier book limit grows.
//
// Growth is a fixed ramp: once Interval has elapsed since the last increase,
// the limit goes up by Step and the clock restarts at the evaluation time.
// Evaluating again inside the same window is a no-op, so a reconciliation run
// can be repeated safely.
package quota

import (
	"time"

	"github.com/xraph/entitle/entitlement"
)

// Default growth cadence.
const (
	DefaultInterval = 7 * 24 * time.Hour
	DefaultStep     = 1
)

// Policy is the quota growth policy.
type Policy struct {
	Interval time.Duration
	Step     int
}

// DefaultPolicy returns the weekly +1 policy.
func DefaultPolicy() Policy {
	return Policy{Interval: DefaultInterval, Step: DefaultStep}
}

func (p Policy) normalized() Policy {
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.Step <= 0 {
		p.Step = DefaultStep
	}
	return p
}

// ShouldGrow reports whether e is due a growth event at now. Records without
// a lastLimitIncrease are never grown; they must be backfilled first.
func (p Policy) ShouldGrow(e *entitlement.Entitlement, now time.Time) bool {
	p = p.normalized()
	if e == nil || e.Tier != entitlement.TierFree || e.Status != entitlement.StatusActive {
		return false
	}
	if e.LastLimitIncrease == nil {
		return false
	}
	return now.Sub(*e.LastLimitIncrease) >= p.Interval
}

// Apply returns the growth patch for e.
func (p Policy) Apply(e *entitlement.Entitlement, now time.Time) entitlement.Patch {
	p = p.normalized()
	return entitlement.Patch{
		BookLimit:         entitlement.Ptr(e.BookLimit + p.Step),
		LastLimitIncrease: entitlement.Ptr(now.UTC()),
	}
}

// NeedsBackfill reports whether e predates the growth clock.
func (p Policy) NeedsBackfill(e *entitlement.Entitlement) bool {
	return e != nil && e.LastLimitIncrease == nil
}

// Backfill returns the one-time initialization patch for a legacy record.
// It starts the growth clock at now without growing the limit.
func (p Policy) Backfill(e *entitlement.Entitlement, now time.Time) entitlement.Patch {
	return entitlement.Patch{
		LastLimitIncrease: entitlement.Ptr(now.UTC()),
		BookLimit:         entitlement.Ptr(max(e.BookLimit, entitlement.DefaultBookLimit)),
		BooksRead:         entitlement.Ptr(max(e.BooksRead, 0)),
		SchemaVersion:     entitlement.Ptr(entitlement.CurrentSchemaVersion),
	}
}

// NextIncrease returns when e is next due to grow. The second result is false
// for records the policy never grows.
func (p Policy) NextIncrease(e *entitlement.Entitlement) (time.Time, bool) {
	p = p.normalized()
	if e == nil || e.LastLimitIncrease == nil ||
		e.Tier != entitlement.TierFree || e.Status != entitlement.StatusActive {
		return time.Time{}, false
	}
	return e.LastLimitIncrease.Add(p.Interval), true
}
