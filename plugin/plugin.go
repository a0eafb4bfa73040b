// Package plugin provides an extensible plugin system for entitle.
// Plugins hook into engine lifecycle and reconciliation events.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/receipt"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// RunSummary describes a finished orchestrator run.
type RunSummary struct {
	RunID           string
	Kind            string
	Processed       int
	Updated         int
	CommittedGroups int
	FailedGroups    int
	SkippedGroups   int
	Elapsed         time.Duration
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnEntitlementCreated is called after a free entitlement is created.
type OnEntitlementCreated interface {
	Plugin
	OnEntitlementCreated(ctx context.Context, e *entitlement.Entitlement) error
}

// OnPurchaseApplied is called after a purchase upgraded an entitlement.
type OnPurchaseApplied interface {
	Plugin
	OnPurchaseApplied(ctx context.Context, e *entitlement.Entitlement, r *receipt.Receipt) error
}

// OnTierChanged is called after an administrative tier change.
type OnTierChanged interface {
	Plugin
	OnTierChanged(ctx context.Context, entitlementID string, from, to entitlement.Tier) error
}

// OnUsageCorrected is called after an administrative usage correction.
type OnUsageCorrected interface {
	Plugin
	OnUsageCorrected(ctx context.Context, userID string, booksRead, bookLimit int) error
}

// ──────────────────────────────────────────────────
// Reconciliation hooks
// ──────────────────────────────────────────────────

// OnQuotaGrown is called after a reconciliation run committed growth events.
type OnQuotaGrown interface {
	Plugin
	OnQuotaGrown(ctx context.Context, grown int) error
}

// OnDuplicatesResolved is called after a user's records were collapsed.
type OnDuplicatesResolved interface {
	Plugin
	OnDuplicatesResolved(ctx context.Context, userID string, deleted int, relocated bool) error
}

// OnRunCompleted is called after a run finished without error.
type OnRunCompleted interface {
	Plugin
	OnRunCompleted(ctx context.Context, run RunSummary) error
}

// OnRunFailed is called after a run failed.
type OnRunFailed interface {
	Plugin
	OnRunFailed(ctx context.Context, run RunSummary, err error) error
}
