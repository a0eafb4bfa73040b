// Package audithook bridges entitle lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not depend on a
// particular audit store. Callers inject a RecorderFunc adapter at wiring
// time; SlogRecorder writes events to a structured logger.
package audithook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/entitle/batch"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/receipt"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin               = (*Extension)(nil)
	_ plugin.OnEntitlementCreated = (*Extension)(nil)
	_ plugin.OnPurchaseApplied    = (*Extension)(nil)
	_ plugin.OnTierChanged        = (*Extension)(nil)
	_ plugin.OnUsageCorrected     = (*Extension)(nil)
	_ plugin.OnQuotaGrown         = (*Extension)(nil)
	_ plugin.OnDuplicatesResolved = (*Extension)(nil)
	_ plugin.OnRunCompleted       = (*Extension)(nil)
	_ plugin.OnRunFailed          = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// SlogRecorder returns a Recorder that writes each event as a log record.
func SlogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, event *AuditEvent) error {
		level := slog.LevelInfo
		switch event.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityError, SeverityCritical:
			level = slog.LevelError
		}
		logger.LogAttrs(ctx, level, "audit",
			slog.String("action", event.Action),
			slog.String("resource", event.Resource),
			slog.String("resource_id", event.ResourceID),
			slog.String("category", event.Category),
			slog.String("outcome", event.Outcome),
			slog.Any("metadata", event.Metadata),
		)
		return nil
	})
}

// Extension bridges engine lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnEntitlementCreated implements plugin.OnEntitlementCreated.
func (e *Extension) OnEntitlementCreated(ctx context.Context, ent *entitlement.Entitlement) error {
	return e.record(ctx, ActionEntitlementCreated, SeverityInfo, OutcomeSuccess,
		ResourceEntitlement, ent.ID, CategoryEntitlement, nil,
		"user_id", ent.UserID,
		"tier", string(ent.Tier),
		"book_limit", ent.BookLimit,
	)
}

// OnPurchaseApplied implements plugin.OnPurchaseApplied.
func (e *Extension) OnPurchaseApplied(ctx context.Context, ent *entitlement.Entitlement, r *receipt.Receipt) error {
	return e.record(ctx, ActionPurchaseApplied, SeverityInfo, OutcomeSuccess,
		ResourceReceipt, r.ID.String(), CategoryPayment, nil,
		"user_id", ent.UserID,
		"entitlement_id", ent.ID,
		"purchase_id", r.PurchaseID(),
		"product_id", r.ProductID,
	)
}

// OnTierChanged implements plugin.OnTierChanged.
func (e *Extension) OnTierChanged(ctx context.Context, entitlementID string, from, to entitlement.Tier) error {
	return e.record(ctx, ActionTierChanged, SeverityWarning, OutcomeSuccess,
		ResourceEntitlement, entitlementID, CategoryAdmin, nil,
		"from", string(from),
		"to", string(to),
	)
}

// OnUsageCorrected implements plugin.OnUsageCorrected.
func (e *Extension) OnUsageCorrected(ctx context.Context, userID string, booksRead, bookLimit int) error {
	return e.record(ctx, ActionUsageCorrected, SeverityWarning, OutcomeSuccess,
		ResourceEntitlement, userID, CategoryAdmin, nil,
		"books_read", booksRead,
		"book_limit", bookLimit,
	)
}

// ──────────────────────────────────────────────────
// Reconciliation hooks
// ──────────────────────────────────────────────────

// OnQuotaGrown implements plugin.OnQuotaGrown.
func (e *Extension) OnQuotaGrown(ctx context.Context, grown int) error {
	return e.record(ctx, ActionQuotaGrown, SeverityInfo, OutcomeSuccess,
		ResourceEntitlement, "", CategoryReconciliation, nil,
		"grown", grown,
	)
}

// OnDuplicatesResolved implements plugin.OnDuplicatesResolved.
func (e *Extension) OnDuplicatesResolved(ctx context.Context, userID string, deleted int, relocated bool) error {
	return e.record(ctx, ActionDuplicatesResolved, SeverityWarning, OutcomeSuccess,
		ResourceEntitlement, userID, CategoryReconciliation, nil,
		"deleted", deleted,
		"relocated", relocated,
	)
}

// OnRunCompleted implements plugin.OnRunCompleted.
func (e *Extension) OnRunCompleted(ctx context.Context, run plugin.RunSummary) error {
	return e.record(ctx, ActionRunCompleted, SeverityInfo, OutcomeSuccess,
		ResourceRun, run.RunID, CategoryReconciliation, nil,
		"kind", run.Kind,
		"processed", run.Processed,
		"updated", run.Updated,
		"groups", run.CommittedGroups,
		"elapsed_ms", run.Elapsed.Milliseconds(),
	)
}

// OnRunFailed implements plugin.OnRunFailed.
func (e *Extension) OnRunFailed(ctx context.Context, run plugin.RunSummary, err error) error {
	outcome := OutcomeFailure
	if errors.Is(err, batch.ErrPartialCommit) {
		outcome = OutcomePartial
	}
	return e.record(ctx, ActionRunFailed, SeverityError, outcome,
		ResourceRun, run.RunID, CategoryReconciliation, err,
		"kind", run.Kind,
		"committed_groups", run.CommittedGroups,
		"failed_groups", run.FailedGroups,
		"skipped_groups", run.SkippedGroups,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
