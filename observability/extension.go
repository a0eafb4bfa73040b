// Package observability provides a metrics extension for entitle that records
// lifecycle and reconciliation counts through a MetricFactory.
package observability

import (
	"context"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/receipt"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin               = (*MetricsExtension)(nil)
	_ plugin.OnInit               = (*MetricsExtension)(nil)
	_ plugin.OnEntitlementCreated = (*MetricsExtension)(nil)
	_ plugin.OnPurchaseApplied    = (*MetricsExtension)(nil)
	_ plugin.OnTierChanged        = (*MetricsExtension)(nil)
	_ plugin.OnUsageCorrected     = (*MetricsExtension)(nil)
	_ plugin.OnQuotaGrown         = (*MetricsExtension)(nil)
	_ plugin.OnDuplicatesResolved = (*MetricsExtension)(nil)
	_ plugin.OnRunCompleted       = (*MetricsExtension)(nil)
	_ plugin.OnRunFailed          = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as an engine plugin to track entitlement metrics.
type MetricsExtension struct {
	factory MetricFactory

	// Entitlement metrics
	EntitlementCreated Counter
	PurchaseApplied    Counter
	TierChanged        Counter
	UsageCorrected     Counter

	// Reconciliation metrics
	QuotaGrown         Counter
	DuplicatesResolved Counter
	DuplicatesDeleted  Counter
	Relocations        Counter

	// Run metrics
	RunCompleted     Counter
	RunFailed        Counter
	RunDuration      Histogram
	RecordsProcessed Counter
	GroupsCommitted  Counter
	GroupsFailed     Counter
	GroupsSkipped    Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		EntitlementCreated: factory.Counter("entitle.entitlement.created"),
		PurchaseApplied:    factory.Counter("entitle.purchase.applied"),
		TierChanged:        factory.Counter("entitle.tier.changed"),
		UsageCorrected:     factory.Counter("entitle.usage.corrected"),

		QuotaGrown:         factory.Counter("entitle.quota.grown"),
		DuplicatesResolved: factory.Counter("entitle.dedup.resolved"),
		DuplicatesDeleted:  factory.Counter("entitle.dedup.deleted"),
		Relocations:        factory.Counter("entitle.dedup.relocated"),

		RunCompleted:     factory.Counter("entitle.run.completed"),
		RunFailed:        factory.Counter("entitle.run.failed"),
		RunDuration:      factory.Histogram("entitle.run.duration_seconds"),
		RecordsProcessed: factory.Counter("entitle.run.records.processed"),
		GroupsCommitted:  factory.Counter("entitle.run.groups.committed"),
		GroupsFailed:     factory.Counter("entitle.run.groups.failed"),
		GroupsSkipped:    factory.Counter("entitle.run.groups.skipped"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Entitlement hooks
// ──────────────────────────────────────────────────

// OnEntitlementCreated implements plugin.OnEntitlementCreated.
func (m *MetricsExtension) OnEntitlementCreated(_ context.Context, _ *entitlement.Entitlement) error {
	m.EntitlementCreated.Inc()
	return nil
}

// OnPurchaseApplied implements plugin.OnPurchaseApplied.
func (m *MetricsExtension) OnPurchaseApplied(_ context.Context, _ *entitlement.Entitlement, _ *receipt.Receipt) error {
	m.PurchaseApplied.Inc()
	return nil
}

// OnTierChanged implements plugin.OnTierChanged.
func (m *MetricsExtension) OnTierChanged(_ context.Context, _ string, _, _ entitlement.Tier) error {
	m.TierChanged.Inc()
	return nil
}

// OnUsageCorrected implements plugin.OnUsageCorrected.
func (m *MetricsExtension) OnUsageCorrected(_ context.Context, _ string, _, _ int) error {
	m.UsageCorrected.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Reconciliation hooks
// ──────────────────────────────────────────────────

// OnQuotaGrown implements plugin.OnQuotaGrown.
func (m *MetricsExtension) OnQuotaGrown(_ context.Context, grown int) error {
	m.QuotaGrown.Add(float64(grown))
	return nil
}

// OnDuplicatesResolved implements plugin.OnDuplicatesResolved.
func (m *MetricsExtension) OnDuplicatesResolved(_ context.Context, _ string, deleted int, relocated bool) error {
	m.DuplicatesResolved.Inc()
	m.DuplicatesDeleted.Add(float64(deleted))
	if relocated {
		m.Relocations.Inc()
	}
	return nil
}

// OnRunCompleted implements plugin.OnRunCompleted.
func (m *MetricsExtension) OnRunCompleted(_ context.Context, run plugin.RunSummary) error {
	m.RunCompleted.Inc()
	m.observeRun(run)
	return nil
}

// OnRunFailed implements plugin.OnRunFailed.
func (m *MetricsExtension) OnRunFailed(_ context.Context, run plugin.RunSummary, _ error) error {
	m.RunFailed.Inc()
	m.observeRun(run)
	return nil
}

func (m *MetricsExtension) observeRun(run plugin.RunSummary) {
	m.RunDuration.Observe(run.Elapsed.Seconds())
	m.RecordsProcessed.Add(float64(run.Processed))
	m.GroupsCommitted.Add(float64(run.CommittedGroups))
	m.GroupsFailed.Add(float64(run.FailedGroups))
	m.GroupsSkipped.Add(float64(run.SkippedGroups))
}
