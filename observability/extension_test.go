package observability_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/observability"
	"github.com/xraph/entitle/plugin"
)

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	m := observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))
	ctx := context.Background()

	require.NoError(t, m.OnEntitlementCreated(ctx, &entitlement.Entitlement{}))
	require.NoError(t, m.OnQuotaGrown(ctx, 7))
	require.NoError(t, m.OnDuplicatesResolved(ctx, "u2", 2, true))
	require.NoError(t, m.OnRunCompleted(ctx, plugin.RunSummary{
		Kind: "reconcile", Processed: 12, Updated: 7, CommittedGroups: 1, Elapsed: 2 * time.Second,
	}))

	assert.InDelta(t, 1, testutil.ToFloat64(m.EntitlementCreated.(prometheus.Counter)), 0)
	assert.InDelta(t, 7, testutil.ToFloat64(m.QuotaGrown.(prometheus.Counter)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.DuplicatesDeleted.(prometheus.Counter)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Relocations.(prometheus.Counter)), 0)
	assert.InDelta(t, 12, testutil.ToFloat64(m.RecordsProcessed.(prometheus.Counter)), 0)

	n, err := testutil.GatherAndCount(reg, "entitle_run_completed_total", "entitle_run_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFactoryReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := observability.NewPrometheusFactory(reg)

	a := f.Counter("entitle.x")
	b := f.Counter("entitle.x")
	assert.Same(t, a, b)

	// A second factory on the same registry picks up the existing collector.
	c := observability.NewPrometheusFactory(reg).Counter("entitle.x")
	c.Inc()
	assert.InDelta(t, 1, testutil.ToFloat64(a.(prometheus.Counter)), 0)
}
