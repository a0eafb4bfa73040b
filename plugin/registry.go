package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/receipt"
)

// DefaultHookTimeout bounds a single plugin hook call.
const DefaultHookTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery so emitting does not type-assert.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit               []OnInit
	onShutdown           []OnShutdown
	onEntitlementCreated []OnEntitlementCreated
	onPurchaseApplied    []OnPurchaseApplied
	onTierChanged        []OnTierChanged
	onUsageCorrected     []OnUsageCorrected
	onQuotaGrown         []OnQuotaGrown
	onDuplicatesResolved []OnDuplicatesResolved
	onRunCompleted       []OnRunCompleted
	onRunFailed          []OnRunFailed
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultHookTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnEntitlementCreated); ok {
		r.onEntitlementCreated = append(r.onEntitlementCreated, v)
	}
	if v, ok := p.(OnPurchaseApplied); ok {
		r.onPurchaseApplied = append(r.onPurchaseApplied, v)
	}
	if v, ok := p.(OnTierChanged); ok {
		r.onTierChanged = append(r.onTierChanged, v)
	}
	if v, ok := p.(OnUsageCorrected); ok {
		r.onUsageCorrected = append(r.onUsageCorrected, v)
	}
	if v, ok := p.(OnQuotaGrown); ok {
		r.onQuotaGrown = append(r.onQuotaGrown, v)
	}
	if v, ok := p.(OnDuplicatesResolved); ok {
		r.onDuplicatesResolved = append(r.onDuplicatesResolved, v)
	}
	if v, ok := p.(OnRunCompleted); ok {
		r.onRunCompleted = append(r.onRunCompleted, v)
	}
	if v, ok := p.(OnRunFailed); ok {
		r.onRunFailed = append(r.onRunFailed, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookTypes = []struct {
	typ  reflect.Type
	name string
}{
	{reflect.TypeFor[OnInit](), "OnInit"},
	{reflect.TypeFor[OnShutdown](), "OnShutdown"},
	{reflect.TypeFor[OnEntitlementCreated](), "OnEntitlementCreated"},
	{reflect.TypeFor[OnPurchaseApplied](), "OnPurchaseApplied"},
	{reflect.TypeFor[OnTierChanged](), "OnTierChanged"},
	{reflect.TypeFor[OnUsageCorrected](), "OnUsageCorrected"},
	{reflect.TypeFor[OnQuotaGrown](), "OnQuotaGrown"},
	{reflect.TypeFor[OnDuplicatesResolved](), "OnDuplicatesResolved"},
	{reflect.TypeFor[OnRunCompleted](), "OnRunCompleted"},
	{reflect.TypeFor[OnRunFailed](), "OnRunFailed"},
}

// implementedInterfaces returns the hook names p implements.
func implementedInterfaces(p Plugin) []string {
	var names []string
	v := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if v.Implements(h.typ) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// emit runs fn for every hook in hooks, logging failures.
func emit[T Plugin](ctx context.Context, r *Registry, event string, hooks []T, fn func(T) error) {
	for _, p := range hooks {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return fn(p)
		}); err != nil {
			r.logger.Warn("plugin hook failed",
				"hook", event,
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

func snapshot[T any](r *Registry, hooks *[]T) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *hooks
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, "OnInit", snapshot(r, &r.onInit), func(p OnInit) error {
		return p.OnInit(ctx, engine)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", snapshot(r, &r.onShutdown), func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

// EmitEntitlementCreated emits an entitlement created event.
func (r *Registry) EmitEntitlementCreated(ctx context.Context, e *entitlement.Entitlement) {
	emit(ctx, r, "OnEntitlementCreated", snapshot(r, &r.onEntitlementCreated), func(p OnEntitlementCreated) error {
		return p.OnEntitlementCreated(ctx, e)
	})
}

// EmitPurchaseApplied emits a purchase applied event.
func (r *Registry) EmitPurchaseApplied(ctx context.Context, e *entitlement.Entitlement, rc *receipt.Receipt) {
	emit(ctx, r, "OnPurchaseApplied", snapshot(r, &r.onPurchaseApplied), func(p OnPurchaseApplied) error {
		return p.OnPurchaseApplied(ctx, e, rc)
	})
}

// EmitTierChanged emits a tier changed event.
func (r *Registry) EmitTierChanged(ctx context.Context, entitlementID string, from, to entitlement.Tier) {
	emit(ctx, r, "OnTierChanged", snapshot(r, &r.onTierChanged), func(p OnTierChanged) error {
		return p.OnTierChanged(ctx, entitlementID, from, to)
	})
}

// EmitUsageCorrected emits a usage corrected event.
func (r *Registry) EmitUsageCorrected(ctx context.Context, userID string, booksRead, bookLimit int) {
	emit(ctx, r, "OnUsageCorrected", snapshot(r, &r.onUsageCorrected), func(p OnUsageCorrected) error {
		return p.OnUsageCorrected(ctx, userID, booksRead, bookLimit)
	})
}

// EmitQuotaGrown emits a quota grown event.
func (r *Registry) EmitQuotaGrown(ctx context.Context, grown int) {
	emit(ctx, r, "OnQuotaGrown", snapshot(r, &r.onQuotaGrown), func(p OnQuotaGrown) error {
		return p.OnQuotaGrown(ctx, grown)
	})
}

// EmitDuplicatesResolved emits a duplicates resolved event.
func (r *Registry) EmitDuplicatesResolved(ctx context.Context, userID string, deleted int, relocated bool) {
	emit(ctx, r, "OnDuplicatesResolved", snapshot(r, &r.onDuplicatesResolved), func(p OnDuplicatesResolved) error {
		return p.OnDuplicatesResolved(ctx, userID, deleted, relocated)
	})
}

// EmitRunCompleted emits a run completed event.
func (r *Registry) EmitRunCompleted(ctx context.Context, run RunSummary) {
	emit(ctx, r, "OnRunCompleted", snapshot(r, &r.onRunCompleted), func(p OnRunCompleted) error {
		return p.OnRunCompleted(ctx, run)
	})
}

// EmitRunFailed emits a run failed event.
func (r *Registry) EmitRunFailed(ctx context.Context, run RunSummary, runErr error) {
	emit(ctx, r, "OnRunFailed", snapshot(r, &r.onRunFailed), func(p OnRunFailed) error {
		return p.OnRunFailed(ctx, run, runErr)
	})
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins must never stall a reconciliation run.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
