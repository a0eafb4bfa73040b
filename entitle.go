package entitle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/entitle/batch"
	"github.com/xraph/entitle/dedup"
	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/plugin"
	"github.com/xraph/entitle/quota"
	"github.com/xraph/entitle/store"
)

// Engine defaults.
const (
	DefaultRunTimeout   = 9 * time.Minute
	DefaultStoreTimeout = 30 * time.Second
	DefaultPremiumTerm  = 30 * 24 * time.Hour
)

// Engine is the entitlement reconciliation engine.
type Engine struct {
	store    store.Store
	records  entitlement.Store
	plugins  *plugin.Registry
	logger   *slog.Logger
	policy   quota.Policy
	resolver *dedup.Resolver
	now      func() time.Time

	// Configuration
	runTimeout        time.Duration
	storeTimeout      time.Duration
	commitConcurrency int
	maxGroupSize      int
	premiumTerm       time.Duration
	canonicalIDs      bool
	skipMigrate       bool
}

// New creates a new Engine over s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:             s,
		plugins:           plugin.NewRegistry(),
		logger:            slog.Default(),
		policy:            quota.DefaultPolicy(),
		now:               time.Now,
		runTimeout:        DefaultRunTimeout,
		storeTimeout:      DefaultStoreTimeout,
		commitConcurrency: batch.DefaultConcurrency,
		premiumTerm:       DefaultPremiumTerm,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.records = timedStore{inner: s, timeout: e.storeTimeout, cap: e.maxGroupSize}
	e.resolver = dedup.NewResolver(e.records,
		dedup.WithLogger(e.logger),
		dedup.WithBatchOptions(e.batchOptions()...),
	)

	return e
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithPolicy sets the quota growth policy.
func WithPolicy(p quota.Policy) Option {
	return func(e *Engine) {
		e.policy = p
	}
}

// WithRunTimeout bounds the wall-clock time of one orchestrator run.
func WithRunTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.runTimeout = d
		}
	}
}

// WithStoreTimeout bounds every individual store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.storeTimeout = d
		}
	}
}

// WithCommitConcurrency bounds how many write groups commit at once.
func WithCommitConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.commitConcurrency = n
		}
	}
}

// WithMaxGroupSize lowers the write group cap below the store's own.
func WithMaxGroupSize(n int) Option {
	return func(e *Engine) {
		e.maxGroupSize = n
	}
}

// WithPremiumTerm sets how long a purchase keeps a record premium.
func WithPremiumTerm(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.premiumTerm = d
		}
	}
}

// WithCanonicalIDs makes new free records use the user id as their store
// identity instead of a generated id.
func WithCanonicalIDs(enabled bool) Option {
	return func(e *Engine) {
		e.canonicalIDs = enabled
	}
}

// WithHookTimeout bounds each plugin hook call.
func WithHookTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.plugins.WithTimeout(d)
	}
}

// WithoutMigrate makes Start skip the store migration.
func WithoutMigrate() Option {
	return func(e *Engine) {
		e.skipMigrate = true
	}
}

// Start migrates the store and initializes plugins.
func (e *Engine) Start(ctx context.Context) error {
	if !e.skipMigrate {
		if err := e.store.Migrate(ctx); err != nil {
			return fmt.Errorf("entitle: migrate: %w", err)
		}
	}

	e.plugins.EmitInit(ctx, e)

	e.logger.Info("entitle engine started",
		"run_timeout", e.runTimeout,
		"store_timeout", e.storeTimeout,
		"commit_concurrency", e.commitConcurrency,
		"max_group_size", e.records.MaxGroupSize(),
	)
	return nil
}

// Stop shuts down plugins and closes the store.
func (e *Engine) Stop(ctx context.Context) error {
	e.plugins.EmitShutdown(ctx)
	return e.store.Close()
}

// Ping checks that the store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	return classify(e.store.Ping(ctx))
}

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry {
	return e.plugins
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// timedStore bounds every call on the wrapped store and can lower its
// advertised group cap.
type timedStore struct {
	inner   entitlement.Store
	timeout time.Duration
	cap     int
}

var _ entitlement.Store = timedStore{}

func (t timedStore) ctx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.timeout)
}

func (t timedStore) FindByUserID(ctx context.Context, userID string) (*entitlement.Entitlement, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	e, err := t.inner.FindByUserID(ctx, userID)
	return e, classify(err)
}

func (t timedStore) FindAllByUserID(ctx context.Context, userID string) ([]*entitlement.Entitlement, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	es, err := t.inner.FindAllByUserID(ctx, userID)
	return es, classify(err)
}

func (t timedStore) FindByTier(ctx context.Context, tier entitlement.Tier, opts entitlement.ListOpts) ([]*entitlement.Entitlement, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	es, err := t.inner.FindByTier(ctx, tier, opts)
	return es, classify(err)
}

func (t timedStore) FindAll(ctx context.Context) ([]*entitlement.Entitlement, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	es, err := t.inner.FindAll(ctx)
	return es, classify(err)
}

func (t timedStore) Get(ctx context.Context, id string) (*entitlement.Entitlement, error) {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	e, err := t.inner.Get(ctx, id)
	return e, classify(err)
}

func (t timedStore) Create(ctx context.Context, e *entitlement.Entitlement) error {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return classify(t.inner.Create(ctx, e))
}

func (t timedStore) Update(ctx context.Context, id string, p entitlement.Patch) error {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return classify(t.inner.Update(ctx, id, p))
}

func (t timedStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return classify(t.inner.Delete(ctx, id))
}

func (t timedStore) CommitGroup(ctx context.Context, group []entitlement.Mutation) error {
	ctx, cancel := t.ctx(ctx)
	defer cancel()
	return classify(t.inner.CommitGroup(ctx, group))
}

func (t timedStore) MaxGroupSize() int {
	if t.cap > 0 && t.cap < t.inner.MaxGroupSize() {
		return t.cap
	}
	return t.inner.MaxGroupSize()
}

func (e *Engine) batchOptions() []batch.Option {
	return []batch.Option{
		batch.WithConcurrency(e.commitConcurrency),
		batch.WithCommitTimeout(e.storeTimeout),
		batch.WithLogger(e.logger),
	}
}

func (e *Engine) coordinator() *batch.Coordinator {
	return batch.NewCoordinator(e.records, e.batchOptions()...)
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// exec runs one store operation outside the entitlement collection under
// the store timeout.
func (e *Engine) exec(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	return classify(fn(ctx))
}

// classify marks store timeouts as unavailability so callers can retry.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return err
}
