// Package extension provides the Forge extension adapter for entitle.
//
// It implements the forge.Extension interface to integrate the entitlement
// engine into a Forge application with DI registration, HTTP routes, the
// reconciliation schedule and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.entitle" or "entitle" keys.
package extension

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/entitle"
	"github.com/xraph/entitle/auth"
	"github.com/xraph/entitle/httpapi"
	"github.com/xraph/entitle/scheduler"
	"github.com/xraph/entitle/store"
	"github.com/xraph/entitle/store/memory"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "entitle"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Subscription entitlement reconciliation engine"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// ReconcileJob is the scheduler job name of the daily quota run.
const ReconcileJob = "reconcile"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts entitle as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *entitle.Engine
	store      store.Store
	sched      *scheduler.Scheduler
	authn      auth.Authenticator
	locker     scheduler.Locker
	logger     *slog.Logger
	engineOpts []entitle.Option
}

// New creates a new entitle Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying engine.
// This is nil until Register is called.
func (e *Extension) Engine() *entitle.Engine { return e.engine }

// Scheduler returns the reconciliation scheduler.
// This is nil until Register is called.
func (e *Extension) Scheduler() *scheduler.Scheduler { return e.sched }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine, registers it in the DI container and mounts the
// HTTP routes.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}
	if err := e.build(); err != nil {
		return err
	}

	if !e.config.DisableRoutes {
		base := strings.TrimRight(e.config.BasePath, "/")
		if err := fapp.Router().Handle(base, http.StripPrefix(base, e.handler())); err != nil {
			return err
		}
	}

	return vessel.Provide(fapp.Container(), func() (*entitle.Engine, error) {
		return e.engine, nil
	})
}

// build creates the engine and scheduler from the resolved config.
func (e *Extension) build() error {
	if e.logger == nil {
		e.logger = slog.Default()
	}
	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}

	e.engine = entitle.New(e.store, e.buildEngineOpts()...)
	e.sched = scheduler.New(
		scheduler.WithLogger(e.logger),
		scheduler.WithLocker(e.locker),
		scheduler.WithRunTimeout(e.config.RunTimeout),
		scheduler.WithLockTTL(e.config.LockTTL),
	)
	if e.config.DisableScheduler {
		return nil
	}
	return e.sched.Add(ReconcileJob, e.config.CronSpec, e.engine.ReconcileQuotas)
}

// handler returns the HTTP API sharing the scheduler's run lock.
func (e *Extension) handler() http.Handler {
	authn := e.authn
	if authn == nil {
		authn = auth.AuthenticatorFunc(func(context.Context, string) (entitle.Caller, error) {
			return entitle.Caller{}, entitle.ErrNotAuthenticated
		})
	}
	return httpapi.New(e.engine, authn,
		httpapi.WithLogger(e.logger),
		httpapi.WithGuard(e.sched.Guard()),
	).Handler()
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("entitle: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}
	if !e.config.DisableScheduler {
		e.sched.Start()
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(ctx context.Context) error {
	var errs []error
	if e.sched != nil {
		errs = append(errs, e.sched.Stop(ctx))
	}
	if e.engine != nil {
		errs = append(errs, e.engine.Stop(ctx))
	}
	e.MarkStopped()
	return errors.Join(errs...)
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("entitle: engine not initialized")
	}
	return e.engine.Ping(ctx)
}

// buildEngineOpts constructs entitle.Option values from the resolved config.
func (e *Extension) buildEngineOpts() []entitle.Option {
	opts := make([]entitle.Option, 0, len(e.engineOpts)+6)
	opts = append(opts,
		entitle.WithLogger(e.logger),
		entitle.WithRunTimeout(e.config.RunTimeout),
		entitle.WithCommitConcurrency(e.config.CommitConcurrency),
		entitle.WithPremiumTerm(e.config.PremiumTerm),
	)
	if e.config.MaxGroupSize > 0 {
		opts = append(opts, entitle.WithMaxGroupSize(e.config.MaxGroupSize))
	}
	if e.config.DisableMigrate {
		opts = append(opts, entitle.WithoutMigrate())
	}

	// Append any pass-through engine options.
	return append(opts, e.engineOpts...)
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("entitle: configuration is required but not found in config files; " +
				"ensure 'extensions.entitle' or 'entitle' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("entitle: configuration loaded",
		forge.F("disable_routes", e.config.DisableRoutes),
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("disable_scheduler", e.config.DisableScheduler),
		forge.F("base_path", e.config.BasePath),
		forge.F("cron_spec", e.config.CronSpec),
		forge.F("lock_ttl", e.config.LockTTL),
	)
	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()
	var cfg Config

	for _, key := range []string{"extensions.entitle", "entitle"} {
		if !cm.IsSet(key) {
			continue
		}
		if err := cm.Bind(key, &cfg); err == nil {
			e.Logger().Debug("entitle: loaded config from file", forge.F("key", key))
			return cfg, true
		}
		e.Logger().Warn("entitle: failed to bind config",
			forge.F("key", key),
			forge.F("error", "bind failed"),
		)
	}
	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.BasePath == "" {
		cfg.BasePath = defaults.BasePath
	}
	if cfg.CronSpec == "" {
		cfg.CronSpec = defaults.CronSpec
	}
	if cfg.CommitConcurrency == 0 {
		cfg.CommitConcurrency = defaults.CommitConcurrency
	}
	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = defaults.RunTimeout
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = defaults.LockTTL
	}
	if cfg.PremiumTerm == 0 {
		cfg.PremiumTerm = defaults.PremiumTerm
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML takes precedence; programmatic values fill gaps and bool flags
// override when true.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableRoutes {
		yamlConfig.DisableRoutes = true
	}
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.DisableScheduler {
		yamlConfig.DisableScheduler = true
	}

	if yamlConfig.BasePath == "" {
		yamlConfig.BasePath = programmaticConfig.BasePath
	}
	if yamlConfig.CronSpec == "" {
		yamlConfig.CronSpec = programmaticConfig.CronSpec
	}
	if yamlConfig.MaxGroupSize == 0 {
		yamlConfig.MaxGroupSize = programmaticConfig.MaxGroupSize
	}
	if yamlConfig.CommitConcurrency == 0 {
		yamlConfig.CommitConcurrency = programmaticConfig.CommitConcurrency
	}
	if yamlConfig.RunTimeout == 0 {
		yamlConfig.RunTimeout = programmaticConfig.RunTimeout
	}
	if yamlConfig.LockTTL == 0 {
		yamlConfig.LockTTL = programmaticConfig.LockTTL
	}
	if yamlConfig.PremiumTerm == 0 {
		yamlConfig.PremiumTerm = programmaticConfig.PremiumTerm
	}

	return mergeWithDefaults(yamlConfig)
}
