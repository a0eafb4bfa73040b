// Package app assembles an entitle service from config: store, engine,
// plugins, HTTP API, metrics endpoint, scheduler and event consumer.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/entitle"
	audithook "github.com/xraph/entitle/audit_hook"
	"github.com/xraph/entitle/auth"
	"github.com/xraph/entitle/config"
	"github.com/xraph/entitle/events"
	"github.com/xraph/entitle/httpapi"
	"github.com/xraph/entitle/observability"
	"github.com/xraph/entitle/quota"
	"github.com/xraph/entitle/scheduler"
	"github.com/xraph/entitle/store"
	fsstore "github.com/xraph/entitle/store/firestore"
	"github.com/xraph/entitle/store/memory"
	"github.com/xraph/entitle/store/mongo"
	"github.com/xraph/entitle/store/postgres"
	"github.com/xraph/entitle/store/sqlite"
)

// ReconcileJob is the scheduler job name of the daily quota run.
const ReconcileJob = "reconcile"

const shutdownTimeout = 30 * time.Second

// App is a fully wired entitle service.
type App struct {
	cfg        config.Config
	logger     *slog.Logger
	store      store.Store
	engine     *entitle.Engine
	engineOpts []entitle.Option
	authn      auth.Authenticator
	registry   *prometheus.Registry
	sched      *scheduler.Scheduler
	closers    []func() error
}

// New builds an App. The store is opened but not migrated; Start does that.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = cfg.Logger()
	}
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	if a.store == nil {
		s, err := OpenStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.store = s
	}

	a.engine = entitle.New(a.store, a.buildEngineOpts()...)
	if err := a.buildScheduler(ctx); err != nil {
		return nil, errors.Join(err, a.Stop(context.WithoutCancel(ctx)))
	}
	return a, nil
}

// Engine returns the engine.
func (a *App) Engine() *entitle.Engine { return a.engine }

// Store returns the store.
func (a *App) Store() store.Store { return a.store }

// Scheduler returns the job scheduler. It is started by Serve.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Exclusive runs fn under the run lock shared with the scheduler, so an
// on-demand run never overlaps a scheduled one. It returns
// scheduler.ErrLockHeld when another run is in flight.
func (a *App) Exclusive(ctx context.Context, name string, fn scheduler.RunFunc) (*entitle.RunResult, error) {
	return a.sched.Guard().Run(ctx, name, fn)
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Start migrates the store (unless disabled) and initializes plugins.
func (a *App) Start(ctx context.Context) error {
	return a.engine.Start(ctx)
}

// Stop shuts the engine down and closes the store and every side client.
func (a *App) Stop(ctx context.Context) error {
	errs := []error{a.engine.Stop(ctx)}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// Health checks the store.
func (a *App) Health(ctx context.Context) error {
	return a.engine.Ping(ctx)
}

// Serve runs the HTTP API, the metrics endpoint, the scheduler and, when an
// AMQP URL is configured, the event consumer until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	authn, err := a.authenticator()
	if err != nil {
		return err
	}
	a.sched.Start()

	api := &http.Server{
		Addr: a.cfg.HTTPAddr,
		Handler: httpapi.New(a.engine, authn,
			httpapi.WithLogger(a.logger),
			httpapi.WithGuard(a.sched.Guard()),
		).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	metrics := &http.Server{
		Addr:              a.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.listen(ctx, "api", api) })
	if a.cfg.MetricsAddr != "" {
		g.Go(func() error { return a.listen(ctx, "metrics", metrics) })
	}
	if a.cfg.AMQPURL != "" {
		consumer := events.NewConsumer(a.cfg.AMQPURL, a.engine,
			events.WithQueue(a.cfg.AMQPQueue),
			events.WithLogger(a.logger),
		)
		g.Go(func() error { return consumer.Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return a.sched.Stop(stopCtx)
	})
	return g.Wait()
}

// listen serves srv until ctx is done, then shuts it down gracefully.
func (a *App) listen(ctx context.Context, name string, srv *http.Server) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("app: %s listen: %w", name, err)
	}
	a.logger.Info("http server listening", "server", name, "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: %s: %w", name, err)
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

// buildScheduler creates the scheduler and its locker. Redis backs the lock
// when configured so replicas exclude each other.
func (a *App) buildScheduler(ctx context.Context) error {
	opts := []scheduler.Option{
		scheduler.WithLogger(a.logger),
		scheduler.WithRetry(a.cfg.RetryAttempts, a.cfg.RetryMaxBackoff),
		scheduler.WithRunTimeout(a.cfg.RunTimeout),
		scheduler.WithLockTTL(a.cfg.LockTTL),
	}
	if a.cfg.RedisURL != "" {
		locker, err := scheduler.NewRedisLockerFromURL(ctx, a.cfg.RedisURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, locker.Close)
		opts = append(opts, scheduler.WithLocker(locker))
	}

	a.sched = scheduler.New(opts...)
	return a.sched.Add(ReconcileJob, a.cfg.CronSpec, a.engine.ReconcileQuotas)
}

// authenticator returns the injected authenticator or one built from config.
// Without JWT settings every protected route answers 401.
func (a *App) authenticator() (auth.Authenticator, error) {
	if a.authn != nil {
		return a.authn, nil
	}
	authn, err := NewAuthenticator(a.cfg)
	if err != nil {
		return nil, err
	}
	if authn == nil {
		a.logger.Warn("no JWT key configured, protected routes will reject every request")
		return auth.AuthenticatorFunc(func(context.Context, string) (entitle.Caller, error) {
			return entitle.Caller{}, entitle.ErrNotAuthenticated
		}), nil
	}
	return authn, nil
}

// buildEngineOpts constructs entitle.Option values from the config.
func (a *App) buildEngineOpts() []entitle.Option {
	cfg := a.cfg
	opts := make([]entitle.Option, 0, len(a.engineOpts)+12)
	opts = append(opts,
		entitle.WithLogger(a.logger),
		entitle.WithRunTimeout(cfg.RunTimeout),
		entitle.WithStoreTimeout(cfg.StoreTimeout),
		entitle.WithHookTimeout(cfg.HookTimeout),
		entitle.WithCommitConcurrency(cfg.CommitConcurrency),
		entitle.WithMaxGroupSize(cfg.MaxGroupSize),
		entitle.WithPremiumTerm(cfg.PremiumTerm),
		entitle.WithCanonicalIDs(cfg.CanonicalIDs),
		entitle.WithPolicy(quota.Policy{Interval: cfg.GrowthInterval, Step: cfg.GrowthStep}),
		entitle.WithPlugin(observability.NewMetricsExtension(observability.NewPrometheusFactory(a.registry))),
		entitle.WithPlugin(audithook.New(audithook.SlogRecorder(a.logger.With("component", "audit")),
			audithook.WithLogger(a.logger))),
	)
	if cfg.DisableMigrate {
		opts = append(opts, entitle.WithoutMigrate())
	}
	return append(opts, a.engineOpts...)
}

// OpenStore opens the backend named by cfg.StoreDriver.
func OpenStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory, "":
		return memory.New(), nil
	case config.DriverFirestore:
		return fsstore.Connect(ctx, cfg.FirestoreProject, []fsstore.Option{fsstore.WithCollection(cfg.FirestoreCollection)})
	case config.DriverMongo:
		return mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.PostgresDSN)
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.SQLitePath)
	}
	return nil, fmt.Errorf("app: unknown store driver %q", cfg.StoreDriver)
}

// NewAuthenticator builds a JWT authenticator from cfg. It returns nil when
// neither a secret nor a public key is configured.
func NewAuthenticator(cfg config.Config) (auth.Authenticator, error) {
	opts := []auth.Option{
		auth.WithIssuer(cfg.JWTIssuer),
		auth.WithAudience(cfg.JWTAudience),
		auth.WithLeeway(30 * time.Second),
	}
	switch {
	case cfg.JWTPublicKeyFile != "":
		pemBytes, err := os.ReadFile(cfg.JWTPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("app: read jwt public key: %w", err)
		}
		return auth.NewRSAFromPEM(pemBytes, opts...)
	case cfg.JWTSecret != "":
		return auth.NewHMAC([]byte(cfg.JWTSecret), opts...), nil
	}
	return nil, nil //nolint:nilnil // no authenticator configured
}
