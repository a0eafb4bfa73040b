// Package config loads the entitle service configuration from the
// environment, after an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v8"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "ENTITLE_"

// MinLockTTL is the shortest run lock ttl accepted. The lease is refreshed
// every third of its ttl while a run is in flight.
const MinLockTTL = 30 * time.Second

// Store drivers.
const (
	DriverMemory    = "memory"
	DriverFirestore = "firestore"
	DriverMongo     = "mongo"
	DriverPostgres  = "postgres"
	DriverSQLite    = "sqlite"
)

// Config holds the entitle service configuration. Every field can be set
// from ENTITLE_<NAME>.
type Config struct {
	// Store
	StoreDriver         string `env:"STORE_DRIVER"`
	FirestoreProject    string `env:"FIRESTORE_PROJECT"`
	FirestoreCollection string `env:"FIRESTORE_COLLECTION"`
	MongoURI            string `env:"MONGO_URI"`
	MongoDatabase       string `env:"MONGO_DATABASE"`
	PostgresDSN         string `env:"POSTGRES_DSN"`
	SQLitePath          string `env:"SQLITE_PATH"`

	// DisableMigrate skips the schema migration on start.
	DisableMigrate bool `env:"DISABLE_MIGRATE"`

	// Engine
	MaxGroupSize      int           `env:"MAX_GROUP_SIZE"`
	CommitConcurrency int           `env:"COMMIT_CONCURRENCY"`
	RunTimeout        time.Duration `env:"RUN_TIMEOUT"`
	StoreTimeout      time.Duration `env:"STORE_TIMEOUT"`
	HookTimeout       time.Duration `env:"HOOK_TIMEOUT"`
	PremiumTerm       time.Duration `env:"PREMIUM_TERM"`
	GrowthInterval    time.Duration `env:"GROWTH_INTERVAL"`
	GrowthStep        int           `env:"GROWTH_STEP"`
	CanonicalIDs      bool          `env:"CANONICAL_IDS"`

	// Scheduler
	CronSpec        string        `env:"CRON_SPEC"`
	RetryAttempts   int           `env:"RETRY_ATTEMPTS"`
	RetryMaxBackoff time.Duration `env:"RETRY_MAX_BACKOFF"`
	RedisURL        string        `env:"REDIS_URL"`
	LockTTL         time.Duration `env:"LOCK_TTL"`

	// Events
	AMQPURL   string `env:"AMQP_URL"`
	AMQPQueue string `env:"AMQP_QUEUE"`

	// HTTP
	HTTPAddr    string `env:"HTTP_ADDR"`
	MetricsAddr string `env:"METRICS_ADDR"`

	// Auth
	JWTSecret        string `env:"JWT_SECRET"`
	JWTPublicKeyFile string `env:"JWT_PUBLIC_KEY_FILE"`
	JWTIssuer        string `env:"JWT_ISSUER"`
	JWTAudience      string `env:"JWT_AUDIENCE"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StoreDriver:         DriverMemory,
		FirestoreCollection: "subscriptions",
		MongoDatabase:       "entitle",
		SQLitePath:          "data/entitle.db",
		CommitConcurrency:   4,
		RunTimeout:          9 * time.Minute,
		StoreTimeout:        30 * time.Second,
		HookTimeout:         5 * time.Second,
		PremiumTerm:         30 * 24 * time.Hour,
		GrowthInterval:      7 * 24 * time.Hour,
		GrowthStep:          1,
		CronSpec:            "0 0 * * *",
		RetryAttempts:       3,
		RetryMaxBackoff:     5 * time.Minute,
		LockTTL:             15 * time.Minute,
		AMQPQueue:           "user.created",
		HTTPAddr:            ":8080",
		MetricsAddr:         ":9090",
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// Load reads an optional .env file (the given paths, or ./.env) and then the
// process environment. Variables already set in the environment win over the
// file.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			envFiles = []string{".env"}
		}
	}
	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return Config{}, fmt.Errorf("config: load env file: %w", err)
		}
	}
	return parse(env.Options{Prefix: EnvPrefix})
}

// LoadFrom reads configuration from environ instead of the process
// environment. Keys carry the ENTITLE_ prefix.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Prefix: EnvPrefix, Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	cfg = mergeWithDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.StoreDriver == "" {
		cfg.StoreDriver = defaults.StoreDriver
	}
	if cfg.CommitConcurrency == 0 {
		cfg.CommitConcurrency = defaults.CommitConcurrency
	}
	if cfg.RunTimeout == 0 {
		cfg.RunTimeout = defaults.RunTimeout
	}
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = defaults.StoreTimeout
	}
	if cfg.GrowthInterval == 0 {
		cfg.GrowthInterval = defaults.GrowthInterval
	}
	if cfg.GrowthStep == 0 {
		cfg.GrowthStep = defaults.GrowthStep
	}
	if cfg.CronSpec == "" {
		cfg.CronSpec = defaults.CronSpec
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = defaults.LockTTL
	}
	return cfg
}

// Validate rejects settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error

	switch c.StoreDriver {
	case DriverMemory:
	case DriverFirestore:
		if c.FirestoreProject == "" {
			errs = append(errs, errors.New("ENTITLE_FIRESTORE_PROJECT is required for the firestore driver"))
		}
	case DriverMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("ENTITLE_MONGO_URI is required for the mongo driver"))
		}
	case DriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("ENTITLE_POSTGRES_DSN is required for the postgres driver"))
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("ENTITLE_SQLITE_PATH is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}

	if c.MaxGroupSize < 0 || c.MaxGroupSize == 1 {
		errs = append(errs, fmt.Errorf("max group size %d must be 0 or at least 2", c.MaxGroupSize))
	}
	if c.CommitConcurrency < 1 {
		errs = append(errs, errors.New("commit concurrency must be positive"))
	}
	if c.RunTimeout <= 0 || c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("run and store timeouts must be positive"))
	}
	if c.StoreTimeout > c.RunTimeout {
		errs = append(errs, errors.New("store timeout must not exceed run timeout"))
	}
	if c.GrowthInterval <= 0 || c.GrowthStep <= 0 {
		errs = append(errs, errors.New("growth interval and step must be positive"))
	}
	if c.RetryAttempts < 0 {
		errs = append(errs, errors.New("retry attempts must not be negative"))
	}
	if c.LockTTL < MinLockTTL {
		errs = append(errs, fmt.Errorf("lock ttl %s must be at least %s", c.LockTTL, MinLockTTL))
	}
	if _, err := cron.ParseStandard(c.CronSpec); err != nil {
		errs = append(errs, fmt.Errorf("cron spec %q: %w", c.CronSpec, err))
	}
	if c.JWTSecret != "" && c.JWTPublicKeyFile != "" {
		errs = append(errs, errors.New("set either ENTITLE_JWT_SECRET or ENTITLE_JWT_PUBLIC_KEY_FILE, not both"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "json", "text", "":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// Logger builds the service logger from LogLevel and LogFormat.
func (c Config) Logger() *slog.Logger {
	level, err := c.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
