package extension

import "time"

// Config holds the entitle extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.entitle" or "entitle" keys).
type Config struct {
	// DisableRoutes prevents HTTP route registration.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// DisableScheduler stops the extension from running the daily
	// reconciliation job.
	DisableScheduler bool `json:"disable_scheduler" mapstructure:"disable_scheduler" yaml:"disable_scheduler"`

	// BasePath is the URL prefix for entitle routes (default: "/entitle").
	BasePath string `json:"base_path" mapstructure:"base_path" yaml:"base_path"`

	// CronSpec is the reconciliation schedule in UTC (default: "0 0 * * *").
	CronSpec string `json:"cron_spec" mapstructure:"cron_spec" yaml:"cron_spec"`

	// MaxGroupSize caps one atomic write group. Zero uses the store's limit.
	MaxGroupSize int `json:"max_group_size" mapstructure:"max_group_size" yaml:"max_group_size"`

	// CommitConcurrency bounds concurrent group commits (default: 4).
	CommitConcurrency int `json:"commit_concurrency" mapstructure:"commit_concurrency" yaml:"commit_concurrency"`

	// RunTimeout is the wall-clock budget of one run (default: 9m).
	RunTimeout time.Duration `json:"run_timeout" mapstructure:"run_timeout" yaml:"run_timeout"`

	// LockTTL is the run lock lease, refreshed while a run is in flight
	// (default: 15m).
	LockTTL time.Duration `json:"lock_ttl" mapstructure:"lock_ttl" yaml:"lock_ttl"`

	// PremiumTerm is how long a purchase keeps a record premium (default: 30d).
	PremiumTerm time.Duration `json:"premium_term" mapstructure:"premium_term" yaml:"premium_term"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BasePath:          "/entitle",
		CronSpec:          "0 0 * * *",
		CommitConcurrency: 4,
		RunTimeout:        9 * time.Minute,
		LockTTL:           15 * time.Minute,
		PremiumTerm:       30 * 24 * time.Hour,
	}
}
