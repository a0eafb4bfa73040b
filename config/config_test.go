package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/entitle/config"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig(), cfg)
	assert.Equal(t, config.DriverMemory, cfg.StoreDriver)
	assert.Equal(t, 9*time.Minute, cfg.RunTimeout)
	assert.Equal(t, "0 0 * * *", cfg.CronSpec)
}

func TestLoadFromEnvironment(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{
		"ENTITLE_STORE_DRIVER":       "postgres",
		"ENTITLE_POSTGRES_DSN":       "postgres://localhost/entitle",
		"ENTITLE_MAX_GROUP_SIZE":     "100",
		"ENTITLE_RUN_TIMEOUT":        "2m",
		"ENTITLE_STORE_TIMEOUT":      "10s",
		"ENTITLE_CANONICAL_IDS":      "true",
		"ENTITLE_CRON_SPEC":          "30 3 * * *",
		"ENTITLE_LOG_LEVEL":          "debug",
		"ENTITLE_COMMIT_CONCURRENCY": "8",
	})
	require.NoError(t, err)
	assert.Equal(t, config.DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 100, cfg.MaxGroupSize)
	assert.Equal(t, 2*time.Minute, cfg.RunTimeout)
	assert.Equal(t, 10*time.Second, cfg.StoreTimeout)
	assert.True(t, cfg.CanonicalIDs)
	assert.Equal(t, 8, cfg.CommitConcurrency)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*config.Config)
	}{
		{"unknown driver", func(c *config.Config) { c.StoreDriver = "cassandra" }},
		{"firestore without project", func(c *config.Config) { c.StoreDriver = config.DriverFirestore }},
		{"mongo without uri", func(c *config.Config) { c.StoreDriver = config.DriverMongo }},
		{"group size of one", func(c *config.Config) { c.MaxGroupSize = 1 }},
		{"store timeout above run timeout", func(c *config.Config) { c.StoreTimeout = time.Hour }},
		{"bad cron", func(c *config.Config) { c.CronSpec = "every day" }},
		{"lock ttl too short", func(c *config.Config) { c.LockTTL = time.Second }},
		{"two jwt keys", func(c *config.Config) { c.JWTSecret, c.JWTPublicKeyFile = "s", "k.pem" }},
		{"bad log level", func(c *config.Config) { c.LogLevel = "loud" }},
		{"bad log format", func(c *config.Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.mod(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, config.DefaultConfig().Validate())
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("ENTITLE_HTTP_ADDR=:9999\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("ENTITLE_HTTP_ADDR") })

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTPAddr)
}
