package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/harrier/internal/domain"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harrier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultConfig(), cfg)
}

func TestLoadFileOverlaysTierDefaults(t *testing.T) {
	path := writeConfig(t, `
tier: pro
server:
  port: 9090
risk:
  maxWorkers: 32
  alertDedupWindow: 30m
  minAlertLevel: critical
repository:
  postgresHost: db.internal
cache:
  snapshotTtl: 2m
worker:
  tenantIds: [acme, globex]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, domain.TierPro, cfg.Tier)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset keys keep tier defaults")
	assert.Equal(t, 32, cfg.Risk.MaxWorkers)
	assert.Equal(t, 30*time.Minute, cfg.Risk.AlertDedupWindow)
	assert.Equal(t, domain.RiskLevelCritical, cfg.Risk.MinAlertLevel)
	assert.Equal(t, "postgres", cfg.Repository.Driver)
	assert.Equal(t, "db.internal", cfg.Repository.PostgresHost)
	assert.Equal(t, 5432, cfg.Repository.PostgresPort)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, 2*time.Minute, cfg.Cache.SnapshotTTL)
	assert.True(t, cfg.Worker.Enabled)
	assert.Equal(t, []string{"acme", "globex"}, cfg.Worker.TenantIDs)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	t.Setenv("HARRIER_PORT", "7070")
	t.Setenv("HARRIER_SQLITE_PATH", "/var/lib/harrier.db")
	t.Setenv("HARRIER_TENANTS", "acme, globex ,")
	t.Setenv("HARRIER_ASYNC_WORKER", "true")
	t.Setenv("HARRIER_DEBUG", "true")
	t.Setenv("HARRIER_MIN_ALERT_LEVEL", "medium")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/var/lib/harrier.db", cfg.Repository.SQLitePath)
	assert.Equal(t, []string{"acme", "globex"}, cfg.Worker.TenantIDs)
	assert.True(t, cfg.Worker.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, domain.RiskLevelMedium, cfg.Risk.MinAlertLevel)
}

func TestLoadTierFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("HARRIER_TIER", "pro")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, domain.TierPro, cfg.Tier)
	assert.Equal(t, "nats", cfg.EventBus.Type)
}

func TestLoadConfigPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, writeConfig(t, "logging:\n  format: text\n"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadErrors(t *testing.T) {
	t.Run("MissingExplicitFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("MissingEnvFileIsIgnored", func(t *testing.T) {
		t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "missing.yaml"))
		_, err := Load("")
		assert.NoError(t, err)
	})

	t.Run("MalformedYAML", func(t *testing.T) {
		_, err := Load(writeConfig(t, "server: [unclosed"))
		assert.Error(t, err)
	})

	t.Run("UnknownTier", func(t *testing.T) {
		_, err := Load(writeConfig(t, "tier: enterprise\n"))
		assert.ErrorContains(t, err, "unknown tier")
	})

	t.Run("BadEnvInt", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "")
		t.Setenv("HARRIER_PORT", "eighty")
		_, err := Load("")
		assert.ErrorContains(t, err, "HARRIER_PORT")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Config)
		want   string
	}{
		{"Port", func(c *domain.Config) { c.Server.Port = 0 }, "server.port"},
		{"Driver", func(c *domain.Config) { c.Repository.Driver = "mysql" }, "repository driver"},
		{"Cache", func(c *domain.Config) { c.Cache.Type = "memcached" }, "cache type"},
		{"Bus", func(c *domain.Config) { c.EventBus.Type = "kafka" }, "event bus type"},
		{"AlertLevel", func(c *domain.Config) { c.Risk.MinAlertLevel = "severe" }, "minAlertLevel"},
		{"LogLevel", func(c *domain.Config) { c.Logging.Level = "verbose" }, "logging.level"},
	}

	require.NoError(t, Validate(domain.DefaultConfig()))
	require.NoError(t, Validate(domain.ProConfig()))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, Validate(cfg), tt.want)
		})
	}
}
