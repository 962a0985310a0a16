package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/fieldpay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, domain.TierCommunity, cfg.Tier)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Repository.Driver)
	assert.Equal(t, "memory", cfg.Cache.Type)
	assert.Equal(t, "channel", cfg.EventBus.Type)
	assert.Equal(t, "Africa/Lagos", cfg.Fraud.Timezone)
	assert.Equal(t, 6, cfg.Fraud.RuleConcurrency)
	assert.Equal(t, 30*time.Second, cfg.Fraud.AnalyticsTTL)
	assert.True(t, cfg.Worker.Enabled)
	assert.Empty(t, cfg.Worker.TenantIDs)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FIELDPAY_SERVER_PORT", "9191")
	t.Setenv("FIELDPAY_LOG_LEVEL", "DEBUG")
	t.Setenv("FIELDPAY_FRAUD_ANALYTICS_TTL", "2m")
	t.Setenv("FIELDPAY_WORKER_TENANTS", "tenant-a, tenant-b,,")
	t.Setenv("FIELDPAY_FRAUD_BOOTSTRAP_TENANTS", "tenant-a")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 2*time.Minute, cfg.Fraud.AnalyticsTTL)
	assert.Equal(t, []string{"tenant-a", "tenant-b"}, cfg.Worker.TenantIDs)
	assert.Equal(t, []string{"tenant-a"}, cfg.Fraud.BootstrapTenants)
}

func TestLoadProTier(t *testing.T) {
	t.Setenv("FIELDPAY_TIER", "pro")
	t.Setenv("FIELDPAY_CACHE_REDIS_ADDR", "redis:6379")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, domain.TierPro, cfg.Tier)
	assert.Equal(t, "postgres", cfg.Repository.Driver)
	assert.Equal(t, 5432, cfg.Repository.PostgresPort)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, "redis:6379", cfg.Cache.RedisAddr)
	assert.True(t, cfg.Cache.EnableTwoPhase)
	assert.Equal(t, "nats", cfg.EventBus.Type)
	assert.Equal(t, "fieldpay-workers", cfg.EventBus.NATSQueueGroup)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, 0.2, cfg.Tracing.SampleRatio)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fieldpay.yaml")
	content := `
server:
  port: 7070
repository:
  sqlite_path: /var/lib/fieldpay/ledger.db
fraud:
  timezone: UTC
  bulk_concurrency: 2
  batch_lock_ttl: 90s
  bootstrap_tenants:
    - tenant-a
    - tenant-b
log:
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Run("ExplicitPath", func(t *testing.T) {
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 7070, cfg.Server.Port)
		assert.Equal(t, "/var/lib/fieldpay/ledger.db", cfg.Repository.SQLitePath)
		assert.Equal(t, "UTC", cfg.Fraud.Timezone)
		assert.Equal(t, 2, cfg.Fraud.BulkConcurrency)
		assert.Equal(t, 90*time.Second, cfg.Fraud.BatchLockTTL)
		assert.Equal(t, []string{"tenant-a", "tenant-b"}, cfg.Fraud.BootstrapTenants)
		assert.Equal(t, "text", cfg.Logging.Format)
		// Untouched keys keep their preset.
		assert.Equal(t, "sqlite", cfg.Repository.Driver)
	})

	t.Run("EnvBeatsFile", func(t *testing.T) {
		t.Setenv("FIELDPAY_CONFIG", path)
		t.Setenv("FIELDPAY_SERVER_PORT", "6060")

		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, 6060, cfg.Server.Port)
		assert.Equal(t, 2, cfg.Fraud.BulkConcurrency)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Config)
	}{
		{"UnknownTier", func(c *domain.Config) { c.Tier = "enterprise" }},
		{"BadPort", func(c *domain.Config) { c.Server.Port = 70000 }},
		{"BadDriver", func(c *domain.Config) { c.Repository.Driver = "mysql" }},
		{"BadCache", func(c *domain.Config) { c.Cache.Type = "memcached" }},
		{"BadBus", func(c *domain.Config) { c.EventBus.Type = "kafka" }},
		{"BadLevel", func(c *domain.Config) { c.Logging.Level = "trace" }},
		{"BadTimezone", func(c *domain.Config) { c.Fraud.Timezone = "Mars/Olympus" }},
		{"ZeroConcurrency", func(c *domain.Config) { c.Fraud.RuleConcurrency = 0 }},
		{"WorkerTenantWithDot", func(c *domain.Config) { c.Worker.TenantIDs = []string{"lagos.north"} }},
		{"BootstrapTenantWildcard", func(c *domain.Config) { c.Fraud.BootstrapTenants = []string{"*"} }},
	}

	require.NoError(t, Validate(domain.DefaultConfig()))
	require.NoError(t, Validate(domain.ProConfig()))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}
