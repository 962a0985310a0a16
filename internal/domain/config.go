package domain

import (
	"regexp"
	"time"
)

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidTenantID reports whether id can scope bus subjects and cache keys:
// 1-64 letters, digits, '-' or '_'.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// Config holds the complete FieldPay configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backing services are used
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Fraud analysis settings
	Fraud FraudConfig `json:"fraud"`

	// Worker settings
	Worker WorkerConfig `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// FraudConfig tunes the risk aggregator.
type FraudConfig struct {
	// Timezone is the IANA zone used for local-hour and start-of-day rules.
	Timezone string `json:"timezone"`

	// RuleConcurrency bounds concurrent rule evaluations per payment.
	RuleConcurrency int `json:"ruleConcurrency"`

	// BulkConcurrency bounds concurrent payments in bulk analysis.
	BulkConcurrency int `json:"bulkConcurrency"`

	// AnalyticsTTL is how long dashboard analytics are cached.
	AnalyticsTTL time.Duration `json:"analyticsTtl"`

	// BatchLockTTL bounds how long a batch reconciliation run lock is held.
	BatchLockTTL time.Duration `json:"batchLockTtl"`

	// BootstrapTenants are seeded with the default rules at startup.
	BootstrapTenants []string `json:"bootstrapTenants"`
}

// WorkerConfig controls the async payment event consumer.
type WorkerConfig struct {
	Enabled   bool     `json:"enabled"`
	TenantIDs []string `json:"tenantIds"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings. Spans are exported only when
// Enabled; trace context is propagated either way.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`
	ServiceName string  `json:"serviceName"`
	SampleRatio float64 `json:"sampleRatio"` // 0 or >1 samples everything
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + in-process cache + channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + Redis + NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./fieldpay.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Fraud: FraudConfig{
			Timezone:        "Africa/Lagos",
			RuleConcurrency: 6,
			BulkConcurrency: 8,
			AnalyticsTTL:    30 * time.Second,
			BatchLockTTL:    10 * time.Minute,
		},
		Worker: WorkerConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "fieldpay",
			SampleRatio: 1,
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "fieldpay",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "fieldpay-workers",
	}
	cfg.Tracing.Enabled = true
	cfg.Tracing.SampleRatio = 0.2
	return cfg
}
