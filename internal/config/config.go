// Package config loads the FieldPay configuration from tier presets, an
// optional config file and FIELDPAY_* environment variables.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
	_ "time/tzdata" // zone names resolve on hosts without zoneinfo

	"github.com/opensource-finance/fieldpay/internal/domain"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FIELDPAY_SERVER_PORT.
const EnvPrefix = "FIELDPAY"

// Load builds the configuration. Precedence, highest first: environment,
// config file, tier preset. path may be empty; FIELDPAY_CONFIG names a file
// when it is.
func Load(path string) (*domain.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = v.GetString("config")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	base := domain.DefaultConfig()
	if domain.Tier(strings.ToLower(v.GetString("tier"))) == domain.TierPro {
		base = domain.ProConfig()
	}
	setDefaults(v, base)

	cfg := &domain.Config{
		Tier: domain.Tier(strings.ToLower(v.GetString("tier"))),
		Server: domain.ServerConfig{
			Host:         v.GetString("server.host"),
			Port:         v.GetInt("server.port"),
			ReadTimeout:  v.GetInt("server.read_timeout"),
			WriteTimeout: v.GetInt("server.write_timeout"),
		},
		Repository: domain.RepositoryConfig{
			Driver:           v.GetString("repository.driver"),
			SQLitePath:       v.GetString("repository.sqlite_path"),
			PostgresHost:     v.GetString("repository.postgres_host"),
			PostgresPort:     v.GetInt("repository.postgres_port"),
			PostgresUser:     v.GetString("repository.postgres_user"),
			PostgresPassword: v.GetString("repository.postgres_password"),
			PostgresDB:       v.GetString("repository.postgres_db"),
			PostgresSSLMode:  v.GetString("repository.postgres_sslmode"),
			MaxOpenConns:     v.GetInt("repository.max_open_conns"),
			MaxIdleConns:     v.GetInt("repository.max_idle_conns"),
			ConnMaxLifetime:  v.GetDuration("repository.conn_max_lifetime"),
		},
		Cache: domain.CacheConfig{
			Type:           v.GetString("cache.type"),
			LocalMaxSize:   v.GetInt("cache.local_max_size"),
			LocalTTL:       v.GetDuration("cache.local_ttl"),
			RedisAddr:      v.GetString("cache.redis_addr"),
			RedisPassword:  v.GetString("cache.redis_password"),
			RedisDB:        v.GetInt("cache.redis_db"),
			EnableTwoPhase: v.GetBool("cache.two_phase"),
		},
		EventBus: domain.EventBusConfig{
			Type:              v.GetString("bus.type"),
			ChannelBufferSize: v.GetInt("bus.buffer_size"),
			NATSUrl:           v.GetString("bus.nats_url"),
			NATSToken:         v.GetString("bus.nats_token"),
			NATSMaxReconnects: v.GetInt("bus.nats_max_reconnects"),
			NATSReconnectWait: v.GetInt("bus.nats_reconnect_wait"),
			NATSQueueGroup:    v.GetString("bus.nats_queue_group"),
		},
		Fraud: domain.FraudConfig{
			Timezone:         v.GetString("fraud.timezone"),
			RuleConcurrency:  v.GetInt("fraud.rule_concurrency"),
			BulkConcurrency:  v.GetInt("fraud.bulk_concurrency"),
			AnalyticsTTL:     v.GetDuration("fraud.analytics_ttl"),
			BatchLockTTL:     v.GetDuration("fraud.batch_lock_ttl"),
			BootstrapTenants: stringList(v, "fraud.bootstrap_tenants"),
		},
		Worker: domain.WorkerConfig{
			Enabled:   v.GetBool("worker.enabled"),
			TenantIDs: stringList(v, "worker.tenants"),
		},
		Logging: domain.LoggingConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
		Tracing: domain.TracingConfig{
			Enabled:     v.GetBool("tracing.enabled"),
			ServiceName: v.GetString("tracing.service_name"),
			SampleRatio: v.GetFloat64("tracing.sample_ratio"),
		},
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, c *domain.Config) {
	v.SetDefault("tier", string(c.Tier))

	v.SetDefault("server.host", c.Server.Host)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.read_timeout", c.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", c.Server.WriteTimeout)

	v.SetDefault("repository.driver", c.Repository.Driver)
	v.SetDefault("repository.sqlite_path", c.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", c.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", c.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", c.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", c.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", c.Repository.PostgresDB)
	v.SetDefault("repository.postgres_sslmode", c.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", c.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", c.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", c.Repository.ConnMaxLifetime)

	v.SetDefault("cache.type", c.Cache.Type)
	v.SetDefault("cache.local_max_size", c.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", c.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", c.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", c.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", c.Cache.RedisDB)
	v.SetDefault("cache.two_phase", c.Cache.EnableTwoPhase)

	v.SetDefault("bus.type", c.EventBus.Type)
	v.SetDefault("bus.buffer_size", c.EventBus.ChannelBufferSize)
	v.SetDefault("bus.nats_url", c.EventBus.NATSUrl)
	v.SetDefault("bus.nats_token", c.EventBus.NATSToken)
	v.SetDefault("bus.nats_max_reconnects", c.EventBus.NATSMaxReconnects)
	v.SetDefault("bus.nats_reconnect_wait", c.EventBus.NATSReconnectWait)
	v.SetDefault("bus.nats_queue_group", c.EventBus.NATSQueueGroup)

	v.SetDefault("fraud.timezone", c.Fraud.Timezone)
	v.SetDefault("fraud.rule_concurrency", c.Fraud.RuleConcurrency)
	v.SetDefault("fraud.bulk_concurrency", c.Fraud.BulkConcurrency)
	v.SetDefault("fraud.analytics_ttl", c.Fraud.AnalyticsTTL)
	v.SetDefault("fraud.batch_lock_ttl", c.Fraud.BatchLockTTL)
	v.SetDefault("fraud.bootstrap_tenants", c.Fraud.BootstrapTenants)

	v.SetDefault("worker.enabled", c.Worker.Enabled)
	v.SetDefault("worker.tenants", c.Worker.TenantIDs)

	v.SetDefault("log.level", c.Logging.Level)
	v.SetDefault("log.format", c.Logging.Format)

	v.SetDefault("tracing.enabled", c.Tracing.Enabled)
	v.SetDefault("tracing.service_name", c.Tracing.ServiceName)
	v.SetDefault("tracing.sample_ratio", c.Tracing.SampleRatio)
}

// stringList reads a list that may come from a file as a sequence or from the
// environment as a comma-separated string.
func stringList(v *viper.Viper, key string) []string {
	var raw []string
	if s, ok := v.Get(key).(string); ok {
		raw = strings.Split(s, ",")
	} else {
		raw = v.GetStringSlice(key)
	}

	var out []string
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate rejects configurations the service cannot start with.
func Validate(cfg *domain.Config) error {
	switch cfg.Tier {
	case domain.TierCommunity, domain.TierPro:
	default:
		return fmt.Errorf("unknown tier %q", cfg.Tier)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", cfg.Server.Port)
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported repository driver %q", cfg.Repository.Driver)
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache type %q", cfg.Cache.Type)
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("unsupported event bus type %q", cfg.EventBus.Type)
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.Logging.Level)
	}
	if _, err := time.LoadLocation(cfg.Fraud.Timezone); err != nil {
		return fmt.Errorf("invalid fraud timezone %q: %w", cfg.Fraud.Timezone, err)
	}
	if cfg.Fraud.RuleConcurrency < 1 || cfg.Fraud.BulkConcurrency < 1 {
		return fmt.Errorf("fraud concurrency must be at least 1")
	}
	for _, id := range slices.Concat(cfg.Worker.TenantIDs, cfg.Fraud.BootstrapTenants) {
		if !domain.ValidTenantID(id) {
			return fmt.Errorf("invalid tenant id %q", id)
		}
	}
	return nil
}
