// FieldPay - Fraud detection and reconciliation for field agent payments.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/fieldpay/internal/api"
	"github.com/opensource-finance/fieldpay/internal/bus"
	"github.com/opensource-finance/fieldpay/internal/cache"
	"github.com/opensource-finance/fieldpay/internal/config"
	"github.com/opensource-finance/fieldpay/internal/domain"
	"github.com/opensource-finance/fieldpay/internal/fraud"
	"github.com/opensource-finance/fieldpay/internal/history"
	"github.com/opensource-finance/fieldpay/internal/metrics"
	"github.com/opensource-finance/fieldpay/internal/reconciliation"
	"github.com/opensource-finance/fieldpay/internal/repository"
	"github.com/opensource-finance/fieldpay/internal/rules"
	"github.com/opensource-finance/fieldpay/internal/telemetry"
	"github.com/opensource-finance/fieldpay/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting fieldpay",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"timezone", cfg.Fraud.Timezone,
		"tracing", cfg.Tracing.Enabled,
	)

	if err := run(cfg); err != nil {
		slog.Error("fieldpay stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("fieldpay shutdown complete")
}

func run(cfg *domain.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Spans go to stderr so they never interleave with the JSON log stream.
	shutdownTracing, err := telemetry.Setup(cfg.Tracing, os.Stderr)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("failed to flush spans", "error", err)
		}
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	m := metrics.New()
	loc := rules.LoadLocation(cfg.Fraud.Timezone)

	conditions, err := rules.NewConditions(loc)
	if err != nil {
		return fmt.Errorf("initialize rule conditions: %w", err)
	}
	registry := rules.NewStoreRegistry(repo, conditions)

	for _, tenantID := range cfg.Fraud.BootstrapTenants {
		if _, err := registry.BootstrapDefaults(ctx, tenantID); err != nil {
			return fmt.Errorf("bootstrap rules for %s: %w", tenantID, err)
		}
	}

	evaluator := rules.NewEvaluator(history.NewService(repo), loc)
	writer := fraud.NewWriter(repo, cacheImpl, busImpl, m)
	analyzer := fraud.NewAnalyzer(repo, registry, conditions, evaluator, writer, m, fraud.Config{
		RuleConcurrency: cfg.Fraud.RuleConcurrency,
		BulkConcurrency: cfg.Fraud.BulkConcurrency,
	})
	alerts := fraud.NewAlertService(repo, cacheImpl, cfg.Fraud.AnalyticsTTL)
	recon := reconciliation.NewService(repo, repo, cacheImpl, busImpl, m, cfg.Fraud.BatchLockTTL)
	slog.Info("fraud analyzer initialized",
		"rule_concurrency", cfg.Fraud.RuleConcurrency,
		"bulk_concurrency", cfg.Fraud.BulkConcurrency,
		"bootstrapped_tenants", len(cfg.Fraud.BootstrapTenants),
	)

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, repo, analyzer, m)
		if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.Worker.TenantIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		}
	}

	srv := api.NewServer(cfg.Server, api.Services{
		Repo:           repo,
		Cache:          cacheImpl,
		Bus:            busImpl,
		Rules:          registry,
		Analyzer:       analyzer,
		Alerts:         alerts,
		Reconciliation: recon,
	}, m, Version)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	slog.Info("fieldpay is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
	case runErr = <-serverErr:
		slog.Error("server failed", "error", runErr)
	}

	slog.Info("shutting down...")

	// Stop consuming events before the store and bus close.
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	return runErr
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  FieldPay - payment fraud detection and reconciliation")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Timezone: %s\n", cfg.Fraud.Timezone)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST  /payments                      - Record a payment")
	fmt.Println("    POST  /payments/{id}/analyze         - Run fraud analysis")
	fmt.Println("    POST  /analyze/bulk                  - Analyze many payments")
	fmt.Println("    GET   /alerts                        - List fraud alerts")
	fmt.Println("    PATCH /alerts/{id}                   - Review an alert")
	fmt.Println("    GET   /rules                         - List fraud rules")
	fmt.Println("    POST  /rules/bootstrap               - Seed default rules")
	fmt.Println("    POST  /reconciliations               - Record a reconciliation")
	fmt.Println("    POST  /batches/{id}/reconcile        - Reconcile a batch")
	fmt.Println("    GET   /reconciliations/report        - Reconciliation report")
	fmt.Println("    GET   /health, /ready, /metrics      - Operations")
	fmt.Println()
}
