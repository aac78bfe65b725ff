// Kestrel - Resilient invoice validation and orchestration.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/enrich"
	"github.com/opensource-finance/kestrel/internal/notify"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/resilience"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	applyEnvOverrides(cfg)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"enrichment", cfg.Enrichment.BaseURL,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize resilience registry
	registry := resilience.NewRegistry(cfg.Resilience)
	slog.Info("resilience registry initialized")

	// Initialize guard engine and rule store
	guard, err := rules.NewGuardEngine()
	if err != nil {
		slog.Error("failed to initialize guard engine", "error", err)
		os.Exit(1)
	}
	store := rules.NewStore(repo, cacheImpl, guard, cfg.Pipeline.RuleCacheTTL)
	validator := rules.NewValidator(store, guard)
	slog.Info("rule store initialized", "cache_ttl", cfg.Pipeline.RuleCacheTTL)

	// Initialize enrichment client
	enricher := enrich.New(cfg.Enrichment)
	slog.Info("enrichment client initialized", "url", cfg.Enrichment.BaseURL)

	// Initialize notification router and pipeline engine
	notifier := notify.NewRouter(busImpl, registry)
	pipeline := engine.New(validator, enricher, repo, notifier, registry, cfg.Pipeline)
	slog.Info("pipeline engine initialized", "workers", cfg.Pipeline.Workers)

	// Initialize async ingestion worker
	ingestWorker := worker.NewWorker(busImpl, pipeline)
	if err := ingestWorker.Start(); err != nil {
		slog.Error("failed to start ingestion worker", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, store, pipeline, registry, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop ingestion worker first so no batch starts mid-shutdown
	ingestWorker.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// applyEnvOverrides layers environment settings over the tier defaults.
func applyEnvOverrides(cfg *domain.Config) {
	if v := os.Getenv("KESTREL_ENRICHMENT_URL"); v != "" {
		cfg.Enrichment.BaseURL = v
	}
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔════════════════════════════════════════════╗")
	fmt.Println("  ║               KESTREL                      ║")
	fmt.Println("  ║    Invoice Validation Pipeline             ║")
	fmt.Println("  ║    Every invoice lands somewhere.          ║")
	fmt.Println("  ╚════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /invoices                        - Submit an invoice batch")
	fmt.Println("    GET  /invoices/{id}                   - Get processed invoice by ID")
	fmt.Println("    GET  /batches/{id}                    - List invoices in a batch")
	fmt.Println("    GET  /rules                           - List all pricing rules")
	fmt.Println("    POST /rules                           - Create a pricing rule")
	fmt.Println("    GET  /rules/{vendorCode}/{service}    - Get a pricing rule")
	fmt.Println("    PUT  /rules/{vendorCode}/{service}    - Update a pricing rule")
	fmt.Println("    DELETE /rules/{vendorCode}/{service}  - Delete a pricing rule")
	fmt.Println("    GET  /circuits                        - Circuit breaker states")
	fmt.Println("    GET  /health                          - Health check")
	fmt.Println()
}
