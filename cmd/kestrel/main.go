// Kestrel - Fraud signal fusion and campaign correlation engine.
// Copyright (c) 2026 fraudwatch.io
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fraudwatch/kestrel/internal/api"
	"github.com/fraudwatch/kestrel/internal/bus"
	"github.com/fraudwatch/kestrel/internal/cache"
	"github.com/fraudwatch/kestrel/internal/campaign"
	"github.com/fraudwatch/kestrel/internal/detector"
	"github.com/fraudwatch/kestrel/internal/domain"
	"github.com/fraudwatch/kestrel/internal/explain"
	"github.com/fraudwatch/kestrel/internal/fusion"
	"github.com/fraudwatch/kestrel/internal/pipeline"
	"github.com/fraudwatch/kestrel/internal/policy"
	"github.com/fraudwatch/kestrel/internal/repository"
	"github.com/fraudwatch/kestrel/internal/velocity"
	"github.com/fraudwatch/kestrel/internal/worker"
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

	// Misconfigured weights or bands are a startup failure, never a
	// silently wrong verdict.
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"correlation_window", cfg.Correlation.Window,
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

	// Initialize Fusion Engine
	fuser, err := fusion.NewEngine(cfg.Fusion)
	if err != nil {
		slog.Error("failed to initialize fusion engine", "error", err)
		os.Exit(1)
	}
	slog.Info("fusion engine initialized", "modules", len(cfg.Fusion.Weights))

	// Initialize Campaign Correlator and restore persisted graph state
	correlator := campaign.NewCorrelator(cfg.Correlation)
	if err := restoreGraphs(ctx, repo, correlator); err != nil {
		slog.Error("failed to restore campaign graphs", "error", err)
		os.Exit(1)
	}

	// Initialize Detector Registry from environment
	registry := detector.NewRegistry()
	registerHTTPDetectors(registry)
	slog.Info("detector registry initialized", "count", registry.Count())

	// Initialize Explainer
	explainer := explain.New(cfg.Fusion.Actions)

	// Initialize Velocity Service and Alert Policy Engine
	velocitySvc := velocity.NewService(repo, cacheImpl)

	policies, err := policy.NewEngine(velocitySvc.Getter(), 100)
	if err != nil {
		slog.Error("failed to initialize policy engine", "error", err)
		os.Exit(1)
	}
	if err := loadPoliciesFromDatabase(ctx, repo, policies); err != nil {
		slog.Error("failed to load alert policies", "error", err)
		os.Exit(1)
	}
	slog.Info("policy engine initialized", "policies_count", policies.PoliciesCount())

	// Initialize the detection pipeline
	pipe := pipeline.New(cfg, registry, fuser, correlator, explainer, policies, repo, cacheImpl, busImpl, Version)

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, pipe)

		tenantIDs := []string{}
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			for _, t := range strings.Split(envTenants, ",") {
				if t = strings.TrimSpace(t); t != "" {
					tenantIDs = append(tenantIDs, t)
				}
			}
		}

		if err := asyncWorker.Start(worker.Config{TenantIDs: tenantIDs}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, pipe, correlator, policies, Version)

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

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// registerHTTPDetectors wires remote detector services declared in the
// KESTREL_DETECTORS environment variable, formatted as
// "module=http://host:port/detect;module2=...". Absent entries leave
// the engine relying on caller-provided detector results.
func registerHTTPDetectors(registry *detector.Registry) {
	raw := os.Getenv("KESTREL_DETECTORS")
	if raw == "" {
		return
	}

	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			slog.Warn("malformed detector entry, skipping", "entry", entry)
			continue
		}
		module, endpoint := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if err := registry.Register(detector.NewHTTPDetector(module, endpoint)); err != nil {
			slog.Warn("failed to register detector", "module", module, "error", err)
			continue
		}
		slog.Info("detector registered", "module", module, "endpoint", endpoint)
	}
}

// restoreGraphs rebuilds the in-memory campaign graphs from the
// repository for every tenant with persisted graph state.
func restoreGraphs(ctx context.Context, repo domain.Repository, correlator *campaign.Correlator) error {
	tenants, err := repo.ListTenants(ctx)
	if err != nil {
		slog.Warn("failed to list tenants for graph restore", "error", err)
		return nil // Start with empty graphs
	}

	for _, tenantID := range tenants {
		nodes, err := repo.ListCampaignNodes(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("list nodes for tenant %s: %w", tenantID, err)
		}
		edges, err := repo.ListCampaignEdges(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("list edges for tenant %s: %w", tenantID, err)
		}
		refs, err := repo.ListSignalRefs(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("list signal refs for tenant %s: %w", tenantID, err)
		}

		correlator.Graph(tenantID).Restore(nodes, edges, refs)
		slog.Info("campaign graph restored",
			"tenant_id", tenantID,
			"nodes", len(nodes),
			"edges", len(edges),
			"signals", len(refs),
		)
	}

	return nil
}

// loadPoliciesFromDatabase loads each tenant's alert policies into the
// engine. Tenants without stored policies start from the builtin set.
func loadPoliciesFromDatabase(ctx context.Context, repo domain.Repository, engine *policy.Engine) error {
	tenants, err := repo.ListTenants(ctx)
	if err != nil {
		slog.Warn("failed to list tenants for policy load", "error", err)
		tenants = nil
	}

	var loaded int
	for _, tenantID := range tenants {
		dbPolicies, err := repo.ListAlertPolicies(ctx, tenantID)
		if err != nil {
			slog.Warn("failed to list policies", "tenant_id", tenantID, "error", err)
			continue
		}
		if err := engine.LoadPolicies(dbPolicies); err != nil {
			return err
		}
		loaded += len(dbPolicies)
	}

	if loaded == 0 {
		slog.Info("no stored policies - loading builtin alert policies")
		return engine.LoadPolicies(policy.BuiltinPolicies())
	}

	slog.Info("alert policies loaded from database", "count", loaded)
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔════════════════════════════════════════════╗")
	fmt.Println("  ║                🦅 KESTREL                   ║")
	fmt.Println("  ║   Signal Fusion & Campaign Correlation      ║")
	fmt.Println("  ║      One verdict from every channel.        ║")
	fmt.Println("  ╚════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /detect             - Score a signal")
	fmt.Println("    POST /signals            - Enqueue a signal (async)")
	fmt.Println("    GET  /detections/{id}    - Get detection by ID")
	fmt.Println("    GET  /signals/{id}       - Get signal by ID")
	fmt.Println("    GET  /campaigns          - List live campaigns")
	fmt.Println("    GET  /campaigns/{id}     - Get campaign detail")
	fmt.Println("    POST /campaigns/reset    - Clear campaign graph")
	fmt.Println("    GET  /policies           - List alert policies")
	fmt.Println("    POST /policies           - Create an alert policy")
	fmt.Println("    POST /policies/reload    - Hot-reload policies")
	fmt.Println("    GET  /health             - Health check")
	fmt.Println()
}
