// Ibis - MoMo SMS reconciliation that deploys in 60 seconds.
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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/ibis/internal/allocation"
	"github.com/opensource-finance/ibis/internal/api"
	"github.com/opensource-finance/ibis/internal/bus"
	"github.com/opensource-finance/ibis/internal/cache"
	"github.com/opensource-finance/ibis/internal/confidence"
	"github.com/opensource-finance/ibis/internal/dedup"
	"github.com/opensource-finance/ibis/internal/domain"
	"github.com/opensource-finance/ibis/internal/health"
	"github.com/opensource-finance/ibis/internal/ingest"
	"github.com/opensource-finance/ibis/internal/parser"
	"github.com/opensource-finance/ibis/internal/queues"
	"github.com/opensource-finance/ibis/internal/repository"
	"github.com/opensource-finance/ibis/internal/settings"
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
	if os.Getenv("IBIS_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting ibis",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	cfg := loadConfig()

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"extractor_configured", cfg.Extractor.Endpoint != "",
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

	// Initialize Confidence Router
	router, err := confidence.NewRouter()
	if err != nil {
		slog.Error("failed to initialize confidence router", "error", err)
		os.Exit(1)
	}

	// Initialize Services
	settingsSvc := settings.NewService(repo, cacheImpl, router)
	detector := dedup.New(repo)
	allocationSvc := allocation.NewService(repo, busImpl)
	queuesSvc := queues.NewService(repo, cacheImpl, settingsSvc, router, detector)
	healthSvc := health.NewService(repo, cacheImpl, busImpl)

	// Initialize Parser; the extractor is nil without an endpoint, which
	// keeps every institution on the deterministic path.
	extractor := parser.NewHTTPExtractor(cfg.Extractor)
	var pipelineParser *parser.Parser
	if extractor != nil {
		pipelineParser = parser.New(extractor)
		slog.Info("AI extraction fallback enabled", "endpoint", cfg.Extractor.Endpoint)
	} else {
		pipelineParser = parser.New(nil)
	}

	pipeline := ingest.NewPipeline(repo, settingsSvc, pipelineParser, busImpl)

	// Subscribe to gateway deliveries for the configured institutions. The
	// HTTP ingestion endpoint works regardless.
	for _, institutionID := range gatewayInstitutions() {
		if _, err := pipeline.SubscribeGateway(ctx, institutionID); err != nil {
			slog.Error("failed to subscribe gateway consumer",
				"institution_id", institutionID,
				"error", err,
			)
			os.Exit(1)
		}
		slog.Info("gateway consumer subscribed", "institution_id", institutionID)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Dependencies{
		Repo:       repo,
		Cache:      cacheImpl,
		Pipeline:   pipeline,
		Allocation: allocationSvc,
		Settings:   settingsSvc,
		Queues:     queuesSvc,
		Health:     healthSvc,
		Version:    Version,
	})

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("ibis is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("ibis shutdown complete")
}

// loadConfig builds configuration from tier defaults plus environment
// overrides.
func loadConfig() *domain.Config {
	cfg := domain.DefaultConfig()
	if os.Getenv("IBIS_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	if v := os.Getenv("IBIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("IBIS_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("IBIS_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("IBIS_POSTGRES_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("IBIS_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("IBIS_POSTGRES_DB"); v != "" {
		cfg.Repository.PostgresDB = v
	}
	if v := os.Getenv("IBIS_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("IBIS_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("IBIS_EXTRACTOR_ENDPOINT"); v != "" {
		cfg.Extractor.Endpoint = v
	}
	if v := os.Getenv("IBIS_EXTRACTOR_API_KEY"); v != "" {
		cfg.Extractor.APIKey = v
	}

	return cfg
}

// gatewayInstitutions returns the institutions whose bus-published SMS
// deliveries this instance consumes.
func gatewayInstitutions() []string {
	raw := os.Getenv("IBIS_GATEWAY_INSTITUTIONS")
	if raw == "" {
		return nil
	}

	var out []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦩 IBIS                     ║")
	fmt.Println("  ║     MoMo Reconciliation Engine            ║")
	fmt.Println("  ║      Every payment finds its member.      ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /messages                            - Ingest an SMS")
	fmt.Println("    GET  /messages/{id}                       - Get raw message")
	fmt.Println("    POST /messages/{id}/resolve               - Resolve a parse error")
	fmt.Println("    GET  /queues/unallocated                  - Unallocated queue")
	fmt.Println("    GET  /queues/parse-errors                 - Parse-errors queue")
	fmt.Println("    GET  /queues/duplicates                   - Duplicates queue")
	fmt.Println("    GET  /transactions/{id}                   - Get transaction")
	fmt.Println("    POST /transactions/{id}/allocate          - Allocate to member/group")
	fmt.Println("    POST /transactions/{id}/reverse           - Reverse an allocation")
	fmt.Println("    POST /transactions/{id}/dismiss-duplicate - Dismiss a duplicate flag")
	fmt.Println("    GET  /settings/parsing                    - Get parsing settings")
	fmt.Println("    PUT  /settings/parsing                    - Update parsing settings")
	fmt.Println("    GET  /system/health                       - Reconciliation health")
	fmt.Println("    GET  /health                              - Liveness check")
	fmt.Println()
}
