// Kestrel - Real-time decision and ranking core for commerce.
// Copyright (c) 2025 opensource.retail
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
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/opensource-retail/kestrel/internal/api"
	"github.com/opensource-retail/kestrel/internal/bus"
	"github.com/opensource-retail/kestrel/internal/configcache"
	"github.com/opensource-retail/kestrel/internal/domain"
	"github.com/opensource-retail/kestrel/internal/features"
	"github.com/opensource-retail/kestrel/internal/metrics"
	"github.com/opensource-retail/kestrel/internal/model"
	"github.com/opensource-retail/kestrel/internal/recommend"
	"github.com/opensource-retail/kestrel/internal/repository"
	"github.com/opensource-retail/kestrel/internal/resultcache"
	"github.com/opensource-retail/kestrel/internal/risk"
	"github.com/opensource-retail/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

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
	if os.Getenv("KESTREL_MODE") == "distributed" {
		cfg = domain.DistributedConfig()
		slog.Info("running in distributed mode")
	}
	applyEnv(cfg)

	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"redis_enabled", cfg.Redis.Enabled,
		"eventbus", cfg.EventBus.Type,
	)

	metrics.Init()

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

	// Initialize event store
	store, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize event store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("event store initialized", "driver", cfg.Repository.Driver)

	// Initialize Redis (shared by result cache and trending features)
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable at startup, continuing degraded", "error", err)
		} else {
			slog.Info("redis connected", "addr", cfg.Redis.Addr)
		}
	}

	// Initialize result cache tiers
	var distributed *resultcache.RedisTier
	if rdb != nil {
		distributed = resultcache.NewRedisTier(rdb, cfg.ResultCache.DownProbeInterval)
	}
	local := resultcache.NewLocalCache(cfg.ResultCache.LocalMaxSize)
	results := resultcache.New(distributed, local, cfg.ResultCache, logger)
	defer results.Close()

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize config cache: serves defaults until the remote config
	// service answers, then refreshes on its interval.
	configs := configcache.New(cfg.RemoteConfig)
	if cfg.RemoteConfig.BaseURL != "" {
		configs.Start()
		defer configs.Stop()
		slog.Info("remote config refresher started", "url", cfg.RemoteConfig.BaseURL)
	} else {
		slog.Info("no remote config service configured, serving defaults")
	}

	// Initialize model loader
	models := model.NewLoader(cfg.ModelRegistry)
	if cfg.ModelRegistry.BaseURL != "" {
		models.Start()
		defer models.Stop()
		slog.Info("model registry poller started",
			"url", cfg.ModelRegistry.BaseURL,
			"model", cfg.ModelRegistry.ModelName,
		)
	} else {
		slog.Info("no model registry configured, fallback scoring only")
	}

	// Feature extraction over the event store (Redis trending optional)
	extractor := features.NewExtractor(store, rdb, cfg.Risk, cfg.Recommend)

	// Risk evaluator
	evaluator, err := risk.NewEvaluator(cfg.Risk, configs, extractor)
	if err != nil {
		slog.Error("failed to initialize risk evaluator", "error", err)
		os.Exit(1)
	}
	slog.Info("risk evaluator initialized",
		"block_threshold", cfg.Risk.Thresholds.Block,
		"challenge_threshold", cfg.Risk.Thresholds.Challenge,
	)

	// Recommendation scorer
	scorer := recommend.NewScorer(store, extractor, configs, models, cfg.Recommend)
	slog.Info("recommendation scorer initialized", "top_k", cfg.Recommend.TopK)

	// Async consumer: trending counters and blocked-decision audit
	consumer := worker.NewWorker(busImpl, rdb, configs, cfg.Recommend)
	if err := consumer.Start(); err != nil {
		slog.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, store, results, busImpl, evaluator, scorer, models, configs, Version)

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

	if err := consumer.Stop(); err != nil {
		slog.Error("failed to stop worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// applyEnv overrides configuration from KESTREL_* environment variables.
func applyEnv(cfg *domain.Config) {
	if v := os.Getenv("KESTREL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KESTREL_DB_DRIVER"); v != "" {
		cfg.Repository.Driver = v
	}
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_DB"); v != "" {
		cfg.Repository.PostgresDB = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.Type = "nats"
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_CONFIG_URL"); v != "" {
		cfg.RemoteConfig.BaseURL = v
	}
	if v := os.Getenv("KESTREL_MODEL_REGISTRY_URL"); v != "" {
		cfg.ModelRegistry.BaseURL = v
	}
	if v := os.Getenv("KESTREL_MODEL_NAME"); v != "" {
		cfg.ModelRegistry.ModelName = v
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - Decision & Ranking Core")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /risk/score                - Score a checkout attempt")
	fmt.Println("    GET  /recommendations/{id}      - Ranked related products")
	fmt.Println("    POST /events                    - Record a behavioral event")
	fmt.Println("    POST /products                  - Upsert a product")
	fmt.Println("    GET  /products/{id}             - Get product by ID")
	fmt.Println("    POST /users                     - Upsert a user")
	fmt.Println("    GET  /models/status             - Active model status")
	fmt.Println("    GET  /config/status             - Config snapshot status")
	fmt.Println("    GET  /health                    - Health check")
	fmt.Println("    GET  /metrics                   - Prometheus metrics")
	fmt.Println()
}
