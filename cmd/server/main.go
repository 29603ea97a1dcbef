// Command server runs the home-security intelligence backend.
//
// # Usage
//
//	server --config /etc/nightwatch/config.yaml
//	server --database postgres://localhost/nightwatch --port 8080
//
// # Configuration
//
// The server can be configured via:
// - Command-line flags
// - Environment variables (NIGHTWATCH_*)
// - A YAML config file
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nightwatch-sec/nightwatch/db/migrate"
	"github.com/nightwatch-sec/nightwatch/internal/api"
	"github.com/nightwatch-sec/nightwatch/internal/buffer"
	"github.com/nightwatch-sec/nightwatch/internal/cache"
	"github.com/nightwatch-sec/nightwatch/internal/config"
	"github.com/nightwatch-sec/nightwatch/internal/engine"
	"github.com/nightwatch-sec/nightwatch/internal/notify"
	"github.com/nightwatch-sec/nightwatch/internal/pipeline"
	"github.com/nightwatch-sec/nightwatch/internal/secrets"
	"github.com/nightwatch-sec/nightwatch/internal/service"
	"github.com/nightwatch-sec/nightwatch/internal/store"
	"github.com/nightwatch-sec/nightwatch/internal/telemetry"
	"github.com/nightwatch-sec/nightwatch/internal/worker"
	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		port       = flag.Int("port", 0, "HTTP server port (overrides config)")
		dbURL      = flag.String("database", "", "Database URL (postgres://...)")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("nightwatch-server v0.1.0")
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil && *dbURL != "" {
		// A database flag can stand in for a missing config file.
		cfg = config.DefaultConfig()
		cfg.DatabaseURL = *dbURL
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}
	if *dbURL != "" {
		cfg.DatabaseURL = *dbURL
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *debug {
		cfg.Debug = true
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Resolve secrets from the configured backend; resolved values
	// override plaintext config.
	secretStore, err := secrets.NewStore(secrets.ConfigFromEnv(), logger)
	if err != nil {
		logger.Error("failed to initialize secret store", "error", err)
		os.Exit(1)
	}
	defer secretStore.Close()

	secretsCtx, secretsCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if v, err := secretStore.Get(secretsCtx, secrets.SecretSMTPPassword); err == nil && v != "" {
		cfg.Notifications.SMTPPassword = v
	}
	if v, err := secretStore.Get(secretsCtx, secrets.SecretAPIKeyHash); err == nil && v != "" {
		cfg.API.KeyHash = v
	}
	secretsCancel()

	// Connect to database with the configured pool shape
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("invalid database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns())
	poolConfig.MinConns = int32(cfg.Database.PoolSize / 2)
	poolConfig.MaxConnLifetime = cfg.Database.PoolRecycle
	poolConfig.HealthCheckPeriod = 30 * time.Second
	poolConfig.ConnConfig.ConnectTimeout = cfg.Database.PoolTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	db := store.NewStore(pool)
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		logger.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Run database migrations before starting services
	migCtx, migCancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer migCancel()
	if err := migrate.New(pool, logger).Run(migCtx); err != nil {
		logger.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// Build the alert pipeline: engine -> gate/store -> orchestrator
	clock := types.SystemClock{}
	ruleEngine := engine.New(clock, logger)
	notifier := notify.NewOrchestrator(cfg.Notifications, logger)
	coordinator := pipeline.New(db, ruleEngine, notifier, clock, pipeline.Config{
		ReaperGraceInterval: config.ReaperGraceInterval,
		ReaperMaxAttempts:   config.ReaperMaxAttempts,
		ReaperBatchSize:     200,
	}, logger)

	svc := service.NewService(db, ruleEngine, coordinator, logger)

	// Redis buffer for detection ingest (optional)
	var detectionBuffer *buffer.DetectionBuffer
	var bufferFlusher *buffer.Flusher
	if cfg.RedisURL != "" {
		detectionBuffer, err = buffer.NewDetectionBuffer(cfg.RedisURL, logger)
		if err != nil {
			logger.Warn("detection buffer disabled - connection failed", "error", err)
		} else {
			svc.SetDetectionBuffer(detectionBuffer)
			bufferFlusher = buffer.NewFlusher(detectionBuffer, db, logger)
			bufferFlusher.Start()
			logger.Info("detection buffer enabled")
		}
	} else {
		logger.Info("detection buffer disabled - redis_url not set")
	}

	// Response cache (optional, shares the Redis instance)
	var responseCache *cache.Cache
	if cfg.RedisURL != "" {
		responseCache, err = cache.New(cfg.RedisURL, logger)
		if err != nil {
			logger.Warn("response cache disabled - connection failed", "error", err)
		} else {
			logger.Info("response cache enabled")
		}
	}

	// Telemetry collector for the system probing surface
	collector := telemetry.NewCollector(config.CacheTTLTelemetry)

	// API server
	apiServer := api.NewServer(svc, collector, responseCache, api.AuthConfig{
		Enabled: cfg.API.KeyEnabled,
		KeyHash: cfg.API.KeyHash,
	}, logger)

	// Delivery reaper redrives undelivered alerts
	reaper := worker.NewReaperWorker(coordinator, worker.ReaperWorkerConfig{
		Interval: config.ReaperInterval,
	}, logger)
	reaper.Start(context.Background())
	defer reaper.Stop()
	logger.Info("reaper worker started")

	// HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      apiServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	// Stop buffer flusher first (flushes remaining detections)
	if bufferFlusher != nil {
		bufferFlusher.Stop()
	}
	if detectionBuffer != nil {
		detectionBuffer.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
