package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/newswire/adserve/internal/config"
	"github.com/newswire/adserve/internal/database"
	"github.com/newswire/adserve/internal/httpserver"
	"github.com/newswire/adserve/internal/metrics"
	"github.com/newswire/adserve/internal/middleware"
	"github.com/newswire/adserve/internal/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg)
	defer logger.Sync()

	logger.Info("starting adserve",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
	)

	ctx := context.Background()

	// Try to connect to PostgreSQL; fall back to in-memory collections.
	db, err := database.NewPostgresDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Warn("PostgreSQL not available, using in-memory storage", zap.Error(err))
		db = nil
	} else {
		defer db.Close()
	}

	// Try to connect to Redis; fall back to in-memory frequency caps.
	rdb, err := database.NewRedisDB(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Warn("Redis not available, frequency caps held in memory", zap.Error(err))
		rdb = nil
	} else {
		defer rdb.Close()
	}

	// Optional ClickHouse event store.
	var events *storage.ClickHouseEventStore
	if cfg.ClickHouse.Enabled {
		events, err = storage.NewClickHouseEventStore(ctx, cfg.ClickHouse)
		if err != nil {
			logger.Warn("ClickHouse not available, event analytics disabled", zap.Error(err))
			events = nil
		} else {
			defer events.Close()
			logger.Info("connected to ClickHouse", zap.String("addr", cfg.ClickHouse.Addr))
		}
	}

	m := metrics.NewMetrics("adserve")

	deps := &httpserver.Dependencies{
		DB:      db,
		Redis:   rdb,
		Events:  events,
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
	}

	handler := buildHandler(httpserver.NewServer(deps), cfg, logger, m)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// buildHandler wraps the route mux with the middleware chain: recovery
// outermost, then request logging, rate limiting and API-key auth.
func buildHandler(mux http.Handler, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) http.Handler {
	auth := middleware.NewAuthMiddleware(cfg.Auth, logger)
	rateLimit := middleware.NewRateLimitMiddleware(cfg.RateLimit, logger)
	rateLimit.SetMetrics(m)

	// The per-IP buckets accumulate one entry per client; reset hourly.
	go func() {
		for range time.Tick(time.Hour) {
			rateLimit.CleanupIPLimiters()
		}
	}()
	logging := middleware.NewLoggingMiddleware(logger)
	recovery := middleware.NewRecoveryMiddleware(logger)

	handler := auth.Handler(mux)
	handler = rateLimit.Handler(handler)
	handler = logging.Handler(handler)
	handler = recovery.Handler(handler)
	return handler
}

func setupLogger(cfg *config.Config) *zap.Logger {
	var zapCfg zap.Config

	if cfg.IsDevelopment() {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Log.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	logger, err := zapCfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}

	return logger
}
