package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/carebook/cmd/mainconfig"
	"github.com/wolfman30/carebook/internal/app/bootstrap"
	appconfig "github.com/wolfman30/carebook/internal/config"
	"github.com/wolfman30/carebook/pkg/logging"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting carebook API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx := context.Background()

	pool, err := bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	stores := setupStores(pool, logger)
	adminDB := bootstrap.SQLDB(pool)

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)

	awsCfg, err := mainconfig.LoadAWSConfigIfNeeded(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	notifier, err := bootstrap.BuildNotifier(cfg, awsCfg, logger)
	if err != nil {
		logger.Error("failed to configure notifications", "error", err)
		os.Exit(1)
	}

	metricsHandler, registry := setupMetrics()

	deps := bootstrap.Deps{
		Redis:    redisClient,
		Notifier: notifier,
		Registry: registry,
	}
	if awsCfg != nil && cfg.InvoiceBucket != "" {
		deps.S3 = s3.NewFromConfig(*awsCfg, func(o *s3.Options) { o.UsePathStyle = cfg.AWSEndpointOverride != "" })
	}

	app, err := bootstrap.BuildApp(cfg, stores, deps, logger)
	if err != nil {
		logger.Error("failed to build application", "error", err)
		os.Exit(1)
	}

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      app.Handler(adminDB, metricsHandler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	closeResources(adminDB, pool, logger)
	if redisClient != nil {
		_ = redisClient.Close()
	}

	logger.Info("server stopped")
	fmt.Println("Server exited gracefully")
}

func setupStores(pool *pgxpool.Pool, logger *logging.Logger) bootstrap.Stores {
	if pool == nil {
		logger.Warn("DATABASE_URL not set; using in-memory stores")
		return bootstrap.MemoryStores()
	}
	return bootstrap.PostgresStores(pool)
}

func setupMetrics() (http.Handler, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}), registry
}

func closeResources(db *sql.DB, pool *pgxpool.Pool, logger *logging.Logger) {
	if db != nil {
		if err := db.Close(); err != nil {
			logger.Warn("close sql handle", "error", err)
		}
	}
	if pool != nil {
		pool.Close()
	}
}
