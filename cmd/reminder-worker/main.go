package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/carebook/cmd/mainconfig"
	"github.com/wolfman30/carebook/internal/app/bootstrap"
	appconfig "github.com/wolfman30/carebook/internal/config"
	"github.com/wolfman30/carebook/internal/reminders"
	"github.com/wolfman30/carebook/pkg/logging"
)

type scanner interface {
	Scan(ctx context.Context) (reminders.Counts, error)
}

func main() {
	_ = godotenv.Load()

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting carebook reminder worker",
		"env", cfg.Env,
		"interval", cfg.ReminderScanInterval.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	if pool == nil {
		logger.Error("DATABASE_URL is required for the reminder worker")
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient == nil {
		logger.Warn("redis unavailable; scans are not leased across workers")
	}

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

	app, err := bootstrap.BuildApp(cfg, bootstrap.PostgresStores(pool), bootstrap.Deps{
		Redis:    redisClient,
		Notifier: notifier,
		Registry: prometheus.NewRegistry(),
	}, logger)
	if err != nil {
		logger.Error("failed to build application", "error", err)
		os.Exit(1)
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		logger.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}
	if _, err := scheduleScans(ctx, sched, app.Scheduler, cfg.ReminderScanInterval, logger); err != nil {
		logger.Error("failed to schedule reminder scans", "error", err)
		os.Exit(1)
	}
	sched.Start()

	<-ctx.Done()
	logger.Info("shutting down reminder worker...")
	if err := sched.Shutdown(); err != nil {
		logger.Error("scheduler shutdown", "error", err)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	logger.Info("reminder worker stopped")
}

// scheduleScans registers a scan every interval, starting immediately.
// A scan that overruns its slot delays the next one instead of overlapping.
func scheduleScans(ctx context.Context, sched gocron.Scheduler, s scanner, interval time.Duration, logger *logging.Logger) (gocron.Job, error) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { runScan(ctx, s, logger) }),
		gocron.WithName("reminder-scan"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
}

func runScan(ctx context.Context, s scanner, logger *logging.Logger) {
	started := time.Now()
	counts, err := s.Scan(ctx)
	if err != nil {
		logger.Error("reminder scan failed", "error", err)
		return
	}
	if counts.Skipped {
		logger.Debug("reminder scan skipped; lease held elsewhere")
		return
	}
	logger.Info("reminder scan complete",
		"reminders", counts.Reminders,
		"thank_yous", counts.ThankYous,
		"follow_ups", counts.FollowUps,
		"duration_ms", time.Since(started).Milliseconds(),
	)
}
