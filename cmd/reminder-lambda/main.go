package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
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
	ctx := context.Background()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)

	pool, err := bootstrap.ConnectPostgres(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		panic(err)
	}
	if pool == nil {
		panic("DATABASE_URL is required")
	}

	awsCfg, err := mainconfig.LoadAWSConfigIfNeeded(ctx, cfg)
	if err != nil {
		panic(err)
	}
	notifier, err := bootstrap.BuildNotifier(cfg, awsCfg, logger)
	if err != nil {
		panic(err)
	}

	app, err := bootstrap.BuildApp(cfg, bootstrap.PostgresStores(pool), bootstrap.Deps{
		Redis:    bootstrap.BuildRedisClient(ctx, cfg, logger, true),
		Notifier: notifier,
		Registry: prometheus.NewRegistry(),
	}, logger)
	if err != nil {
		panic(err)
	}

	lambda.Start(handler(app.Scheduler, logger))
}

// handler runs one scan per EventBridge schedule tick.
func handler(s scanner, logger *logging.Logger) func(context.Context, events.CloudWatchEvent) (reminders.Counts, error) {
	return func(ctx context.Context, evt events.CloudWatchEvent) (reminders.Counts, error) {
		counts, err := s.Scan(ctx)
		if err != nil {
			logger.Error("reminder scan failed", "error", err, "event_id", evt.ID)
			return reminders.Counts{}, fmt.Errorf("reminder scan: %w", err)
		}
		logger.Info("reminder scan complete",
			"event_id", evt.ID,
			"reminders", counts.Reminders,
			"thank_yous", counts.ThankYous,
			"follow_ups", counts.FollowUps,
			"skipped", counts.Skipped,
		)
		return counts, nil
	}
}
