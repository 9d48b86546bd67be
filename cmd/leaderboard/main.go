// Package main regenerates leaderboards once and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heartbeat-ingest/internal/config"
	"github.com/heartbeat-ingest/internal/leaderboard"
	"github.com/heartbeat-ingest/internal/logging"
	"github.com/heartbeat-ingest/internal/storage"
	"github.com/heartbeat-ingest/internal/types"
)

func main() {
	var (
		periodFlag = flag.String("period", "", "Regenerate a single period: daily, weekly, all_time (default: all)")
		cleanup    = flag.Bool("cleanup", true, "Delete expired daily and weekly rankings after regenerating")
	)
	flag.Parse()

	fmt.Println("Heartbeat Ingest Leaderboard Refresh")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	periods := types.AllPeriods
	if *periodFlag != "" {
		period, err := types.ParsePeriodType(*periodFlag)
		if err != nil {
			log.Fatalf("Invalid period: %v", err)
		}
		periods = []types.PeriodType{period}
	}

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	aggregator := leaderboard.NewAggregator(
		storage.NewLeaderboardRepository(postgres, cfg.Leaderboard.IdleTimeout),
		leaderboard.AggregatorConfig{
			DailyRetention:  cfg.Leaderboard.DailyRetention,
			WeeklyRetention: cfg.Leaderboard.WeeklyRetention,
		},
		logger,
	)
	handler := leaderboard.NewHandler(aggregator)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	failed := false
	for _, period := range periods {
		if err := handler.Run(ctx, leaderboard.RegenerateTask(period)); err != nil {
			logger.WithError(err).WithField("period", period).Error("Leaderboard regeneration failed")
			failed = true
		}
	}

	if *cleanup {
		if err := handler.Run(ctx, leaderboard.CleanupTask()); err != nil {
			logger.WithError(err).Error("Leaderboard cleanup failed")
			failed = true
		}
	}

	logger.WithField("duration", time.Since(start).String()).Info("Leaderboard refresh finished")
	if failed {
		postgres.Close()
		os.Exit(1)
	}
}
