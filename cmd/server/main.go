// Package main provides the API server entry point for the heartbeat ingest service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/heartbeat-ingest/internal/activity"
	"github.com/heartbeat-ingest/internal/api"
	"github.com/heartbeat-ingest/internal/circuitbreaker"
	"github.com/heartbeat-ingest/internal/config"
	"github.com/heartbeat-ingest/internal/importer"
	"github.com/heartbeat-ingest/internal/leaderboard"
	"github.com/heartbeat-ingest/internal/logging"
	"github.com/heartbeat-ingest/internal/queue"
	"github.com/heartbeat-ingest/internal/storage"
	"github.com/heartbeat-ingest/internal/worker"
)

func main() {
	fmt.Println("Heartbeat Ingest Server")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	// Initialize database connections
	logger.Info("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisClient(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer func() { _ = redis.Close() }()

	logger.Info("Database connections established")

	// Initialize repositories
	heartbeatRepo := storage.NewHeartbeatRepository(postgres)
	importJobRepo := storage.NewImportJobRepository(postgres)
	leaderboardRepo := storage.NewLeaderboardRepository(postgres, cfg.Leaderboard.IdleTimeout)

	workQueue := queue.NewRedisQueue(redis.Client(), cfg.Queue.KeyPrefix)

	// Import path
	activityClient := activity.NewClient(cfg.Import.Endpoint, cfg.Import.HTTPTimeout, cfg.Import.RequestsPerSecond, logger)
	activityClient.SetCircuitBreaker(&circuitbreaker.Config{
		Name:             "activity_api",
		MaxFailures:      cfg.Import.BreakerMaxFailures,
		Timeout:          cfg.Import.BreakerCooldown,
		HalfOpenMaxCalls: 1,
	})
	pipeline := importer.NewPipeline(
		importer.NewRangeFetcher(activityClient, logger),
		heartbeatRepo,
		importer.PipelineConfig{Cutoff: cfg.Import.Cutoff, BatchSize: cfg.Import.BatchSize},
		logger,
	)
	coordinator := importer.NewCoordinator(pipeline, importJobRepo, workQueue, logger)
	coordinator.PickupTimeout = cfg.Import.PickupTimeout

	// Leaderboard path
	aggregator := leaderboard.NewAggregator(leaderboardRepo, leaderboard.AggregatorConfig{
		DailyRetention:  cfg.Leaderboard.DailyRetention,
		WeeklyRetention: cfg.Leaderboard.WeeklyRetention,
	}, logger)

	importWorker, err := worker.New(worker.Config{
		Name:        "import",
		Queue:       importer.QueueName,
		Concurrency: cfg.Import.Workers,
		PollTimeout: cfg.Queue.PollTimeout,
		Dequeuer:    workQueue,
		Handler:     coordinator,
		Logger:      logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create import worker")
	}

	leaderboardWorker, err := worker.New(worker.Config{
		Name:        "leaderboard",
		Queue:       leaderboard.QueueName,
		Concurrency: cfg.Leaderboard.Workers,
		PollTimeout: cfg.Queue.PollTimeout,
		Dequeuer:    workQueue,
		Handler:     leaderboard.NewHandler(aggregator),
		Logger:      logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create leaderboard worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := importWorker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start import worker")
	}
	if err := leaderboardWorker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start leaderboard worker")
	}

	scheduler := leaderboard.NewScheduler(workQueue, nil, logger)
	scheduler.SetRunOnStartup(cfg.Leaderboard.RunOnStartup)
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		if err := scheduler.Run(ctx); err != nil {
			logger.WithError(err).Error("Leaderboard scheduler exited")
		}
	}()

	// Create server configuration
	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		RateLimitRPS:    cfg.Server.RateLimitRPS,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
	}

	server := api.NewServer(serverConfig, coordinator, importJobRepo, leaderboardRepo, map[string]api.HealthChecker{
		"postgres": postgres,
		"redis":    redis,
	}, logger)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	<-schedulerDone

	if err := importWorker.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Import worker did not stop cleanly")
	}
	if err := leaderboardWorker.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Leaderboard worker did not stop cleanly")
	}

	logger.Info("Server exited")
}
