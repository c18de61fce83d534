package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/nextconvert/fxstudio/internal/modules/jobs"
	"github.com/nextconvert/fxstudio/internal/shared/config"
	"github.com/nextconvert/fxstudio/internal/shared/database"
	"github.com/nextconvert/fxstudio/internal/shared/logging"
	"github.com/nextconvert/fxstudio/internal/shared/storage"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting fxstudio worker",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("environment", cfg.Environment),
	)

	if cfg.RedisURL == "" {
		logger.Fatal("The worker requires REDIS_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Redis
	redisClient, err := database.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	// Initialize storage
	storageService, err := storage.NewService(cfg.Storage, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}

	// Renders on this worker publish their events to the API servers
	bridge := jobs.NewEventBridge(redisClient, logger)
	manager := jobs.NewManager(jobs.ManagerConfig{
		Job: jobs.JobConfig{
			Binary:          cfg.FFmpegPath,
			CancelGrace:     cfg.CancelGrace,
			DiagnosticLimit: cfg.DiagnosticLimit,
			RelayBuffer:     cfg.RelayBuffer,
		},
	}, logger)
	manager.AddSink(bridge.Sink(context.Background()))

	// Create job handler
	jobHandler := jobs.NewHandler(jobs.HandlerConfig{
		Manager: manager,
		Bridge:  bridge,
		Storage: storageService,
		Logger:  logger,
	})

	go func() {
		if err := jobHandler.ListenForCancels(ctx); err != nil {
			logger.Error("Cancel listener stopped", zap.Error(err))
		}
	}()

	redisOpt, err := jobs.RedisConnOpt(cfg.RedisURL)
	if err != nil {
		logger.Fatal("Invalid REDIS_URL", zap.Error(err))
	}

	// Configure Asynq server
	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			ShutdownTimeout: cfg.CancelGrace + 5*time.Second,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("Task failed",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
		},
	)

	// Register task handlers
	mux := asynq.NewServeMux()
	mux.HandleFunc(jobs.TypeRender, jobHandler.HandleRender)
	mux.HandleFunc(jobs.TypeCleanupFiles, jobHandler.HandleCleanupFiles)

	scheduler, err := jobs.NewCleanupScheduler(redisOpt, logger)
	if err != nil {
		logger.Fatal("Failed to schedule cleanup", zap.Error(err))
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	if err := srv.Start(mux); err != nil {
		logger.Fatal("Worker failed", zap.Error(err))
	}
	logger.Info("Worker started", zap.Int("concurrency", cfg.WorkerConcurrency))

	<-ctx.Done()

	logger.Info("Shutting down worker...")
	scheduler.Shutdown()
	srv.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("Renders did not stop in time", zap.Error(err))
	}
	logger.Info("Worker stopped")
}
