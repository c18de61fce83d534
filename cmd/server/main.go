package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/nextconvert/fxstudio/internal/api"
	"github.com/nextconvert/fxstudio/internal/api/websocket"
	"github.com/nextconvert/fxstudio/internal/modules/effects"
	"github.com/nextconvert/fxstudio/internal/modules/jobs"
	"github.com/nextconvert/fxstudio/internal/modules/media"
	"github.com/nextconvert/fxstudio/internal/shared/config"
	"github.com/nextconvert/fxstudio/internal/shared/database"
	"github.com/nextconvert/fxstudio/internal/shared/logging"
	"github.com/nextconvert/fxstudio/internal/shared/metrics"
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

	logger.Info("Starting fxstudio API server",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("environment", cfg.Environment),
		zap.String("execution_mode", cfg.ExecutionMode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// PostgreSQL is optional: without it renders live in memory only and saved
	// presets go to a YAML file
	var db *database.Postgres
	var store jobs.Store
	var presetStore effects.PresetStore
	if cfg.DatabaseURL != "" {
		db, err = database.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		pgStore, err := jobs.NewPostgresStore(ctx, db)
		if err != nil {
			logger.Fatal("Failed to prepare render store", zap.Error(err))
		}
		store = pgStore

		presetStore, err = effects.NewPostgresPresetStore(ctx, db)
		if err != nil {
			logger.Fatal("Failed to prepare preset store", zap.Error(err))
		}
	}

	// Redis is optional in inline mode
	var redisClient *database.Redis
	if cfg.RedisURL != "" {
		redisClient, err = database.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
	}

	// Initialize storage
	storageService, err := storage.NewService(cfg.Storage, logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}

	// Effect presets
	var registryFx *effects.Registry
	if cfg.PresetsFile != "" {
		registryFx, err = effects.LoadFile(cfg.PresetsFile, logger)
	} else {
		registryFx, err = effects.LoadDefault(logger)
	}
	if err != nil {
		logger.Fatal("Failed to load effect presets", zap.Error(err))
	}
	if presetStore == nil {
		path := cfg.UserPresetsFile
		if path == "" {
			path = filepath.Join(cfg.Storage.BasePath, "user-presets.yml")
		}
		presetStore = effects.NewFilePresetStore(path)
	}
	library, err := effects.NewLibrary(ctx, registryFx, presetStore, logger)
	if err != nil {
		logger.Fatal("Failed to load user presets", zap.Error(err))
	}

	// Render planning
	builder := media.NewBuilderWithConfig(media.BuilderConfig{
		MaxThreads:        cfg.FFmpegMaxThreads,
		UseHardwareAccel:  cfg.FFmpegHardwareAccel,
		PreferFastPresets: cfg.FFmpegFastPresets,
	}, logger)
	prober := media.NewProber(cfg.FFprobePath, logger)
	mediaModule := media.NewModule(library, builder, prober, storageService, media.ModuleConfig{
		PreviewDuration: cfg.PreviewDuration,
	}, logger)

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(cfg.AllowedOrigins, m, logger)
	go wsHub.Run(ctx)

	// Render execution
	moduleCfg := jobs.ModuleConfig{
		Mode:        cfg.ExecutionMode,
		Planner:     mediaModule,
		Store:       store,
		Publisher:   storageService,
		Notifier:    wsHub,
		Metrics:     m,
		RelayBuffer: cfg.RelayBuffer,
		Logger:      logger,
	}

	var manager *jobs.Manager
	switch cfg.ExecutionMode {
	case config.ModeQueue:
		redisOpt, err := jobs.RedisConnOpt(cfg.RedisURL)
		if err != nil {
			logger.Fatal("Invalid REDIS_URL", zap.Error(err))
		}
		queue := jobs.NewQueueClient(redisOpt, logger)
		defer queue.Close()
		moduleCfg.Queue = queue
		moduleCfg.Bridge = jobs.NewEventBridge(redisClient, logger)
	default:
		manager = jobs.NewManager(jobs.ManagerConfig{Job: jobConfig(cfg)}, logger)
		moduleCfg.Manager = manager
	}

	jobsModule, err := jobs.NewModule(moduleCfg)
	if err != nil {
		logger.Fatal("Failed to initialize render service", zap.Error(err))
	}
	go func() {
		if err := jobsModule.Start(ctx); err != nil {
			logger.Error("Render event relay stopped", zap.Error(err))
		}
	}()

	go reportStorageUsage(ctx, storageService, m, logger)

	// Create API server
	server := api.NewServer(api.ServerConfig{
		Config:      cfg,
		Logger:      logger,
		DB:          db,
		Redis:       redisClient,
		Storage:     storageService,
		WSHub:       wsHub,
		Library:     library,
		MediaModule: mediaModule,
		Prober:      prober,
		Transcriber: media.NewTranscriber(cfg.FFmpegPath, prober, logger),
		Renders:     jobsModule,
		Metrics:     m,
		Gatherer:    registry,
	})

	// Event streams and downloads outlive any fixed write timeout
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if manager != nil {
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Error("Renders did not stop in time", zap.Error(err))
		}
	}

	logger.Info("Server stopped")
}

func jobConfig(cfg *config.Config) jobs.JobConfig {
	return jobs.JobConfig{
		Binary:          cfg.FFmpegPath,
		CancelGrace:     cfg.CancelGrace,
		DiagnosticLimit: cfg.DiagnosticLimit,
		RelayBuffer:     cfg.RelayBuffer,
	}
}

// reportStorageUsage refreshes the storage gauges once a minute.
func reportStorageUsage(ctx context.Context, s *storage.Service, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		for _, zone := range []storage.Zone{storage.ZoneUpload, storage.ZoneOutput} {
			count, size, err := s.Usage(ctx, zone)
			if err != nil {
				logger.Warn("Failed to measure storage", zap.String("zone", string(zone)), zap.Error(err))
				continue
			}
			m.UpdateStorageMetrics(string(zone), count, size)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
