package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nextconvert/fxstudio/internal/api/handlers"
	"github.com/nextconvert/fxstudio/internal/api/middleware"
	"github.com/nextconvert/fxstudio/internal/api/websocket"
	"github.com/nextconvert/fxstudio/internal/modules/effects"
	"github.com/nextconvert/fxstudio/internal/modules/media"
	"github.com/nextconvert/fxstudio/internal/shared/config"
	"github.com/nextconvert/fxstudio/internal/shared/database"
	"github.com/nextconvert/fxstudio/internal/shared/metrics"
	"github.com/nextconvert/fxstudio/internal/shared/storage"
)

// ServerConfig holds dependencies for the API server. DB, Redis, Metrics and Gatherer
// are optional.
type ServerConfig struct {
	Config      *config.Config
	Logger      *zap.Logger
	DB          *database.Postgres
	Redis       *database.Redis
	Storage     *storage.Service
	WSHub       *websocket.Hub
	Library     *effects.Library
	MediaModule *media.Module
	Prober      media.MediaProber
	Transcriber handlers.Transcriber
	Renders     handlers.RenderService
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
}

// Server represents the API server
type Server struct {
	config      *config.Config
	logger      *zap.Logger
	db          *database.Postgres
	redis       *database.Redis
	storage     *storage.Service
	wsHub       *websocket.Hub
	library     *effects.Library
	mediaModule *media.Module
	prober      media.MediaProber
	transcriber handlers.Transcriber
	renders     handlers.RenderService
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
}

// NewServer creates a new API server
func NewServer(cfg ServerConfig) *Server {
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		config:      cfg.Config,
		logger:      cfg.Logger,
		db:          cfg.DB,
		redis:       cfg.Redis,
		storage:     cfg.Storage,
		wsHub:       cfg.WSHub,
		library:     cfg.Library,
		mediaModule: cfg.MediaModule,
		prober:      cfg.Prober,
		transcriber: cfg.Transcriber,
		renders:     cfg.Renders,
		metrics:     cfg.Metrics,
		gatherer:    gatherer,
	}
}

// Router returns the configured HTTP router
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimiddleware.Recoverer)
	if s.metrics != nil {
		r.Use(middleware.MetricsMiddleware(s.metrics))
	}
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(s.config.AllowedOrigins))

	var redisClient *redis.Client
	if s.redis != nil {
		redisClient = s.redis.Client
	}
	rateLimiter := middleware.NewRateLimiter(redisClient, s.logger)

	deps := map[string]handlers.Pinger{}
	if s.db != nil {
		deps["postgres"] = s.db
	}
	if s.redis != nil {
		deps["redis"] = s.redis
	}

	healthHandler := handlers.NewHealthHandler(deps)
	effectsHandler := handlers.NewEffectsHandler(s.library, s.mediaModule, s.metrics, s.logger)
	presetsHandler := handlers.NewPresetsHandler(s.library, s.logger)
	renderHandler := handlers.NewRenderHandler(s.renders, s.storage, s.logger)
	fileHandler := handlers.NewFileHandler(s.storage, s.prober, s.logger)
	transcriptHandler := handlers.NewTranscriptHandler(s.storage, s.transcriber, s.logger)
	wsHandler := handlers.NewWebSocketHandler(s.wsHub, s.logger)

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/ws", wsHandler.HandleConnection)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rateLimiter.Limit(middleware.GlobalRateLimit))

		r.Get("/health", healthHandler.Health)
		r.Get("/ready", healthHandler.Ready)

		r.Route("/effects", func(r chi.Router) {
			r.Use(chimiddleware.Compress(5))
			r.Get("/", effectsHandler.ListEffects)
			r.Get("/themes", effectsHandler.ListThemes)
			r.With(middleware.ValidateJSONBody).Post("/compile", effectsHandler.Compile)

			r.Route("/presets", func(r chi.Router) {
				r.Get("/", presetsHandler.ListPresets)
				r.With(middleware.ValidateJSONBody).Post("/", presetsHandler.CreatePreset)
				r.With(middleware.ValidateJSONBody).Put("/{category}/{key}", presetsHandler.UpdatePreset)
				r.Delete("/{category}/{key}", presetsHandler.DeletePreset)
			})
		})

		r.Get("/formats", fileHandler.Formats)

		r.Route("/files", func(r chi.Router) {
			r.With(
				rateLimiter.Limit(middleware.FileUploadRateLimit),
				middleware.ValidateFileUpload(middleware.MediaFileValidation.WithMaxSize(s.config.MaxUploadSize)),
			).Post("/", fileHandler.Upload)
			r.Get("/{name}/probe", fileHandler.Probe)
			r.Get("/{name}/transcript", transcriptHandler.GetTranscript)
			r.Post("/{name}/transcript", transcriptHandler.SaveTranscript)
		})

		r.Route("/renders", func(r chi.Router) {
			r.Use(middleware.NoCache)
			r.With(
				rateLimiter.Limit(middleware.RenderCreationRateLimit(s.config.RenderRateLimit)),
				middleware.ValidateJSONBody,
			).Post("/", renderHandler.CreateRender)
			r.Get("/", renderHandler.ListRenders)
			r.Get("/{id}", renderHandler.GetRender)
			r.Get("/{id}/events", renderHandler.StreamEvents)
			r.Get("/{id}/output", renderHandler.DownloadOutput)
			r.Post("/{id}/cancel", renderHandler.CancelRender)
		})
	})

	return r
}
