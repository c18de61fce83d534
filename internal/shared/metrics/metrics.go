package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Render metrics
	RendersTotal    *prometheus.CounterVec
	RenderDuration  *prometheus.HistogramVec
	ActiveRenders   prometheus.Gauge
	RendersQueued   prometheus.Gauge
	RelayDropsTotal prometheus.Counter

	// Compile metrics
	CompilesTotal *prometheus.CounterVec

	// WebSocket metrics
	WebSocketConnections   prometheus.Gauge
	WebSocketMessagesTotal *prometheus.CounterVec

	// File storage metrics
	StorageFilesTotal *prometheus.GaugeVec
	StorageBytesTotal *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latencies in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path", "status"},
		),

		// Render metrics
		RendersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renders_total",
				Help: "Total number of renders by final state",
			},
			[]string{"state"},
		),
		RenderDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "render_duration_seconds",
				Help:    "Render wall time in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"state"},
		),
		ActiveRenders: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_renders",
				Help: "Number of ffmpeg processes currently running",
			},
		),
		RendersQueued: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "renders_queued",
				Help: "Number of renders waiting to start",
			},
		),
		RelayDropsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_dropped_progress_total",
				Help: "Progress events dropped for slow subscribers",
			},
		),

		CompilesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filter_compiles_total",
				Help: "Filter chain compilations by outcome",
			},
			[]string{"outcome"},
		),

		// WebSocket metrics
		WebSocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "websocket_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WebSocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "websocket_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"type"},
		),

		// Storage metrics
		StorageFilesTotal: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "storage_files_total",
				Help: "Total number of files in storage",
			},
			[]string{"zone"},
		),
		StorageBytesTotal: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "storage_bytes_total",
				Help: "Total storage size in bytes",
			},
			[]string{"zone"},
		),
	}

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration, responseSize int64) {
	status := strconv.Itoa(statusCode)

	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
	if responseSize > 0 {
		m.HTTPResponseSize.WithLabelValues(method, path, status).Observe(float64(responseSize))
	}
}

// RecordRenderQueued records a render accepted but not yet running
func (m *Metrics) RecordRenderQueued() {
	m.RendersQueued.Inc()
}

// RecordRenderStarted records a render whose process is running
func (m *Metrics) RecordRenderStarted() {
	m.ActiveRenders.Inc()
	m.RendersQueued.Dec()
}

// RecordRenderFinished records a render reaching a terminal state
func (m *Metrics) RecordRenderFinished(state string, started bool, duration time.Duration) {
	if started {
		m.ActiveRenders.Dec()
	} else {
		m.RendersQueued.Dec()
	}
	m.RendersTotal.WithLabelValues(state).Inc()
	m.RenderDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordRelayDrop counts a dropped progress event
func (m *Metrics) RecordRelayDrop() {
	m.RelayDropsTotal.Inc()
}

// RecordCompile records a compilation outcome
func (m *Metrics) RecordCompile(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "rejected"
	}
	m.CompilesTotal.WithLabelValues(outcome).Inc()
}

// RecordWebSocketConnection records WebSocket connection change
func (m *Metrics) RecordWebSocketConnection(connected bool) {
	if connected {
		m.WebSocketConnections.Inc()
	} else {
		m.WebSocketConnections.Dec()
	}
}

// RecordWebSocketMessage records WebSocket message
func (m *Metrics) RecordWebSocketMessage(messageType string) {
	m.WebSocketMessagesTotal.WithLabelValues(messageType).Inc()
}

// UpdateStorageMetrics updates storage metrics
func (m *Metrics) UpdateStorageMetrics(zone string, fileCount int64, bytes int64) {
	m.StorageFilesTotal.WithLabelValues(zone).Set(float64(fileCount))
	m.StorageBytesTotal.WithLabelValues(zone).Set(float64(bytes))
}
