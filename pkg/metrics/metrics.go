// Package metrics provides Prometheus instrumentation for pixelsync.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric collectors for pixelsync.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge

	FilesProcessed *prometheus.CounterVec
	BatchSize      *prometheus.HistogramVec
	QueueDepth     *prometheus.GaugeVec
	JobsActive     prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all pixelsync metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	// Include default Go and process collectors
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelsync_requests_total",
				Help: "Total HTTP requests by endpoint and status code.",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pixelsync_request_duration_seconds",
				Help:    "HTTP request latency distribution.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"endpoint"},
		),
		ActiveRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pixelsync_active_requests",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		FilesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelsync_files_processed_total",
				Help: "Total files processed by outcome (processed, failed, from_cache).",
			},
			[]string{"outcome"},
		),
		BatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pixelsync_batch_size",
				Help:    "Batch size observed per stage flush.",
				Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
			},
			[]string{"stage"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pixelsync_queue_depth",
				Help: "Current depth of a pipeline queue.",
			},
			[]string{"queue"},
		),
		JobsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pixelsync_jobs_active",
				Help: "Number of ingestion jobs currently running.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.FilesProcessed,
		m.BatchSize,
		m.QueueDepth,
		m.JobsActive,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a completed request's metrics.
func (m *Metrics) RecordRequest(endpoint string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordFiles records per-job counter deltas by outcome.
func (m *Metrics) RecordFiles(processed, failed, fromCache int64) {
	m.FilesProcessed.WithLabelValues("processed").Add(float64(processed))
	m.FilesProcessed.WithLabelValues("failed").Add(float64(failed))
	m.FilesProcessed.WithLabelValues("from_cache").Add(float64(fromCache))
}

// RecordBatch records the size of a flushed batch for stage.
func (m *Metrics) RecordBatch(stage string, size int) {
	m.BatchSize.WithLabelValues(stage).Observe(float64(size))
}

// SetQueueDepth reports the current depth of a named queue.
func (m *Metrics) SetQueueDepth(queue string, depth int) {
	m.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// Middleware returns an HTTP middleware that instruments requests.
func (m *Metrics) Middleware(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.ActiveRequests.Inc()
		defer m.ActiveRequests.Dec()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(rw, r)

		m.RecordRequest(endpoint, rw.statusCode, time.Since(start))
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
