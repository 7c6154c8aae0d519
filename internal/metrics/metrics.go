// Package metrics provides Prometheus instrumentation for the presence
// engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LocationUpdatesTotal counts accepted position updates.
	LocationUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_location_updates_total",
		Help: "Total number of accepted position updates",
	})

	// NearbyQueryDuration tracks radius query latency end to end.
	NearbyQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "presence_nearby_query_duration_seconds",
		Help:    "Nearby query latency in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	// HistoryAppendFailures counts swallowed durable-history errors.
	HistoryAppendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_history_append_failures_total",
		Help: "Durable history writes that failed and were swallowed",
	})

	// WebSocketClients tracks connected live subscribers.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "presence_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// PushesDropped counts realtime pushes dropped on full send buffers.
	PushesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_pushes_dropped_total",
		Help: "Realtime pushes dropped because a subscriber buffer was full",
	})

	// RateLimitRejections counts requests rejected by the token bucket.
	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_rate_limit_rejections_total",
		Help: "Requests rejected by the rate limiter",
	})

	// IdempotentReplays counts mutating requests served from the
	// idempotency cache without re-execution.
	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_idempotent_replays_total",
		Help: "Mutating requests replayed from the idempotency cache",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "presence_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
