// Package metrics provides Prometheus instrumentation for the trade engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicketsOpened counts tickets that reached the open state, by side.
	TicketsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikeline_tickets_opened_total",
		Help: "Tickets that reached the open state",
	}, []string{"side"})

	// TicketsClosed counts terminal transitions, by terminal status and by
	// who initiated them (client, supervisor, settlement).
	TicketsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikeline_tickets_terminal_total",
		Help: "Tickets that reached a terminal state",
	}, []string{"status", "initiator"})

	// ExecutionBusy counts open/close attempts rejected by the global
	// execution lock.
	ExecutionBusy = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strikeline_execution_busy_total",
		Help: "Executions rejected because another execution was in flight",
	})

	// ExecutionErrors counts venue submissions that failed.
	ExecutionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strikeline_execution_errors_total",
		Help: "Order submissions rejected or timed out by the venue",
	})

	// ExecutionLatency tracks venue round-trip time per operation.
	ExecutionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strikeline_execution_latency_seconds",
		Help:    "Venue order submission latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// OpenTickets tracks tickets currently in a non-terminal state.
	OpenTickets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strikeline_open_tickets",
		Help: "Tickets currently in a non-terminal state",
	})

	// AutoCloses counts protective closes issued by the risk supervisor.
	AutoCloses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strikeline_auto_closes_total",
		Help: "Protective closes triggered by the risk supervisor",
	})

	// UnknownRiskCycles counts supervisor evaluations that downgraded to
	// the unknown tier because probability was unavailable or stale.
	UnknownRiskCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strikeline_unknown_risk_total",
		Help: "Supervisor evaluations with probability unavailable",
	})

	// TableBuildDuration tracks strike table build time.
	TableBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "strikeline_table_build_seconds",
		Help:    "Strike table build duration in seconds",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	// TableVersion exposes the version of the currently published table.
	TableVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strikeline_table_version",
		Help: "Version of the currently published strike table",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strikeline_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strikeline_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strikeline_http_request_duration_seconds",
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

		// Use the chi route pattern for the path label so ticket IDs do
		// not blow up cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
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
