// Package metrics provides Prometheus instrumentation for the simulator.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts committed trades, partitioned by area.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsy_trades_total",
		Help: "Total number of trades committed",
	}, []string{"area"})

	// TradedEnergy tracks cumulative traded energy (kWh) per area.
	TradedEnergy = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsy_traded_energy_kwh_total",
		Help: "Cumulative traded energy in kWh",
	}, []string{"area"})

	// ForwardedOrders counts orders replicated across hierarchy edges.
	ForwardedOrders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsy_forwarded_orders_total",
		Help: "Orders forwarded by inter-area agents",
	}, []string{"kind", "direction"})

	// ForwardingRaces counts benign reconciliation failures (order already
	// gone, market already closed).
	ForwardingRaces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gsy_forwarding_races_total",
		Help: "Reconciliation attempts that found the order gone or the market closed",
	})

	// RecommendationBatches counts external recommendation submissions by
	// response status.
	RecommendationBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsy_recommendation_batches_total",
		Help: "External recommendation batches by status",
	}, []string{"status"})

	// MatchLatency tracks how long one matching pass over a market takes.
	MatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gsy_match_latency_seconds",
		Help:    "Matching pass latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"matcher"})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gsy_active_markets",
		Help: "Number of currently open markets",
	})

	// Ticks counts simulation ticks.
	Ticks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gsy_ticks_total",
		Help: "Simulation ticks executed",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gsy_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// WebSocketDropped counts frames dropped for clients whose queue was full.
	WebSocketDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gsy_websocket_dropped_frames_total",
		Help: "WebSocket frames dropped for slow clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsy_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gsy_http_request_duration_seconds",
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer cannot be hijacked")
	}
	return h.Hijack()
}
