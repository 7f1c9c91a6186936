// Package metrics provides Prometheus instrumentation for the paper-trading
// engine.
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
	// TicksTotal counts market ticks applied, by symbol.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpsim_ticks_total",
		Help: "Total number of market ticks applied",
	}, []string{"symbol"})

	// FillsTotal counts fills executed, partitioned by symbol, side and
	// origin (market, limit, liquidation).
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpsim_fills_total",
		Help: "Total number of fills executed",
	}, []string{"symbol", "side", "origin"})

	// FillVolume tracks cumulative filled quantity per symbol.
	FillVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpsim_fill_volume_total",
		Help: "Cumulative filled quantity",
	}, []string{"symbol", "side"})

	// OrderRejections counts rejected placements and cancels by reason.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpsim_order_rejections_total",
		Help: "Orders rejected before reaching the ledger",
	}, []string{"reason"})

	// LiquidationsTotal counts forced liquidations by symbol.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpsim_liquidations_total",
		Help: "Total number of forced liquidations",
	}, []string{"symbol"})

	// RestingOrders tracks the number of limit orders awaiting a cross.
	RestingOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpsim_resting_orders",
		Help: "Number of resting limit orders",
	})

	// AccountEquity, AccountCash and FundingNet mirror the account scalars.
	AccountEquity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpsim_account_equity",
		Help: "Account equity at the last reconcile",
	})
	AccountCash = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpsim_account_cash",
		Help: "Account cash at the last reconcile",
	})
	FundingNet = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpsim_funding_net",
		Help: "Cumulative funding, positive when received",
	})

	// BackendLatency tracks trading-backend call latency by operation.
	BackendLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpsim_backend_latency_seconds",
		Help:    "Trading backend call latency in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"op"})

	// PersistFailures counts writes dropped after exhausting retries.
	PersistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpsim_persist_failures_total",
		Help: "Writes dropped after retries",
	}, []string{"kind"})

	// PersistQueueDepth tracks pending asynchronous writes.
	PersistQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpsim_persist_queue_depth",
		Help: "Pending asynchronous writes",
	})

	// FeedReconnects counts market-data websocket reconnects.
	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpsim_feed_reconnects_total",
		Help: "Market data feed reconnect attempts",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpsim_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpsim_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpsim_http_request_duration_seconds",
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

		// Route pattern, not raw path: /orders/{clientID} is one series.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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
