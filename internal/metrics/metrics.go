// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// IntentsTotal counts intent outcomes by kind and terminal status.
	IntentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npt_intents_total",
		Help: "Intents by kind and outcome",
	}, []string{"kind", "status"})

	// SettlementLatency tracks time from submission to confirmation.
	SettlementLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "npt_settlement_latency_seconds",
		Help:    "Time from intent submission to ledger confirmation",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"kind"})

	// PendingIntents tracks intents awaiting confirmation.
	PendingIntents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "npt_pending_intents",
		Help: "Intents submitted and not yet terminal",
	})

	// InvariantViolations counts confirmations that contradicted local state.
	InvariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npt_invariant_violations_total",
		Help: "Confirmations rejected as invariant violations",
	}, []string{"kind"})

	// ItemsMinted counts minted items by rarity.
	ItemsMinted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npt_items_minted_total",
		Help: "Items minted, by rarity",
	}, []string{"rarity"})

	// ActiveListings tracks listings in the active state.
	ActiveListings = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "npt_active_listings",
		Help: "Number of active fixed-price listings",
	})

	// OpenAuctions tracks auctions in the open state.
	OpenAuctions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "npt_open_auctions",
		Help: "Number of currently open auctions",
	})

	// AuctionsClosed counts auctions reaching a terminal status.
	AuctionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npt_auctions_closed_total",
		Help: "Auctions closed, by terminal status",
	}, []string{"status"})

	// BidsAccepted counts confirmed bids.
	BidsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "npt_bids_accepted_total",
		Help: "Bids applied to auctions",
	})

	// BalanceCacheLookups counts balance cache hits and misses.
	BalanceCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npt_balance_cache_lookups_total",
		Help: "Balance cache lookups by result",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "npt_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RateLimited counts requests rejected by the per-account limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "npt_rate_limited_total",
		Help: "Requests rejected by the per-account rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "npt_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "npt_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics. Route
// patterns label the path so that ids do not explode cardinality.
func Middleware(pattern func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: 200}
			next.ServeHTTP(wrapped, r)
			duration := time.Since(start).Seconds()

			path := r.URL.Path
			if pattern != nil {
				if p := pattern(r); p != "" {
					path = p
				}
			}
			HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
			HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		})
	}
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
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
