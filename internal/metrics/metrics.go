// Package metrics exposes Prometheus metrics and a health endpoint for
// the dispatch engine.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	ObservationsTotal prometheus.Counter
	OutOfOrderTotal   prometheus.Counter
	WSReconnects      prometheus.Counter

	FramesClosedTotal *prometheus.CounterVec // labels: frame_set
	DispatchDur       prometheus.Histogram

	TradeTransitions *prometheus.CounterVec // labels: status
	OpenTrades       prometheus.Gauge

	MarketState        prometheus.Gauge       // 0=closed, 1=open
	SessionTransitions *prometheus.CounterVec // labels: type=open|close

	RedisBufferedWrites prometheus.Counter
	RedisCircuitState   prometheus.Gauge // 0=closed, 1=open, 2=half-open
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		ObservationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_observations_total",
			Help: "Total observations dispatched",
		}),
		OutOfOrderTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_out_of_order_total",
			Help: "Total observations rejected for arriving out of order",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_ws_reconnects_total",
			Help: "Total quote feed reconnection attempts",
		}),
		FramesClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_frames_closed_total",
			Help: "Total frames closed, per frame set",
		}, []string{"frame_set"}),
		DispatchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_dispatch_duration_seconds",
			Help:    "Full dispatch duration per observation (frames, trades, strategies)",
			Buckets: prometheus.ExponentialBuckets(0.000005, 4, 10),
		}),
		TradeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_trade_transitions_total",
			Help: "Total trade state transitions, per resulting status",
		}, []string{"status"}),
		OpenTrades: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_trades",
			Help: "Trades currently in a non-terminal state",
		}),
		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
		SessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_session_transitions_total",
			Help: "Market session transitions",
		}, []string{"type"}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_redis_buffered_writes_total",
			Help: "Writes buffered while the Redis circuit breaker was open",
		}),
		RedisCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_redis_circuit_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
	}

	prometheus.MustRegister(
		m.ObservationsTotal,
		m.OutOfOrderTotal,
		m.WSReconnects,
		m.FramesClosedTotal,
		m.DispatchDur,
		m.TradeTransitions,
		m.OpenTrades,
		m.MarketState,
		m.SessionTransitions,
		m.RedisBufferedWrites,
		m.RedisCircuitState,
	)
	return m
}

// HealthStatus tracks component liveness for the /healthz endpoint.
type HealthStatus struct {
	mu sync.RWMutex

	StartedAt      time.Time
	FeedConnected  bool
	LastObsTime    time.Time
	RedisConnected bool
	RedisLatency   time.Duration
	SQLiteOK       bool
	SQLiteLatency  time.Duration
}

// NewHealthStatus creates a HealthStatus with the start time set.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastObsTime(t time.Time) {
	h.mu.Lock()
	h.LastObsTime = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records connectivity plus latency.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatency = time.Since(start)
	h.mu.Unlock()
}

// CheckSQLite pings the database and records connectivity plus latency.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatency = time.Since(start)
	h.mu.Unlock()
}

// StartLivenessChecker periodically refreshes Redis/SQLite health until
// ctx is cancelled. Either client may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				if rdb != nil {
					h.CheckRedis(checkCtx, rdb)
				}
				if db != nil {
					h.CheckSQLite(checkCtx, db)
				}
				cancel()
			}
		}
	}()
}

func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overall := "healthy"
	code := http.StatusOK
	if !h.FeedConnected || !h.RedisConnected || !h.SQLiteOK {
		overall = "degraded"
		code = http.StatusServiceUnavailable
	}

	obsAge := ""
	if !h.LastObsTime.IsZero() {
		obsAge = time.Since(h.LastObsTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		FeedConnected   bool    `json:"feed_connected"`
		LastObsTime     string  `json:"last_observation_time"`
		ObsAge          string  `json:"observation_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
	}{
		Status:          overall,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		FeedConnected:   h.FeedConnected,
		LastObsTime:     h.LastObsTime.Format(time.RFC3339),
		ObsAge:          obsAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  float64(h.RedisLatency.Microseconds()) / 1000,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: float64(h.SQLiteLatency.Microseconds()) / 1000,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// Server serves /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer builds the metrics HTTP server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)
	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Printf("[metrics] shutdown error: %v", err)
	}
}
