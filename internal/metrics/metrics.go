package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the price engine.
type Metrics struct {
	TicksAccepted   *prometheus.CounterVec // labels: source
	TicksDuplicate  *prometheus.CounterVec // labels: source
	TicksDropped    *prometheus.CounterVec // labels: source (out channel full)
	StreamParseErrs *prometheus.CounterVec // labels: source
	WSReconnects    *prometheus.CounterVec // labels: source
	SourceConnected *prometheus.GaugeVec   // labels: source; 0/1
	PollErrors      *prometheus.CounterVec // labels: source

	SnapshotsTotal prometheus.Counter
	SnapshotPrice  prometheus.Gauge
	Outages        prometheus.Counter
	InOutage       prometheus.Gauge

	Reconciliations  *prometheus.CounterVec // labels: scope=source|all
	BackfilledPoints prometheus.Counter
	FallbackPoints   prometheus.Counter
	OutliersClamped  prometheus.Counter
	UnfilledPoints   prometheus.Counter
	PersistErrors    prometheus.Counter

	MergeRows prometheus.Counter
	MergeDur  prometheus.Histogram

	// Backpressure
	FanoutDropsTotal *prometheus.CounterVec // labels: subscriber

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisBufferedWrites      prometheus.Counter
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceengine_ticks_accepted_total",
			Help: "Unique ticks appended to the tick log",
		}, []string{"source"}),
		TicksDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceengine_ticks_duplicate_total",
			Help: "Ticks dropped by the dedup windows",
		}, []string{"source"}),
		TicksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceengine_ticks_notify_dropped_total",
			Help: "Accepted ticks not forwarded because the subscriber channel was full",
		}, []string{"source"}),
		StreamParseErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceengine_stream_parse_errors_total",
			Help: "Stream frames that failed to parse",
		}, []string{"source"}),
		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceengine_ws_reconnects_total",
			Help: "WebSocket reconnection attempts",
		}, []string{"source"}),
		SourceConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "priceengine_source_connected",
			Help: "Live stream connection state (0=disconnected, 1=connected)",
		}, []string{"source"}),
		PollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceengine_poll_errors_total",
			Help: "Scheduled current-price polls that returned no price",
		}, []string{"source"}),

		SnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "priceengine_snapshots_total",
			Help: "Scheduled snapshots persisted",
		}),
		SnapshotPrice: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "priceengine_snapshot_price",
			Help: "Weighted average of the latest snapshot",
		}),
		Outages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "priceengine_outages_total",
			Help: "Total outages (every source failed)",
		}),
		InOutage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "priceengine_in_outage",
			Help: "1 while the scheduler is in a total outage",
		}),

		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceengine_reconciliations_total",
			Help: "Gap-fill runs by scope",
		}, []string{"scope"}),
		BackfilledPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "priceengine_backfilled_points_total",
			Help: "Grid points synthesized from historical samples",
		}),
		FallbackPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "priceengine_fallback_points_total",
			Help: "Grid points filled with the last known good value",
		}),
		OutliersClamped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "priceengine_outliers_clamped_total",
			Help: "Synthesized values replaced by the last known good value",
		}),
		UnfilledPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "priceengine_unfilled_points_total",
			Help: "Grid points left empty (no samples, no last known value)",
		}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "priceengine_persist_errors_total",
			Help: "Storage writes that failed after retry",
		}),

		MergeRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "priceengine_merge_rows_total",
			Help: "Canonical rows written by the time-grid merge",
		}),
		MergeDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "priceengine_merge_duration_seconds",
			Help:    "Time-grid merge latency",
			Buckets: prometheus.DefBuckets,
		}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "priceengine_fanout_drops_total",
			Help: "Ticks dropped by the FanOut bus per subscriber",
		}, []string{"subscriber"}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "priceengine_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "priceengine_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "priceengine_redis_buffered_writes_total",
			Help: "Snapshots buffered locally while the Redis circuit breaker was open",
		}),
	}

	reg.MustRegister(
		m.TicksAccepted,
		m.TicksDuplicate,
		m.TicksDropped,
		m.StreamParseErrs,
		m.WSReconnects,
		m.SourceConnected,
		m.PollErrors,
		m.SnapshotsTotal,
		m.SnapshotPrice,
		m.Outages,
		m.InOutage,
		m.Reconciliations,
		m.BackfilledPoints,
		m.FallbackPoints,
		m.OutliersClamped,
		m.UnfilledPoints,
		m.PersistErrors,
		m.MergeRows,
		m.MergeDur,
		m.FanoutDropsTotal,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisBufferedWrites,
	)

	return m
}

// HealthStatus represents the engine health.
type HealthStatus struct {
	mu sync.RWMutex

	Sources        map[string]bool // live stream connected, by source
	LastSnapshotAt time.Time
	InOutage       bool
	RedisEnabled   bool
	RedisConnected bool
	SQLiteOK       bool

	// Liveness probe results
	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		Sources:   make(map[string]bool),
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetSourceConnected(source string, v bool) {
	h.mu.Lock()
	h.Sources[source] = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastSnapshot(t time.Time) {
	h.mu.Lock()
	h.LastSnapshotAt = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetInOutage(v bool) {
	h.mu.Lock()
	h.InOutage = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. rdb may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

type healthReport struct {
	Status          string          `json:"status"`
	Uptime          string          `json:"uptime"`
	Sources         map[string]bool `json:"sources"`
	LastSnapshotAt  string          `json:"last_snapshot_at"`
	SnapshotAge     string          `json:"snapshot_age"`
	InOutage        bool            `json:"in_outage"`
	RedisEnabled    bool            `json:"redis_enabled"`
	RedisConnected  bool            `json:"redis_connected"`
	RedisLatencyMs  float64         `json:"redis_latency_ms"`
	SQLiteOK        bool            `json:"sqlite_ok"`
	SQLiteLatencyMs float64         `json:"sqlite_latency_ms"`
	LastCheckAt     string          `json:"last_check_at"`
}

// ServeHTTP handles the /healthz endpoint.
//
// unhealthy: sqlite down or a total outage. degraded: a live stream is
// disconnected or enabled Redis is unreachable. Both return 503.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	names := make([]string, 0, len(h.Sources))
	for name := range h.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	sources := make(map[string]bool, len(names))
	for _, name := range names {
		sources[name] = h.Sources[name]
		if !h.Sources[name] {
			overallStatus = "degraded"
		}
	}
	if h.RedisEnabled && !h.RedisConnected {
		overallStatus = "degraded"
	}
	if !h.SQLiteOK || h.InOutage {
		overallStatus = "unhealthy"
	}
	if overallStatus != "healthy" {
		httpCode = http.StatusServiceUnavailable
	}

	snapshotAge := ""
	lastSnapshot := ""
	if !h.LastSnapshotAt.IsZero() {
		snapshotAge = time.Since(h.LastSnapshotAt).Round(time.Millisecond).String()
		lastSnapshot = h.LastSnapshotAt.Format(time.RFC3339)
	}

	status := healthReport{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		Sources:         sources,
		LastSnapshotAt:  lastSnapshot,
		SnapshotAge:     snapshotAge,
		InOutage:        h.InOutage,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server serving metrics from gatherer.
func NewServer(addr string, gatherer prometheus.Gatherer, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
