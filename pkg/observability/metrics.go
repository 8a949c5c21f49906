package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Sign-in metrics
	SignInsTotal   *prometheus.CounterVec
	SignInDuration *prometheus.HistogramVec

	// Directory sync metrics
	SyncRunsTotal         *prometheus.CounterVec
	SyncRunDuration       *prometheus.HistogramVec
	SyncRowsTotal         *prometheus.CounterVec
	SyncLockMissesTotal   *prometheus.CounterVec
	ProvidersSyncEligible prometheus.Gauge

	// Token refresh metrics
	TokenRefreshesTotal *prometheus.CounterVec

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive       prometheus.Gauge
	DBConnectionsIdle         prometheus.Gauge
	DBConnectionsWaitCount    prometheus.Gauge
	DBConnectionsWaitDuration prometheus.Gauge

	// Redis metrics
	RedisConnectionsActive prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idpsync_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "idpsync_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		// Sign-in metrics
		SignInsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idpsync_sign_ins_total",
				Help: "Total number of completed sign-in attempts by outcome",
			},
			[]string{"adapter", "outcome"},
		),
		SignInDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "idpsync_sign_in_duration_seconds",
				Help:    "Callback verification and reconciliation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"adapter"},
		),

		// Directory sync metrics
		SyncRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idpsync_sync_runs_total",
				Help: "Total number of directory sync runs by outcome",
			},
			[]string{"adapter", "outcome"},
		),
		SyncRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "idpsync_sync_run_duration_seconds",
				Help:    "Directory sync run duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"adapter"},
		),
		SyncRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idpsync_sync_rows_total",
				Help: "Rows changed by sync runs by resource and operation",
			},
			[]string{"adapter", "resource", "op"},
		),
		SyncLockMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idpsync_sync_lock_misses_total",
				Help: "Ticks skipped because another node held the provider lock",
			},
			[]string{"job"},
		),
		ProvidersSyncEligible: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "idpsync_providers_sync_eligible",
				Help: "Providers eligible for directory sync at the last tick",
			},
		),

		// Token refresh metrics
		TokenRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idpsync_token_refreshes_total",
				Help: "Total number of provider access token refreshes by outcome",
			},
			[]string{"adapter", "outcome"},
		),

		// Notification metrics
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idpsync_notifications_total",
				Help: "Total number of admin notification deliveries",
			},
			[]string{"event", "status"},
		),

		// Cache metrics
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idpsync_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idpsync_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache_type"},
		),

		// Database metrics
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "idpsync_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "idpsync_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "idpsync_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
		DBConnectionsWaitDuration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "idpsync_db_connections_wait_duration_seconds",
				Help: "Total time spent waiting for connections",
			},
		),

		// Redis metrics
		RedisConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "idpsync_redis_connections_active",
				Help: "Number of active Redis connections",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SignInsTotal,
		m.SignInDuration,
		m.SyncRunsTotal,
		m.SyncRunDuration,
		m.SyncRowsTotal,
		m.SyncLockMissesTotal,
		m.ProvidersSyncEligible,
		m.TokenRefreshesTotal,
		m.NotificationsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.DBConnectionsWaitDuration,
		m.RedisConnectionsActive,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
