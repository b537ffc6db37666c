package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Engine metrics
	MutationsTotal          *prometheus.CounterVec
	ResolutionsTotal        *prometheus.CounterVec
	ResolutionDuration      prometheus.Histogram
	DecisionsTotal          *prometheus.CounterVec
	CacheInvalidationsTotal *prometheus.CounterVec
	ExpiredTotal            *prometheus.CounterVec
	TemplateItemsTotal      *prometheus.CounterVec

	// HTTP metrics for the operations server
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Database metrics
	DBConnectionsActive    prometheus.Gauge
	DBConnectionsIdle      prometheus.Gauge
	DBConnectionsWaitCount prometheus.Gauge

	// Redis metrics
	RedisCommandsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		MutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgrid_mutations_total",
				Help: "Total number of access-control mutations",
			},
			[]string{"operation", "outcome"},
		),
		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgrid_resolutions_total",
				Help: "Total number of effective-permission resolutions",
			},
			[]string{"cache"},
		),
		ResolutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "accessgrid_resolution_duration_seconds",
				Help:    "Effective-permission resolution duration in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgrid_decisions_total",
				Help: "Total number of authorization checks",
			},
			[]string{"allowed"},
		),
		CacheInvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgrid_cache_invalidations_total",
				Help: "Total number of resolution cache invalidations",
			},
			[]string{"reason"},
		),
		ExpiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgrid_expired_total",
				Help: "Total number of assignments and overrides deactivated by the expiry sweep",
			},
			[]string{"kind"},
		),
		TemplateItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgrid_template_items_total",
				Help: "Total number of per-permission template application results",
			},
			[]string{"target", "outcome"},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgrid_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accessgrid_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "accessgrid_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "accessgrid_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "accessgrid_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),

		RedisCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accessgrid_redis_commands_total",
				Help: "Total number of Redis cache commands",
			},
			[]string{"command", "status"},
		),
	}

	registry.MustRegister(
		m.MutationsTotal,
		m.ResolutionsTotal,
		m.ResolutionDuration,
		m.DecisionsTotal,
		m.CacheInvalidationsTotal,
		m.ExpiredTotal,
		m.TemplateItemsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
		m.RedisCommandsTotal,
	)

	return m
}

// RecordMutation counts one mutation with its outcome category
func (m *Metrics) RecordMutation(operation, outcome string) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordResolution counts a resolution; cache is "hit", "miss" or "bypass"
func (m *Metrics) RecordResolution(cache string, d time.Duration) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(cache).Inc()
	m.ResolutionDuration.Observe(d.Seconds())
}

// RecordDecision counts an authorization check
func (m *Metrics) RecordDecision(allowed bool) {
	if m == nil {
		return
	}
	m.DecisionsTotal.WithLabelValues(strconv.FormatBool(allowed)).Inc()
}

// RecordInvalidation counts cache invalidations
func (m *Metrics) RecordInvalidation(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheInvalidationsTotal.WithLabelValues(reason).Add(float64(n))
}

// RecordExpired counts rows deactivated by the expiry sweep
func (m *Metrics) RecordExpired(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ExpiredTotal.WithLabelValues(kind).Add(float64(n))
}

// RecordTemplateItem counts one per-permission template application result
func (m *Metrics) RecordTemplateItem(target, outcome string) {
	if m == nil {
		return
	}
	m.TemplateItemsTotal.WithLabelValues(target, outcome).Inc()
}

// RecordRedisCommand counts a Redis cache command
func (m *Metrics) RecordRedisCommand(command string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.RedisCommandsTotal.WithLabelValues(command, status).Inc()
}

// RecordDBStats copies connection pool statistics into the gauges
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					path = tpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, gatherer prometheus.Gatherer) {
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
