package observability

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger.WithField("user_id", "u1").Info("resolved")
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "resolved", line["msg"])
	assert.Equal(t, "u1", line["user_id"])
}

func TestNewLogger_Defaults(t *testing.T) {
	logger, err := NewLogger(LogConfig{})
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	logger, err = NewLogger(LogConfig{Format: "TEXT"})
	require.NoError(t, err)
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

func TestNewLogger_Invalid(t *testing.T) {
	_, err := NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = NewLogger(LogConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestFromContext(t *testing.T) {
	base, hook := logrustest.NewNullLogger()

	ctx := WithRequestID(context.Background(), "req-1")
	FromContext(ctx, base).Info("plain")
	assert.Equal(t, "req-1", hook.LastEntry().Data["request_id"])
	assert.NotContains(t, hook.LastEntry().Data, "trace_id")

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(ctx, "op")
	defer span.End()

	FromContext(ctx, base).Info("traced")
	entry := hook.LastEntry()
	assert.Equal(t, span.SpanContext().TraceID().String(), entry.Data["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), entry.Data["span_id"])

	other, otherHook := logrustest.NewNullLogger()
	FromContext(WithLogger(context.Background(), other), base).Info("from ctx")
	assert.Len(t, otherHook.AllEntries(), 1)
}

func TestMetrics_Record(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	m.RecordMutation("assign_role", "ok")
	m.RecordMutation("assign_role", "conflict")
	m.RecordMutation("assign_role", "ok")
	m.RecordResolution("miss", 3*time.Millisecond)
	m.RecordResolution("hit", time.Millisecond)
	m.RecordDecision(true)
	m.RecordInvalidation("role_write", 4)
	m.RecordInvalidation("role_write", 0)
	m.RecordExpired("assignment", 2)
	m.RecordTemplateItem("role", "ok")
	m.RecordRedisCommand("get", errors.New("down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.MutationsTotal.WithLabelValues("assign_role", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MutationsTotal.WithLabelValues("assign_role", "conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ResolutionsTotal.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("true")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.CacheInvalidationsTotal.WithLabelValues("role_write")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ExpiredTotal.WithLabelValues("assignment")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TemplateItemsTotal.WithLabelValues("role", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RedisCommandsTotal.WithLabelValues("get", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.ResolutionDuration))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordMutation("x", "ok")
		m.RecordResolution("hit", time.Second)
		m.RecordDecision(false)
		m.RecordInvalidation("user_write", 1)
		m.RecordExpired("override", 1)
		m.RecordTemplateItem("user", "error")
		m.RecordRedisCommand("del", nil)
		m.RecordDBStats(sql.DBStats{})
	})
}

func TestMetrics_DBStats(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordDBStats(sql.DBStats{InUse: 3, Idle: 2, WaitCount: 7})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DBConnectionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DBConnectionsIdle))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.DBConnectionsWaitCount))
}

func TestHTTPMetricsMiddlewareAndEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewMetrics(registry)

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(m))
	router.HandleFunc("/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	RegisterMetricsEndpoint(router, registry)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/things/7", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/things/{id}", "418")))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "accessgrid_http_requests_total")
}

func TestHealth_Liveness(t *testing.T) {
	checker := NewHealthChecker(nil, nil, "1.2.3")
	router := mux.NewRouter()
	RegisterHealthRoutes(router, checker)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, "1.2.3", status.Version)
}

func TestHealth_Readiness(t *testing.T) {
	tests := []struct {
		name       string
		dbErr      error
		redisDown  bool
		wantStatus string
		wantCode   int
	}{
		{name: "all healthy", wantStatus: StatusHealthy, wantCode: http.StatusOK},
		{name: "redis down degrades", redisDown: true, wantStatus: StatusDegraded, wantCode: http.StatusOK},
		{name: "database down fails", dbErr: errors.New("connection refused"), wantStatus: StatusUnhealthy, wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer db.Close()

			q := mock.ExpectQuery("SELECT 1")
			if tt.dbErr != nil {
				q.WillReturnError(tt.dbErr)
			} else {
				q.WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
			}

			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			defer client.Close()
			if tt.redisDown {
				mr.Close()
			}

			router := mux.NewRouter()
			RegisterHealthRoutes(router, NewHealthChecker(db, client, "test"))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var status HealthStatus
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
			assert.Equal(t, tt.wantStatus, status.Status)
			assert.Contains(t, status.Dependencies, "database")
			assert.Contains(t, status.Dependencies, "redis")
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestRecoverPanic(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()

	func() {
		defer RecoverPanic(logger, "unit")
		panic("boom")
	}()

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "boom", entry.Data["panic"])
	assert.Equal(t, "unit", entry.Data["context"])
}

func TestPanicError(t *testing.T) {
	assert.NoError(t, PanicError(nil))

	sentinel := errors.New("inner")
	err := PanicError(sentinel)
	assert.ErrorIs(t, err, sentinel)

	assert.EqualError(t, PanicError(42), "panic: 42")
}

func TestShutdownManager(t *testing.T) {
	logger, _ := logrustest.NewNullLogger()
	sm := NewShutdownManager(logger, nil, time.Second)

	var ran []string
	done := make(chan string, 2)
	sm.RegisterShutdownFunc("cache", func(ctx context.Context) error {
		done <- "cache"
		return nil
	})
	sm.RegisterShutdownFunc("db", func(ctx context.Context) error {
		done <- "db"
		return errors.New("close failed")
	})

	err := sm.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db: close failed")

	close(done)
	for name := range done {
		ran = append(ran, name)
	}
	assert.ElementsMatch(t, []string{"cache", "db"}, ran)
}

func TestShutdownManager_ContextDone(t *testing.T) {
	logger, _ := logrustest.NewNullLogger()
	srv := &http.Server{Addr: "127.0.0.1:0"}
	sm := NewShutdownManager(logger, srv, time.Second)

	called := false
	sm.RegisterShutdownFunc("noop", func(ctx context.Context) error {
		called = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sm.WaitForShutdown(ctx))
	assert.True(t, called)
}
