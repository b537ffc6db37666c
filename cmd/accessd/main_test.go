package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/platinummonkey/accessgrid/pkg/audit"
	"github.com/platinummonkey/accessgrid/pkg/config"
	"github.com/platinummonkey/accessgrid/pkg/observability"
	"github.com/platinummonkey/accessgrid/pkg/rbac"
	"github.com/platinummonkey/accessgrid/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter(t *testing.T) {
	logger, _ := test.NewNullLogger()
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	handler := newRouter(observability.NewHealthChecker(nil, nil, "test"), metrics, registry, logger)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"liveness", "/health/live", http.StatusOK, `"status":"healthy"`},
		{"readiness", "/health/ready", http.StatusOK, `"version":"test"`},
		{"metrics", "/metrics", http.StatusOK, "accessgrid_http_requests_total"},
		{"unknown route", "/v1/roles", http.StatusNotFound, `"error":"not found"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantBody)
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}
}

func TestRouter_WithoutMetrics(t *testing.T) {
	logger, _ := test.NewNullLogger()
	handler := newRouter(observability.NewHealthChecker(nil, nil, "test"), nil, nil, logger)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	var status observability.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, observability.StatusHealthy, status.Status)
}

func TestSweep(t *testing.T) {
	logger, hook := test.NewNullLogger()
	repo := rbac.NewMemoryRepository()
	recorder := audit.NewMemoryLogger()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine := rbac.New(repo,
		rbac.WithLogger(logger),
		rbac.WithAuditLogger(recorder),
		rbac.WithClock(func() time.Time { return clock }),
	)
	ctx := context.Background()

	role, err := engine.Catalog.CreateRole(ctx, rbac.CreateRoleRequest{Name: "contractor", Level: 5})
	require.NoError(t, err)
	until := clock.Add(time.Hour)
	_, err = engine.Assignments.AssignRoleToUser(ctx, rbac.AssignRoleRequest{
		UserID:         "u1",
		RoleID:         role.ID,
		EffectiveUntil: &until,
	})
	require.NoError(t, err)

	sweep(ctx, engine.Assignments, logger)
	assert.Empty(t, recorder.OfType(audit.EventTypeAssignmentExpire))

	clock = clock.Add(2 * time.Hour)
	sweep(ctx, engine.Assignments, logger)

	expired := recorder.OfType(audit.EventTypeAssignmentExpire)
	require.Len(t, expired, 1)
	assert.Equal(t, sweeperActor, expired[0].Actor)
	assert.Equal(t, "expired access deactivated", hook.LastEntry().Message)
}

func TestStartSweeper_InvalidSchedule(t *testing.T) {
	logger, _ := test.NewNullLogger()
	engine := rbac.New(rbac.NewMemoryRepository(), rbac.WithLogger(logger))

	_, err := startSweeper("every tuesday", engine.Assignments, logger)
	assert.Error(t, err)

	c, err := startSweeper("@every 1h", engine.Assignments, logger)
	require.NoError(t, err)
	<-c.Stop().Done()
}

func TestRun(t *testing.T) {
	seedPath := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(`
permissions:
  - {resource_type: report, action: view}
roles:
  - {name: viewer, permissions: [report:view:global]}
`), 0o644))

	storageCfg := storage.DefaultConfig()
	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:            "127.0.0.1:0",
			ReadTimeout:     time.Second,
			WriteTimeout:    time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Storage: storageCfg,
		Engine: config.EngineConfig{
			SweepSchedule: "@every 1h",
			SeedPath:      seedPath,
			SeedWatch:     true,
		},
		Observability: config.ObservabilityConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			MetricsEnabled: true,
		},
	}
	require.NoError(t, cfg.Validate())

	logger, hook := test.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, logger) }()

	require.Eventually(t, func() bool {
		return hasMessage(hook, "seed catalog applied")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
	assert.True(t, hasMessage(hook, "expiry sweeper started"))
}

func TestRun_SeedFailure(t *testing.T) {
	cfg := &config.Config{
		Storage: storage.DefaultConfig(),
		Engine:  config.EngineConfig{SeedPath: filepath.Join(t.TempDir(), "missing.yaml")},
	}
	logger, _ := test.NewNullLogger()

	err := run(context.Background(), cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to apply seed catalog")
}

func hasMessage(hook *test.Hook, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Message == msg {
			return true
		}
	}
	return false
}
