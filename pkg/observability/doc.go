// Package observability provides logging, Prometheus metrics, OpenTelemetry
// tracing, health checks and graceful shutdown for the accessgrid binaries.
//
// # Logging
//
// Loggers are logrus loggers configured from LogConfig:
//
//	logger, err := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	observability.FromContext(ctx, logger).WithField("user_id", id).Info("resolved")
//
// FromContext adds the request ID and, when a span is active, trace_id and span_id.
//
// # Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	engine := rbac.New(repo, rbac.WithMetrics(metrics))
//
// A nil *Metrics is accepted everywhere and records nothing.
//
// # Health
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// /health/live always answers 200; /health/ready answers 503 when the
// database is unreachable and reports Redis failures as degraded.
package observability
