package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/accessgrid/pkg/httputil"
	"github.com/platinummonkey/accessgrid/pkg/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// newRouter builds the operations listener: health probes and, when a
// gatherer is given, the Prometheus endpoint.
func newRouter(checker *observability.HealthChecker, metrics *observability.Metrics, gatherer prometheus.Gatherer, logger logrus.FieldLogger) http.Handler {
	router := mux.NewRouter()
	if metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(metrics))
	}

	observability.RegisterHealthRoutes(router, checker)
	if gatherer != nil {
		observability.RegisterMetricsEndpoint(router, gatherer)
	}
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "not found")
	})

	handler := httputil.Chain(
		httputil.RecoveryMiddleware(logger),
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(logger),
	)(router)
	return otelhttp.NewHandler(handler, "accessd")
}
