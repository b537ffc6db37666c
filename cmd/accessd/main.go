package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/platinummonkey/accessgrid/pkg/audit"
	"github.com/platinummonkey/accessgrid/pkg/config"
	"github.com/platinummonkey/accessgrid/pkg/observability"
	"github.com/platinummonkey/accessgrid/pkg/rbac"
	"github.com/platinummonkey/accessgrid/pkg/seed"
	"github.com/platinummonkey/accessgrid/pkg/storage"
	"github.com/platinummonkey/accessgrid/pkg/storage/postgres"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Observability.LogConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.WithError(err).Fatal("accessd stopped")
	}
}

// run starts the daemon and blocks until a signal arrives or ctx is done.
func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(audit.WithActor(ctx, "accessd"))
	defer cancel()

	otelCfg := cfg.Observability.OTelConfig()
	if otelCfg.ServiceVersion == "" {
		otelCfg.ServiceVersion = version
	}
	providers, err := observability.InitOTel(ctx, otelCfg, logger)
	if err != nil {
		return err
	}

	var (
		metrics  *observability.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Observability.MetricsEnabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.NewMetrics(registry)
		gatherer = registry
	}

	backend, err := storage.Open(ctx, cfg.Storage, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	logger.WithField("type", cfg.Storage.Type).Info("storage ready")

	auditLogger, err := audit.NewSink(logger, cfg.Observability.AuditLogDir)
	if err != nil {
		backend.Close()
		return err
	}

	opts := []rbac.Option{
		rbac.WithLogger(logger),
		rbac.WithAuditLogger(auditLogger),
		rbac.WithMetrics(metrics),
		rbac.WithTracer(observability.Tracer("github.com/platinummonkey/accessgrid/cmd/accessd")),
		rbac.WithRoleInheritance(cfg.Engine.RoleInheritance),
		rbac.WithDecisionAudit(cfg.Engine.DecisionAudit),
	}
	engine := rbac.New(backend.Repository, append(opts, backend.EngineOptions()...)...)

	if path := cfg.Engine.SeedPath; path != "" {
		applier := seed.NewApplier(engine, backend.Repository, backend.Cache, logger)
		apply := func(ctx context.Context) error {
			catalog, err := seed.Load(path)
			if err != nil {
				return err
			}
			_, err = applier.Apply(ctx, catalog)
			return err
		}
		if err := apply(ctx); err != nil {
			backend.Close()
			return fmt.Errorf("failed to apply seed catalog: %w", err)
		}
		if cfg.Engine.SeedWatch {
			if err := seed.Watch(ctx, path, seed.DefaultDebounce, logger, apply); err != nil {
				backend.Close()
				return err
			}
		}
	}

	if backend.DB != nil && metrics != nil {
		postgres.StartStatsReporter(ctx, backend.DB, metrics, 0, logger)
	}

	stopSweeper := func(context.Context) error { return nil }
	if schedule := cfg.Engine.SweepSchedule; schedule != "" {
		c, err := startSweeper(schedule, engine.Assignments, logger)
		if err != nil {
			backend.Close()
			return err
		}
		stopSweeper = func(ctx context.Context) error {
			select {
			case <-c.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      newRouter(observability.NewHealthChecker(backend.DB, backend.Redis, version), metrics, gatherer, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("engine", func(ctx context.Context) error {
		cancel()
		sweepErr := stopSweeper(ctx)
		return errors.Join(sweepErr, auditLogger.Close(), backend.Close())
	})
	shutdown.RegisterShutdownFunc("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	listenErr := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":    cfg.Server.Addr,
			"version": version,
		}).Info("accessd listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
			cancel()
		}
	}()

	shutdownErr := shutdown.WaitForShutdown(ctx)
	select {
	case err := <-listenErr:
		return errors.Join(fmt.Errorf("listener failed: %w", err), shutdownErr)
	default:
		return shutdownErr
	}
}
