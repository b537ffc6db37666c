package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"

	"github.com/platinummonkey/accessgrid/pkg/audit"
	"github.com/platinummonkey/accessgrid/pkg/config"
	"github.com/platinummonkey/accessgrid/pkg/observability"
	"github.com/platinummonkey/accessgrid/pkg/rbac"
	"github.com/platinummonkey/accessgrid/pkg/storage"
)

// DefaultEnv writes to the standard streams and opens the engine described
// by the ACCESSGRID_* environment.
func DefaultEnv() *Env {
	return &Env{
		Out:  os.Stdout,
		Err:  os.Stderr,
		Open: func(ctx context.Context) (*Session, error) { return OpenSession(ctx, os.Stderr) },
	}
}

// OpenSession loads configuration and opens an engine over the configured
// backend. Logs go to logOut.
func OpenSession(ctx context.Context, logOut io.Writer) (*Session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logCfg := cfg.Observability.LogConfig()
	logCfg.Output = logOut
	logger, err := observability.NewLogger(logCfg)
	if err != nil {
		return nil, err
	}

	backend, err := storage.Open(ctx, cfg.Storage, logger, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	auditLogger, err := audit.NewSink(logger, cfg.Observability.AuditLogDir)
	if err != nil {
		backend.Close()
		return nil, err
	}

	opts := []rbac.Option{
		rbac.WithLogger(logger),
		rbac.WithAuditLogger(auditLogger),
		rbac.WithRoleInheritance(cfg.Engine.RoleInheritance),
		rbac.WithDecisionAudit(cfg.Engine.DecisionAudit),
	}
	opts = append(opts, backend.EngineOptions()...)

	return &Session{
		Engine:  rbac.New(backend.Repository, opts...),
		Backend: backend,
		Logger:  logger,
		Close: func() error {
			return errors.Join(auditLogger.Close(), backend.Close())
		},
	}, nil
}

// Actor names the operator recorded on audit events.
func Actor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "accessctl:" + u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return "accessctl:" + name
	}
	return "accessctl"
}
