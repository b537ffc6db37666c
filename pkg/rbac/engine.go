package rbac

import (
	"context"
	"errors"
	"time"

	"github.com/platinummonkey/accessgrid/pkg/audit"
	"github.com/platinummonkey/accessgrid/pkg/observability"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/platinummonkey/accessgrid/pkg/rbac"

// Engine bundles the access-control services over one repository.
type Engine struct {
	Catalog     *Catalog
	Assignments *AssignmentStore
	Resolver    *Resolver
	Matrix      *Matrix
	Templates   *Composer
}

// Option configures an Engine.
type Option func(*env)

// WithLogger sets the logger. Defaults to the logrus standard logger.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *env) { e.logger = logger }
}

// WithAuditLogger sets the audit sink. Defaults to a no-op sink.
func WithAuditLogger(logger audit.Logger) Option {
	return func(e *env) { e.audit = logger }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *env) { e.metrics = m }
}

// WithCache enables caching of resolved permission sets.
func WithCache(c Cache) Option {
	return func(e *env) { e.cache = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *env) { e.now = now }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *env) { e.tracer = t }
}

// WithRoleInheritance makes resolution also union the grants of every
// ancestor of an assigned role. Off by default.
func WithRoleInheritance(enabled bool) Option {
	return func(e *env) { e.inherit = enabled }
}

// WithConditionEvaluator installs a predicate run over entries that carry
// conditions, after attribution. Entries it rejects are dropped.
func WithConditionEvaluator(fn ConditionEvaluator) Option {
	return func(e *env) { e.conditions = fn }
}

// WithDecisionAudit emits an rbac.decision event for every Check.
func WithDecisionAudit(enabled bool) Option {
	return func(e *env) { e.auditDecisions = enabled }
}

// New wires the services over repo.
func New(repo Repository, opts ...Option) *Engine {
	e := &env{
		repo:   repo,
		logger: logrus.StandardLogger(),
		audit:  audit.NopLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(instrumentationName)
	}

	resolver := &Resolver{env: e}
	assignments := &AssignmentStore{env: e}
	return &Engine{
		Catalog:     &Catalog{env: e},
		Assignments: assignments,
		Resolver:    resolver,
		Matrix:      &Matrix{env: e},
		Templates:   &Composer{env: e, assignments: assignments},
	}
}

// env is the state shared by the services of one Engine.
type env struct {
	repo           Repository
	logger         logrus.FieldLogger
	audit          audit.Logger
	metrics        *observability.Metrics
	cache          Cache
	now            func() time.Time
	tracer         trace.Tracer
	inherit        bool
	conditions     ConditionEvaluator
	auditDecisions bool
}

func (e *env) clock() time.Time {
	return e.now().UTC()
}

func (e *env) log(ctx context.Context) logrus.FieldLogger {
	return observability.FromContext(ctx, e.logger)
}

// record finishes a mutation: it stamps and emits the audit event, counts the
// outcome and logs failures. It returns err unchanged.
func (e *env) record(ctx context.Context, operation string, ev *audit.Event, err error) error {
	ev.Actor = audit.ActorFromContext(ctx)
	ev.WithError(err)
	if ev.Outcome == audit.EventStatusFailure && errors.Is(err, ErrImmutable) {
		ev.Outcome = audit.EventStatusDenied
	}
	if auditErr := e.audit.Log(ctx, ev); auditErr != nil {
		e.log(ctx).WithError(auditErr).WithField("event_type", string(ev.Type)).Warn("failed to write audit event")
	}

	outcome := Category(err)
	e.metrics.RecordMutation(operation, outcome)
	if err != nil {
		entry := e.log(ctx).WithError(err).WithFields(logrus.Fields{
			"operation": operation,
			"outcome":   outcome,
		})
		if outcome == "error" {
			entry.Error("access mutation failed")
		} else {
			entry.Debug("access mutation rejected")
		}
	}
	return err
}

// invalidateUsers drops cached sets for the given users.
func (e *env) invalidateUsers(ctx context.Context, reason string, users ...string) {
	if e.cache == nil || len(users) == 0 {
		return
	}
	if err := e.cache.InvalidateUser(ctx, users...); err != nil {
		// A failed invalidation could serve stale sets; fall back to a purge.
		e.log(ctx).WithError(err).Warn("cache invalidation failed, purging")
		e.purge(ctx, reason)
		return
	}
	e.metrics.RecordInvalidation(reason, len(users))
}

// invalidateRoleHolders drops cached sets of everyone holding roleID. With
// inheritance the holders of descendant roles are affected too, so the whole
// cache goes.
func (e *env) invalidateRoleHolders(ctx context.Context, roleID int64) {
	if e.cache == nil {
		return
	}
	if e.inherit {
		e.purge(ctx, "role_write")
		return
	}
	users, err := e.repo.ListRoleHolders(ctx, roleID)
	if err != nil {
		e.log(ctx).WithError(err).WithField("role_id", roleID).Warn("listing role holders failed, purging cache")
		e.purge(ctx, "role_write")
		return
	}
	e.invalidateUsers(ctx, "role_write", users...)
}

func (e *env) purge(ctx context.Context, reason string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Purge(ctx); err != nil {
		e.log(ctx).WithError(err).Error("cache purge failed")
		return
	}
	e.metrics.RecordInvalidation(reason, 1)
}
