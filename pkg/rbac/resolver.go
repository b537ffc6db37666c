package rbac

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/accessgrid/pkg/audit"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// ConditionEvaluator decides whether an effective permission that carries
// conditions holds for a request. It runs after attribution on every
// resolution, cached or not. Returning false drops the entry.
type ConditionEvaluator func(ctx context.Context, req ResolveRequest, perm EffectivePermission) (bool, error)

// Resolver computes effective permission sets.
type Resolver struct {
	env   *env
	group singleflight.Group
}

// Resolve returns the permissions user req.UserID holds in req.Scope at
// req.AsOf. A zero AsOf means now.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*EffectivePermissionSet, error) {
	start := time.Now()
	if err := req.normalize(r.env.clock()); err != nil {
		return nil, err
	}

	ctx, span := r.env.tracer.Start(ctx, "rbac.Resolve", trace.WithAttributes(
		attribute.String("rbac.user_id", req.UserID),
		attribute.String("rbac.scope", req.Scope.String()),
		attribute.String("rbac.as_of", req.AsOf.Format(time.RFC3339Nano)),
	))
	defer span.End()

	set, cacheState, err := r.resolve(ctx, req)
	if err == nil {
		set, err = r.applyConditions(ctx, req, set)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("rbac.cache", cacheState),
		attribute.Int("rbac.permissions", len(set.Permissions)),
		attribute.Int("rbac.denied", len(set.Denied)),
	)
	r.env.metrics.RecordResolution(cacheState, time.Since(start))
	return set, nil
}

func (r *Resolver) resolve(ctx context.Context, req ResolveRequest) (*EffectivePermissionSet, string, error) {
	cache := r.env.cache
	if cache == nil {
		set, err := r.compute(ctx, req)
		return set, "bypass", err
	}

	// The stamp must be read before the snapshot so that a write landing
	// in between makes the stored set unreachable.
	stamp, err := cache.Generation(ctx, req.UserID)
	if err != nil {
		r.env.log(ctx).WithError(err).Warn("resolution cache unavailable")
		set, err := r.compute(ctx, req)
		return set, "bypass", err
	}

	cached, ok, err := cache.Get(ctx, req.UserID, req.Scope)
	if err != nil {
		r.env.log(ctx).WithError(err).Warn("resolution cache read failed")
	} else if ok && cached.Covers(req.AsOf) {
		cached.AsOf = req.AsOf
		return cached, "hit", nil
	}

	key := fmt.Sprintf("%s|%s|%d", req.UserID, req.Scope, stamp)
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		set, err := r.compute(ctx, req)
		if err != nil {
			return nil, err
		}
		// Historical queries are answered but only sets valid now are kept.
		if set.Covers(r.env.clock()) {
			if _, err := cache.Set(ctx, stamp, set); err != nil {
				r.env.log(ctx).WithError(err).Warn("resolution cache write failed")
			}
		}
		return set, nil
	})
	if err != nil {
		return nil, "miss", err
	}

	shared := v.(*EffectivePermissionSet)
	if !shared.Covers(req.AsOf) {
		// Joined a flight for a different instant.
		set, err := r.compute(ctx, req)
		return set, "miss", err
	}
	set := cloneSet(shared)
	set.AsOf = req.AsOf
	return set, "miss", nil
}

func (r *Resolver) compute(ctx context.Context, req ResolveRequest) (*EffectivePermissionSet, error) {
	snap, err := r.env.repo.PrincipalSnapshot(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("reading principal snapshot: %w", err)
	}
	return computeEffective(snap, req.Scope, req.AsOf, r.env.inherit), nil
}

func (r *Resolver) applyConditions(ctx context.Context, req ResolveRequest, set *EffectivePermissionSet) (*EffectivePermissionSet, error) {
	if r.env.conditions == nil {
		return set, nil
	}
	kept := set.Permissions[:0:0]
	for _, p := range set.Permissions {
		if len(p.Permission.Conditions) == 0 {
			kept = append(kept, p)
			continue
		}
		ok, err := r.env.conditions(ctx, req, p)
		if err != nil {
			return nil, fmt.Errorf("evaluating conditions of %s: %w", p.Key, err)
		}
		if ok {
			kept = append(kept, p)
		}
	}
	set.Permissions = kept
	return set, nil
}

// ParsePermissionKey validates a resource:action:scope key and returns it in
// canonical form, so "report:view:dept" becomes "report:view:department".
func ParsePermissionKey(key string) (string, error) {
	parts := strings.Split(strings.TrimSpace(key), ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", invalid("permission_key", "%q is not resource:action:scope", key)
	}
	level, err := ParseScopeLevel(parts[2])
	if err != nil {
		return "", invalid("permission_key", "%q has an unknown scope level", key)
	}
	return PermissionKey(parts[0], parts[1], level), nil
}

// Check answers whether userID may use permissionKey in scope at asOf. A zero
// asOf means now.
func (r *Resolver) Check(ctx context.Context, userID, permissionKey string, scope Scope, asOf time.Time) (*Decision, error) {
	key, err := ParsePermissionKey(permissionKey)
	if err != nil {
		return nil, err
	}
	set, err := r.Resolve(ctx, ResolveRequest{UserID: userID, Scope: scope, AsOf: asOf})
	if err != nil {
		return nil, err
	}

	d := &Decision{CheckedAt: set.AsOf, Reason: "not granted"}
	if p, ok := set.LookupKey(key); ok {
		src := p.Source
		d.Allowed = true
		d.Source = &src
		if src.Kind == SourceDirect {
			d.Reason = "granted directly"
		} else {
			d.Reason = fmt.Sprintf("granted by role %s", src.RoleName)
		}
	} else {
		for _, denied := range set.Denied {
			if denied.Key == key {
				d.Reason = fmt.Sprintf("denied: %s", denied.Reason)
				break
			}
		}
	}

	r.env.metrics.RecordDecision(d.Allowed)
	r.env.log(ctx).WithFields(logrus.Fields{
		"user_id":    set.UserID,
		"permission": key,
		"scope":      set.Scope.String(),
		"allowed":    d.Allowed,
	}).Debug("access decision")

	if r.env.auditDecisions {
		outcome := audit.EventStatusSuccess
		if !d.Allowed {
			outcome = audit.EventStatusDenied
		}
		ev := audit.NewEvent(audit.EventTypeDecision, outcome)
		ev.Actor = audit.ActorFromContext(ctx)
		ev.UserID, ev.Scope, ev.Reason, ev.Message = set.UserID, string(set.Scope), d.Reason, key
		if err := r.env.audit.Log(ctx, ev); err != nil {
			r.env.log(ctx).WithError(err).Warn("failed to write audit event")
		}
	}
	return d, nil
}
