package rbac

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/accessgrid/pkg/audit"
	"github.com/sirupsen/logrus"
)

// AssignmentStore manages role grants, user role assignments and user
// permission overrides. Every mutation is a single repository operation.
type AssignmentStore struct {
	env *env
}

// checkGrantable loads both sides of a role grant and rejects system entities.
func (s *AssignmentStore) checkGrantable(ctx context.Context, roleID, permissionID int64) (*Role, *Permission, error) {
	role, err := s.env.repo.GetRole(ctx, roleID)
	if err != nil {
		return nil, nil, err
	}
	perm, err := s.env.repo.GetPermission(ctx, permissionID)
	if err != nil {
		return nil, nil, err
	}
	if role.IsSystemRole {
		return role, perm, fmt.Errorf("%w: role %q is a system role", ErrImmutable, role.Name)
	}
	if perm.IsSystemPermission {
		return role, perm, fmt.Errorf("%w: permission %s is a system permission", ErrImmutable, perm.Key())
	}
	return role, perm, nil
}

func grantEvent(eventType audit.EventType, roleID, permissionID int64) *audit.Event {
	ev := audit.NewEvent(eventType, audit.EventStatusSuccess)
	ev.RoleID = roleID
	ev.PermissionID = permissionID
	return ev
}

// GrantRolePermission adds permissionID to roleID. It fails with ErrConflict
// if the grant already exists.
func (s *AssignmentStore) GrantRolePermission(ctx context.Context, roleID, permissionID int64) error {
	ev := grantEvent(audit.EventTypeRoleGrantCreate, roleID, permissionID)
	if _, _, err := s.checkGrantable(ctx, roleID, permissionID); err != nil {
		return s.env.record(ctx, "grant_role_permission", ev, err)
	}
	if err := s.env.repo.InsertRoleGrant(ctx, roleID, permissionID); err != nil {
		return s.env.record(ctx, "grant_role_permission", ev, err)
	}
	s.env.invalidateRoleHolders(ctx, roleID)
	return s.env.record(ctx, "grant_role_permission", ev, nil)
}

// RevokeRolePermission removes permissionID from roleID. It fails with
// ErrNotFound if the grant does not exist.
func (s *AssignmentStore) RevokeRolePermission(ctx context.Context, roleID, permissionID int64) error {
	ev := grantEvent(audit.EventTypeRoleGrantRevoke, roleID, permissionID)
	if _, _, err := s.checkGrantable(ctx, roleID, permissionID); err != nil {
		return s.env.record(ctx, "revoke_role_permission", ev, err)
	}
	if err := s.env.repo.DeleteRoleGrant(ctx, roleID, permissionID); err != nil {
		return s.env.record(ctx, "revoke_role_permission", ev, err)
	}
	s.env.invalidateRoleHolders(ctx, roleID)
	return s.env.record(ctx, "revoke_role_permission", ev, nil)
}

// ListRolePermissions returns the permissions granted directly to roleID.
func (s *AssignmentStore) ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	if _, err := s.env.repo.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	grants, err := s.env.repo.ListRoleGrants(ctx, []int64{roleID})
	if err != nil {
		return nil, err
	}
	if len(grants) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(grants))
	for _, g := range grants {
		ids = append(ids, g.PermissionID)
	}
	return s.env.repo.ListPermissions(ctx, PermissionFilter{IDs: ids, IncludeInactive: true})
}

// AssignRoleToUser binds a role to a user. It fails with ErrConflict if an
// identical active assignment (same user, role and scope) exists.
func (s *AssignmentStore) AssignRoleToUser(ctx context.Context, req AssignRoleRequest) (*UserRoleAssignment, error) {
	ev := audit.NewEvent(audit.EventTypeAssignmentCreate, audit.EventStatusSuccess)
	ev.UserID, ev.RoleID = req.UserID, req.RoleID

	now := s.env.clock()
	if err := req.normalize(now); err != nil {
		return nil, s.env.record(ctx, "assign_role", ev, err)
	}
	ev.UserID, ev.Scope = req.UserID, string(req.Scope)

	a := &UserRoleAssignment{
		UserID:         req.UserID,
		RoleID:         req.RoleID,
		Scope:          req.Scope,
		EffectiveFrom:  req.EffectiveFrom.UTC(),
		EffectiveUntil: utcPtr(req.EffectiveUntil),
		GrantedBy:      audit.ActorFromContext(ctx),
	}
	if err := s.env.repo.InsertAssignment(ctx, a, now); err != nil {
		return nil, s.env.record(ctx, "assign_role", ev, err)
	}
	s.env.invalidateUsers(ctx, "user_write", a.UserID)
	return a, s.env.record(ctx, "assign_role", ev, nil)
}

// RevokeRoleFromUser deactivates the matching active assignment. It fails
// with ErrNotFound if there is none.
func (s *AssignmentStore) RevokeRoleFromUser(ctx context.Context, userID string, roleID int64, scope Scope) error {
	ev := audit.NewEvent(audit.EventTypeAssignmentRevoke, audit.EventStatusSuccess)
	ev.UserID, ev.RoleID = userID, roleID

	scope, err := ParseScope(string(scope))
	if err != nil {
		return s.env.record(ctx, "revoke_role", ev, err)
	}
	ev.Scope = string(scope)
	if _, err := s.env.repo.DeactivateAssignment(ctx, userID, roleID, scope, s.env.clock()); err != nil {
		return s.env.record(ctx, "revoke_role", ev, err)
	}
	s.env.invalidateUsers(ctx, "user_write", userID)
	return s.env.record(ctx, "revoke_role", ev, nil)
}

// SetUserPermissionOverride grants or denies a permission directly. It fails
// with ErrConflict if an active override exists for the same user,
// permission and scope, and with a ValidationError on "reason" when a deny
// has no reason.
func (s *AssignmentStore) SetUserPermissionOverride(ctx context.Context, req OverrideRequest) (*UserPermissionOverride, error) {
	ev := audit.NewEvent(audit.EventTypeOverrideSet, audit.EventStatusSuccess)
	ev.UserID, ev.PermissionID, ev.Reason = req.UserID, req.PermissionID, req.Reason
	ev.WithMetadata("is_granted", req.IsGranted)

	now := s.env.clock()
	if err := req.normalize(now); err != nil {
		return nil, s.env.record(ctx, "set_override", ev, err)
	}
	ev.UserID, ev.Scope, ev.Reason = req.UserID, string(req.Scope), req.Reason

	o := &UserPermissionOverride{
		UserID:         req.UserID,
		PermissionID:   req.PermissionID,
		IsGranted:      req.IsGranted,
		Scope:          req.Scope,
		Reason:         req.Reason,
		EffectiveFrom:  req.EffectiveFrom.UTC(),
		EffectiveUntil: utcPtr(req.EffectiveUntil),
		GrantedBy:      audit.ActorFromContext(ctx),
	}
	if err := s.env.repo.InsertOverride(ctx, o, now); err != nil {
		return nil, s.env.record(ctx, "set_override", ev, err)
	}
	s.env.invalidateUsers(ctx, "user_write", o.UserID)
	return o, s.env.record(ctx, "set_override", ev, nil)
}

// ClearUserPermissionOverride deactivates the matching active override. It
// fails with ErrNotFound if there is none.
func (s *AssignmentStore) ClearUserPermissionOverride(ctx context.Context, userID string, permissionID int64, scope Scope) error {
	ev := audit.NewEvent(audit.EventTypeOverrideClear, audit.EventStatusSuccess)
	ev.UserID, ev.PermissionID = userID, permissionID

	scope, err := ParseScope(string(scope))
	if err != nil {
		return s.env.record(ctx, "clear_override", ev, err)
	}
	ev.Scope = string(scope)
	if _, err := s.env.repo.DeactivateOverride(ctx, userID, permissionID, scope, s.env.clock()); err != nil {
		return s.env.record(ctx, "clear_override", ev, err)
	}
	s.env.invalidateUsers(ctx, "user_write", userID)
	return s.env.record(ctx, "clear_override", ev, nil)
}

// ListUserAssignments returns every assignment row of the user, including
// revoked and expired ones. Use IsEffectiveAt to filter.
func (s *AssignmentStore) ListUserAssignments(ctx context.Context, userID string) ([]UserRoleAssignment, error) {
	return s.env.repo.ListAssignments(ctx, userID)
}

// ListUserOverrides returns every override row of the user, including
// cleared and expired ones.
func (s *AssignmentStore) ListUserOverrides(ctx context.Context, userID string) ([]UserPermissionOverride, error) {
	return s.env.repo.ListOverrides(ctx, userID)
}

// SweepResult reports what an expiry sweep deactivated.
type SweepResult struct {
	Assignments []UserRoleAssignment
	Overrides   []UserPermissionOverride
}

// SweepExpired deactivates every assignment and override whose upper bound
// has passed, invalidates the affected users and emits one expire event per
// row. Resolution already ignores such rows; the sweep keeps the active flag
// and the conflict checks honest.
func (s *AssignmentStore) SweepExpired(ctx context.Context) (*SweepResult, error) {
	assignments, overrides, err := s.env.repo.DeactivateExpired(ctx, s.env.clock())
	if err != nil {
		return nil, fmt.Errorf("sweeping expired grants: %w", err)
	}

	users := make(map[string]struct{})
	for _, a := range assignments {
		users[a.UserID] = struct{}{}
		ev := audit.NewEvent(audit.EventTypeAssignmentExpire, audit.EventStatusSuccess)
		ev.UserID, ev.RoleID, ev.Scope = a.UserID, a.RoleID, string(a.Scope)
		s.env.record(ctx, "expire_assignment", ev, nil)
	}
	for _, o := range overrides {
		users[o.UserID] = struct{}{}
		ev := audit.NewEvent(audit.EventTypeOverrideExpire, audit.EventStatusSuccess)
		ev.UserID, ev.PermissionID, ev.Scope, ev.Reason = o.UserID, o.PermissionID, string(o.Scope), o.Reason
		s.env.record(ctx, "expire_override", ev, nil)
	}

	affected := make([]string, 0, len(users))
	for u := range users {
		affected = append(affected, u)
	}
	s.env.invalidateUsers(ctx, "expiry", affected...)
	s.env.metrics.RecordExpired("assignment", len(assignments))
	s.env.metrics.RecordExpired("override", len(overrides))

	if len(assignments)+len(overrides) > 0 {
		s.env.log(ctx).WithFields(logrus.Fields{
			"assignments": len(assignments),
			"overrides":   len(overrides),
			"users":       len(affected),
		}).Info("deactivated expired grants")
	}
	return &SweepResult{Assignments: assignments, Overrides: overrides}, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
