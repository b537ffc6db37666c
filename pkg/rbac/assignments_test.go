package rbac

import (
	"testing"
	"time"

	"github.com/platinummonkey/accessgrid/pkg/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssignmentStore_GrantAndRevoke(t *testing.T) {
	f := newFixture(t)
	p := f.permission("report", "view", ScopeGlobal)
	r := f.role("viewer", 10)

	require.NoError(t, f.engine.Assignments.GrantRolePermission(f.ctx, r.ID, p.ID))
	assert.ErrorIs(t, f.engine.Assignments.GrantRolePermission(f.ctx, r.ID, p.ID), ErrConflict)

	perms, err := f.engine.Assignments.ListRolePermissions(f.ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, p.ID, perms[0].ID)

	require.NoError(t, f.engine.Assignments.RevokeRolePermission(f.ctx, r.ID, p.ID))
	assert.ErrorIs(t, f.engine.Assignments.RevokeRolePermission(f.ctx, r.ID, p.ID), ErrNotFound)

	assert.ErrorIs(t, f.engine.Assignments.GrantRolePermission(f.ctx, 999, p.ID), ErrNotFound)
	assert.ErrorIs(t, f.engine.Assignments.GrantRolePermission(f.ctx, r.ID, 999), ErrNotFound)

	creates := f.events.OfType(audit.EventTypeRoleGrantCreate)
	require.Len(t, creates, 4)
	assert.Equal(t, audit.EventStatusSuccess, creates[0].Outcome)
	assert.Equal(t, r.ID, creates[0].RoleID)
	assert.Equal(t, p.ID, creates[0].PermissionID)
	assert.Equal(t, audit.EventStatusFailure, creates[1].Outcome)
	assert.Contains(t, creates[1].Error, "conflict")
}

func TestAssignmentStore_SystemGuards(t *testing.T) {
	f := newFixture(t)
	p := f.permission("report", "view", ScopeGlobal)
	sysPerm := f.systemPermission("settings", "manage", ScopeGlobal)
	r := f.role("viewer", 10)
	sysRole := f.systemRole("root", 100)
	// Seeded system grants exist; the service only refuses to edit them.
	f.seedGrant(sysRole.ID, p.ID)

	tests := []struct {
		name         string
		roleID, perm int64
	}{
		{"system role", sysRole.ID, p.ID},
		{"system permission", r.ID, sysPerm.ID},
		{"both", sysRole.ID, sysPerm.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, f.engine.Assignments.GrantRolePermission(f.ctx, tt.roleID, tt.perm), ErrImmutable)
			assert.ErrorIs(t, f.engine.Assignments.RevokeRolePermission(f.ctx, tt.roleID, tt.perm), ErrImmutable)
		})
	}

	grants, err := f.repo.ListRoleGrants(f.ctx, []int64{sysRole.ID, r.ID})
	require.NoError(t, err)
	assert.Equal(t, []RoleGrant{{RoleID: sysRole.ID, PermissionID: p.ID}}, grants)
}

func TestAssignmentStore_AssignRole(t *testing.T) {
	f := newFixture(t)
	r := f.role("viewer", 10)

	a := f.assign("u1", r.ID, "dept:D1")
	assert.Equal(t, MustScope("department:D1"), a.Scope)
	assert.Equal(t, baseTime, a.EffectiveFrom)
	assert.Equal(t, "admin", a.GrantedBy)
	assert.True(t, a.IsActive)

	_, err := f.engine.Assignments.AssignRoleToUser(f.ctx, AssignRoleRequest{UserID: "u1", RoleID: r.ID, Scope: "department:D1"})
	assert.ErrorIs(t, err, ErrConflict)

	// Same role at another scope is a distinct assignment.
	f.assign("u1", r.ID, "department:D2")

	_, err = f.engine.Assignments.AssignRoleToUser(f.ctx, AssignRoleRequest{UserID: "u1", RoleID: 999})
	assert.ErrorIs(t, err, ErrNotFound)

	var verr *ValidationError
	_, err = f.engine.Assignments.AssignRoleToUser(f.ctx, AssignRoleRequest{RoleID: r.ID})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "user_id", verr.Field)

	_, err = f.engine.Assignments.AssignRoleToUser(f.ctx, AssignRoleRequest{
		UserID:         "u2",
		RoleID:         r.ID,
		EffectiveUntil: timePtr(baseTime.Add(-time.Hour)),
	})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "effective_until", verr.Field)

	rows, err := f.engine.Assignments.ListUserAssignments(f.ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestAssignmentStore_ExpiredAssignmentDoesNotConflict(t *testing.T) {
	f := newFixture(t)
	r := f.role("viewer", 10)
	_, err := f.engine.Assignments.AssignRoleToUser(f.ctx, AssignRoleRequest{
		UserID:         "u1",
		RoleID:         r.ID,
		EffectiveUntil: timePtr(baseTime.Add(time.Hour)),
	})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	f.assign("u1", r.ID, "")

	rows, err := f.engine.Assignments.ListUserAssignments(f.ctx, "u1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.False(t, rows[0].IsActive)
	assert.True(t, rows[1].IsActive)
}

func TestAssignmentStore_RevokeRole(t *testing.T) {
	f := newFixture(t)
	r := f.role("viewer", 10)
	f.assign("u1", r.ID, "department:D1")

	assert.ErrorIs(t, f.engine.Assignments.RevokeRoleFromUser(f.ctx, "u1", r.ID, MustScope("department:D2")), ErrNotFound)
	require.NoError(t, f.engine.Assignments.RevokeRoleFromUser(f.ctx, "u1", r.ID, "dept:D1"))
	assert.ErrorIs(t, f.engine.Assignments.RevokeRoleFromUser(f.ctx, "u1", r.ID, MustScope("department:D1")), ErrNotFound)
	assert.ErrorIs(t, f.engine.Assignments.RevokeRoleFromUser(f.ctx, "u1", r.ID, "nonsense"), ErrValidation)

	revokes := f.events.OfType(audit.EventTypeAssignmentRevoke)
	require.Len(t, revokes, 4)
	assert.Equal(t, audit.EventStatusSuccess, revokes[1].Outcome)
	assert.Equal(t, "department:D1", revokes[1].Scope)
}

func TestAssignmentStore_Overrides(t *testing.T) {
	f := newFixture(t)
	p := f.permission("report", "view", ScopeGlobal)

	var verr *ValidationError
	_, err := f.engine.Assignments.SetUserPermissionOverride(f.ctx, OverrideRequest{UserID: "u1", PermissionID: p.ID, Reason: "   "})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "reason", verr.Field)

	o := f.override("u1", p.ID, false, "department:D1", " suspended ")
	assert.Equal(t, "suspended", o.Reason)
	assert.False(t, o.IsGranted)

	_, err = f.engine.Assignments.SetUserPermissionOverride(f.ctx, OverrideRequest{UserID: "u1", PermissionID: p.ID, IsGranted: true, Scope: "department:D1"})
	assert.ErrorIs(t, err, ErrConflict)

	// A different scope is a different override.
	f.override("u1", p.ID, true, "department:D2", "")

	_, err = f.engine.Assignments.SetUserPermissionOverride(f.ctx, OverrideRequest{UserID: "u1", PermissionID: 999, IsGranted: true})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, f.engine.Assignments.ClearUserPermissionOverride(f.ctx, "u1", p.ID, MustScope("department:D1")))
	assert.ErrorIs(t, f.engine.Assignments.ClearUserPermissionOverride(f.ctx, "u1", p.ID, MustScope("department:D1")), ErrNotFound)

	rows, err := f.engine.Assignments.ListUserOverrides(f.ctx, "u1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.False(t, rows[0].IsActive)
	assert.True(t, rows[1].IsActive)

	sets := f.events.OfType(audit.EventTypeOverrideSet)
	require.Len(t, sets, 5)
	assert.Equal(t, "suspended", sets[1].Reason)
	assert.Equal(t, false, sets[1].Metadata["is_granted"])
}

func TestAssignmentStore_OverrideOnSystemPermissionIsAllowed(t *testing.T) {
	f := newFixture(t)
	sysPerm := f.systemPermission("settings", "manage", ScopeGlobal)

	f.override("u1", sysPerm.ID, false, "", "break glass revoked")
	assert.False(t, f.resolve("u1", "").Has(sysPerm.ID))
}

func TestAssignmentStore_SweepExpired(t *testing.T) {
	f := newFixture(t)
	p := f.permission("report", "view", ScopeGlobal)
	r := f.role("viewer", 10)
	_, err := f.engine.Assignments.AssignRoleToUser(f.ctx, AssignRoleRequest{UserID: "u1", RoleID: r.ID, EffectiveUntil: timePtr(baseTime.Add(time.Hour))})
	require.NoError(t, err)
	_, err = f.engine.Assignments.AssignRoleToUser(f.ctx, AssignRoleRequest{UserID: "u2", RoleID: r.ID})
	require.NoError(t, err)
	_, err = f.engine.Assignments.SetUserPermissionOverride(f.ctx, OverrideRequest{
		UserID:         "u2",
		PermissionID:   p.ID,
		Reason:         "probation",
		EffectiveUntil: timePtr(baseTime.Add(time.Hour)),
	})
	require.NoError(t, err)

	res, err := f.engine.Assignments.SweepExpired(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Assignments)
	assert.Empty(t, res.Overrides)

	f.clock.Advance(time.Hour)
	res, err = f.engine.Assignments.SweepExpired(f.ctx)
	require.NoError(t, err)
	require.Len(t, res.Assignments, 1)
	assert.Equal(t, "u1", res.Assignments[0].UserID)
	require.Len(t, res.Overrides, 1)
	assert.Equal(t, "u2", res.Overrides[0].UserID)

	assert.Len(t, f.events.OfType(audit.EventTypeAssignmentExpire), 1)
	expired := f.events.OfType(audit.EventTypeOverrideExpire)
	require.Len(t, expired, 1)
	assert.Equal(t, "probation", expired[0].Reason)

	// The sweep is idempotent.
	res, err = f.engine.Assignments.SweepExpired(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Assignments)

	var found bool
	for _, entry := range f.logs.AllEntries() {
		if entry.Message == "deactivated expired grants" {
			found = true
			assert.Equal(t, 1, entry.Data["assignments"])
		}
	}
	assert.True(t, found)
}
