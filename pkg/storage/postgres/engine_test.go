package postgres

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/platinummonkey/accessgrid/pkg/audit"
	"github.com/platinummonkey/accessgrid/pkg/rbac"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSQLiteEngine wires the engine to a fresh SQLite repository.
func newSQLiteEngine(t *testing.T, opts ...rbac.Option) (*rbac.Engine, context.Context) {
	t.Helper()
	repo := newSQLiteRepository(t)
	logger, _ := test.NewNullLogger()
	base := []rbac.Option{
		rbac.WithClock(func() time.Time { return baseTime }),
		rbac.WithLogger(logger),
		rbac.WithAuditLogger(audit.NopLogger()),
	}
	return rbac.New(repo, append(base, opts...)...), audit.WithActor(context.Background(), "admin")
}

func TestEngineOnSQLite_ManagerSuspendedScenario(t *testing.T) {
	engine, ctx := newSQLiteEngine(t, rbac.WithCache(rbac.NewLRUCache(100, 0)))

	approve, err := engine.Catalog.CreatePermission(ctx, rbac.CreatePermissionRequest{
		ResourceType: "application",
		Action:       "approve",
		Scope:        rbac.ScopeDepartment,
	})
	require.NoError(t, err)
	manager, err := engine.Catalog.CreateRole(ctx, rbac.CreateRoleRequest{Name: "manager", Level: 60})
	require.NoError(t, err)
	require.NoError(t, engine.Assignments.GrantRolePermission(ctx, manager.ID, approve.ID))
	_, err = engine.Assignments.AssignRoleToUser(ctx, rbac.AssignRoleRequest{UserID: "u1", RoleID: manager.ID, Scope: "dept:D1"})
	require.NoError(t, err)

	req := rbac.ResolveRequest{UserID: "u1", Scope: "dept:D1"}
	set, err := engine.Resolver.Resolve(ctx, req)
	require.NoError(t, err)
	entry, ok := set.LookupKey("application:approve:department")
	require.True(t, ok)
	assert.Equal(t, rbac.SourceRole, entry.Source.Kind)
	assert.Equal(t, "manager", entry.Source.RoleName)

	_, err = engine.Assignments.SetUserPermissionOverride(ctx, rbac.OverrideRequest{
		UserID:       "u1",
		PermissionID: approve.ID,
		Scope:        "dept:D1",
		Reason:       "suspended",
	})
	require.NoError(t, err)

	set, err = engine.Resolver.Resolve(ctx, req)
	require.NoError(t, err)
	assert.False(t, set.Has(approve.ID))
	require.Len(t, set.Denied, 1)
	assert.Equal(t, "suspended", set.Denied[0].Reason)
	assert.Equal(t, rbac.MustScope("department:D1"), set.Denied[0].Scope)

	decision, err := engine.Resolver.Check(ctx, "u1", "application:approve:department", "department:D1", time.Time{})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "denied: suspended", decision.Reason)
}

func TestEngineOnSQLite_DenyAndScopeContainment(t *testing.T) {
	engine, ctx := newSQLiteEngine(t)

	pay, err := engine.Catalog.CreatePermission(ctx, rbac.CreatePermissionRequest{ResourceType: "invoice", Action: "pay", Scope: rbac.ScopeBranch})
	require.NoError(t, err)
	clerk, err := engine.Catalog.CreateRole(ctx, rbac.CreateRoleRequest{Name: "clerk", Level: 10})
	require.NoError(t, err)
	require.NoError(t, engine.Assignments.GrantRolePermission(ctx, clerk.ID, pay.ID))
	_, err = engine.Assignments.AssignRoleToUser(ctx, rbac.AssignRoleRequest{UserID: "u1", RoleID: clerk.ID, Scope: "department:D1"})
	require.NoError(t, err)
	_, err = engine.Assignments.SetUserPermissionOverride(ctx, rbac.OverrideRequest{
		UserID:       "u1",
		PermissionID: pay.ID,
		Scope:        "department:D1/branch:B1",
		Reason:       "branch freeze",
	})
	require.NoError(t, err)

	tests := []struct {
		scope string
		want  bool
	}{
		{"", false},
		{"department:D1", true},
		{"department:D1/branch:B2", true},
		{"department:D1/branch:B1", false},
		{"department:D1/branch:B1/team:T1", false},
		{"department:D2", false},
	}
	for _, tt := range tests {
		t.Run(tt.scope, func(t *testing.T) {
			set, err := engine.Resolver.Resolve(ctx, rbac.ResolveRequest{UserID: "u1", Scope: rbac.MustScope(tt.scope)})
			require.NoError(t, err)
			assert.Equal(t, tt.want, set.Has(pay.ID))
		})
	}
}

func TestEngineOnSQLite_TimeBoundsAndSweep(t *testing.T) {
	engine, ctx := newSQLiteEngine(t)

	view, err := engine.Catalog.CreatePermission(ctx, rbac.CreatePermissionRequest{ResourceType: "report", Action: "view"})
	require.NoError(t, err)
	viewer, err := engine.Catalog.CreateRole(ctx, rbac.CreateRoleRequest{Name: "viewer", Level: 10})
	require.NoError(t, err)
	require.NoError(t, engine.Assignments.GrantRolePermission(ctx, viewer.ID, view.ID))

	from := baseTime.Add(time.Hour)
	until := baseTime.Add(2 * time.Hour)
	_, err = engine.Assignments.AssignRoleToUser(ctx, rbac.AssignRoleRequest{
		UserID:         "u1",
		RoleID:         viewer.ID,
		EffectiveFrom:  from,
		EffectiveUntil: &until,
	})
	require.NoError(t, err)

	at := func(ts time.Time) bool {
		set, err := engine.Resolver.Resolve(ctx, rbac.ResolveRequest{UserID: "u1", AsOf: ts})
		require.NoError(t, err)
		return set.Has(view.ID)
	}
	assert.False(t, at(baseTime))
	assert.True(t, at(from))
	assert.True(t, at(until.Add(-time.Nanosecond)))
	assert.False(t, at(until))

	res, err := engine.Assignments.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Assignments, "nothing has expired at the engine clock")
}

func TestEngineOnSQLite_ImmutabilityAndTemplates(t *testing.T) {
	engine, ctx := newSQLiteEngine(t)

	view, err := engine.Catalog.CreatePermission(ctx, rbac.CreatePermissionRequest{ResourceType: "report", Action: "view"})
	require.NoError(t, err)
	export, err := engine.Catalog.CreatePermission(ctx, rbac.CreatePermissionRequest{ResourceType: "report", Action: "export"})
	require.NoError(t, err)
	settings, err := engine.Catalog.CreatePermission(ctx, rbac.CreatePermissionRequest{ResourceType: "settings", Action: "manage", IsSystemPermission: true})
	require.NoError(t, err)
	analyst, err := engine.Catalog.CreateRole(ctx, rbac.CreateRoleRequest{Name: "analyst", Level: 30})
	require.NoError(t, err)
	newcomer, err := engine.Catalog.CreateRole(ctx, rbac.CreateRoleRequest{Name: "newcomer", Level: 5})
	require.NoError(t, err)
	root, err := engine.Catalog.CreateRole(ctx, rbac.CreateRoleRequest{Name: "root", Level: 100, IsSystemRole: true})
	require.NoError(t, err)

	_, err = engine.Matrix.ToggleCell(ctx, analyst.ID, settings.ID)
	assert.ErrorIs(t, err, rbac.ErrImmutable)
	_, err = engine.Matrix.ToggleCell(ctx, root.ID, view.ID)
	assert.ErrorIs(t, err, rbac.ErrImmutable)

	results := engine.Matrix.ApplyChanges(ctx, []rbac.CellChange{
		{RoleID: analyst.ID, PermissionID: view.ID, Granted: true},
		{RoleID: analyst.ID, PermissionID: export.ID, Granted: true},
	})
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.True(t, r.Changed)
	}

	m, err := engine.Matrix.BuildMatrix(ctx, rbac.RoleFilter{}, rbac.PermissionFilter{})
	require.NoError(t, err)
	assert.True(t, m.Granted(analyst.ID, export.ID))
	assert.False(t, m.Granted(root.ID, view.ID))
	assert.True(t, m.ReadOnly(root.ID, view.ID))

	gen, err := engine.Templates.GenerateFromRoles(ctx, []int64{analyst.ID}, false)
	require.NoError(t, err)
	tmpl, err := engine.Templates.CreateTemplate(ctx, rbac.CreateTemplateRequest{Name: "Analyst kit", Description: "from analyst", PermissionIDs: gen.PermissionIDs})
	require.NoError(t, err)

	res, err := engine.Templates.ApplyTemplate(ctx, rbac.ApplyTemplateRequest{
		TemplateID: tmpl.ID,
		TargetType: rbac.TargetRole,
		TargetID:   strconv.FormatInt(newcomer.ID, 10),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, int64(1), res.UsageCount)

	// Later edits to the source role do not reach the target.
	require.NoError(t, engine.Assignments.RevokeRolePermission(ctx, analyst.ID, export.ID))
	perms, err := engine.Assignments.ListRolePermissions(ctx, newcomer.ID)
	require.NoError(t, err)
	assert.Len(t, perms, 2)

	cmp, err := engine.Templates.CompareTemplates(ctx, tmpl.ID, tmpl.ID)
	require.NoError(t, err)
	assert.Len(t, cmp.Common, 2)
	assert.Empty(t, cmp.OnlyInA)
}
