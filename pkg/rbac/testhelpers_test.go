package rbac

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/platinummonkey/accessgrid/pkg/audit"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: baseTime}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	repo   *MemoryRepository
	engine *Engine
	events *audit.MemoryLogger
	clock  *testClock
	logs   *test.Hook
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := newTestClock()
	repo := NewMemoryRepository()
	repo.SetClock(clock.Now)
	events := audit.NewMemoryLogger()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	base := []Option{
		WithClock(clock.Now),
		WithAuditLogger(events),
		WithLogger(logger),
	}
	return &fixture{
		t:      t,
		ctx:    audit.WithActor(context.Background(), "admin"),
		repo:   repo,
		engine: New(repo, append(base, opts...)...),
		events: events,
		clock:  clock,
		logs:   hook,
	}
}

func (f *fixture) permission(resource, action string, level ScopeLevel) *Permission {
	f.t.Helper()
	p, err := f.engine.Catalog.CreatePermission(f.ctx, CreatePermissionRequest{
		ResourceType: resource,
		Action:       action,
		Scope:        level,
	})
	require.NoError(f.t, err)
	return p
}

func (f *fixture) systemPermission(resource, action string, level ScopeLevel) *Permission {
	f.t.Helper()
	p, err := f.engine.Catalog.CreatePermission(f.ctx, CreatePermissionRequest{
		ResourceType:       resource,
		Action:             action,
		Scope:              level,
		IsSystemPermission: true,
	})
	require.NoError(f.t, err)
	return p
}

func (f *fixture) role(name string, level int) *Role {
	f.t.Helper()
	r, err := f.engine.Catalog.CreateRole(f.ctx, CreateRoleRequest{Name: name, Level: level})
	require.NoError(f.t, err)
	return r
}

func (f *fixture) systemRole(name string, level int) *Role {
	f.t.Helper()
	r, err := f.engine.Catalog.CreateRole(f.ctx, CreateRoleRequest{Name: name, Level: level, IsSystemRole: true})
	require.NoError(f.t, err)
	return r
}

// seedGrant writes a grant straight to the repository, bypassing guards.
func (f *fixture) seedGrant(roleID, permissionID int64) {
	f.t.Helper()
	require.NoError(f.t, f.repo.InsertRoleGrant(f.ctx, roleID, permissionID))
}

func (f *fixture) grant(roleID, permissionID int64) {
	f.t.Helper()
	require.NoError(f.t, f.engine.Assignments.GrantRolePermission(f.ctx, roleID, permissionID))
}

func (f *fixture) assign(userID string, roleID int64, scope string) *UserRoleAssignment {
	f.t.Helper()
	a, err := f.engine.Assignments.AssignRoleToUser(f.ctx, AssignRoleRequest{
		UserID: userID,
		RoleID: roleID,
		Scope:  MustScope(scope),
	})
	require.NoError(f.t, err)
	return a
}

func (f *fixture) override(userID string, permissionID int64, granted bool, scope, reason string) *UserPermissionOverride {
	f.t.Helper()
	o, err := f.engine.Assignments.SetUserPermissionOverride(f.ctx, OverrideRequest{
		UserID:       userID,
		PermissionID: permissionID,
		IsGranted:    granted,
		Scope:        MustScope(scope),
		Reason:       reason,
	})
	require.NoError(f.t, err)
	return o
}

func (f *fixture) resolve(userID, scope string) *EffectivePermissionSet {
	f.t.Helper()
	set, err := f.engine.Resolver.Resolve(f.ctx, ResolveRequest{UserID: userID, Scope: MustScope(scope)})
	require.NoError(f.t, err)
	return set
}

func (f *fixture) resolveAt(userID, scope string, at time.Time) *EffectivePermissionSet {
	f.t.Helper()
	set, err := f.engine.Resolver.Resolve(f.ctx, ResolveRequest{UserID: userID, Scope: MustScope(scope), AsOf: at})
	require.NoError(f.t, err)
	return set
}

func permissionIDs(set *EffectivePermissionSet) []int64 {
	ids := make([]int64, 0, len(set.Permissions))
	for _, p := range set.Permissions {
		ids = append(ids, p.PermissionID)
	}
	return ids
}

func timePtr(t time.Time) *time.Time {
	return &t
}
