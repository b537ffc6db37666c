package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/accessgrid/pkg/observability"
	"github.com/platinummonkey/accessgrid/pkg/rbac"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisCache(t *testing.T, ttl time.Duration, metrics *observability.Metrics) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client, ttl, metrics), mr
}

func testSet(userID, scope string) *rbac.EffectivePermissionSet {
	return &rbac.EffectivePermissionSet{
		UserID: userID,
		Scope:  rbac.MustScope(scope),
		AsOf:   baseTime,
		Permissions: []rbac.EffectivePermission{{
			PermissionID: 1,
			Key:          "report:view:global",
			Source:       rbac.Source{Kind: rbac.SourceRole, RoleName: "viewer", GrantedBy: []string{"viewer"}},
		}},
	}
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), RedisConfig{URL: "redis://" + mr.Addr(), PoolSize: 4})
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, 4, client.Options().PoolSize)

	_, err = NewRedisClient(context.Background(), RedisConfig{URL: "not a url"})
	assert.Error(t, err)
}

func TestRedisCache_GetSet(t *testing.T) {
	ctx := context.Background()
	cache, _ := setupRedisCache(t, 0, nil)

	stamp, err := cache.Generation(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, stamp)

	stored, err := cache.Set(ctx, stamp, testSet("u1", "department:D1"))
	require.NoError(t, err)
	assert.True(t, stored)

	got, ok, err := cache.Get(ctx, "u1", rbac.MustScope("department:D1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, []string{"viewer"}, got.Permissions[0].Source.GrantedBy)
	assert.True(t, got.AsOf.Equal(baseTime))

	_, ok, err = cache.Get(ctx, "u1", rbac.GlobalScope)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = cache.Get(ctx, "u2", rbac.MustScope("department:D1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_StaleStampIsRejected(t *testing.T) {
	ctx := context.Background()
	cache, _ := setupRedisCache(t, 0, nil)

	stamp, err := cache.Generation(ctx, "u1")
	require.NoError(t, err)
	require.NoError(t, cache.InvalidateUser(ctx, "u1"))

	stored, err := cache.Set(ctx, stamp, testSet("u1", ""))
	require.NoError(t, err)
	assert.False(t, stored)

	_, ok, err := cache.Get(ctx, "u1", rbac.GlobalScope)
	require.NoError(t, err)
	assert.False(t, ok)

	fresh, err := cache.Generation(ctx, "u1")
	require.NoError(t, err)
	assert.Greater(t, fresh, stamp)
	stored, err = cache.Set(ctx, fresh, testSet("u1", ""))
	require.NoError(t, err)
	assert.True(t, stored)
}

func TestRedisCache_InvalidateUser(t *testing.T) {
	ctx := context.Background()
	cache, mr := setupRedisCache(t, 0, nil)

	for _, u := range []string{"u1", "u2"} {
		stamp, err := cache.Generation(ctx, u)
		require.NoError(t, err)
		_, err = cache.Set(ctx, stamp, testSet(u, ""))
		require.NoError(t, err)
	}

	require.NoError(t, cache.InvalidateUser(ctx, "u1"))
	assert.False(t, mr.Exists("rbac:eff:set:u1"))
	assert.Equal(t, genTTL, mr.TTL("rbac:eff:gen:u1"))

	_, ok, err := cache.Get(ctx, "u1", rbac.GlobalScope)
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = cache.Get(ctx, "u2", rbac.GlobalScope)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisCache_GenerationKeyExpires(t *testing.T) {
	ctx := context.Background()
	cache, mr := setupRedisCache(t, 0, nil)

	require.NoError(t, cache.InvalidateUser(ctx, "u1"))
	stamp, err := cache.Generation(ctx, "u1")
	require.NoError(t, err)
	stored, err := cache.Set(ctx, stamp, testSet("u1", ""))
	require.NoError(t, err)
	require.True(t, stored)

	mr.FastForward(genTTL + time.Minute)
	assert.False(t, mr.Exists("rbac:eff:gen:u1"))

	// The lapsed stamp no longer matches, so the old set misses.
	_, ok, err := cache.Get(ctx, "u1", rbac.GlobalScope)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_Purge(t *testing.T) {
	ctx := context.Background()
	cache, mr := setupRedisCache(t, 0, nil)

	for _, u := range []string{"u1", "u2", "u3"} {
		stamp, err := cache.Generation(ctx, u)
		require.NoError(t, err)
		_, err = cache.Set(ctx, stamp, testSet(u, ""))
		require.NoError(t, err)
	}
	before, err := cache.Generation(ctx, "u1")
	require.NoError(t, err)

	require.NoError(t, cache.Purge(ctx))

	after, err := cache.Generation(ctx, "u1")
	require.NoError(t, err)
	assert.Greater(t, after, before)
	for _, u := range []string{"u1", "u2", "u3"} {
		_, ok, err := cache.Get(ctx, u, rbac.GlobalScope)
		require.NoError(t, err)
		assert.False(t, ok, u)
		assert.False(t, mr.Exists("rbac:eff:set:"+u))
	}

	// A stamp read before the purge must not repopulate.
	stored, err := cache.Set(ctx, before, testSet("u1", ""))
	require.NoError(t, err)
	assert.False(t, stored)
}

func TestRedisCache_TTL(t *testing.T) {
	ctx := context.Background()
	cache, mr := setupRedisCache(t, time.Minute, nil)

	_, err := cache.Set(ctx, 0, testSet("u1", ""))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL("rbac:eff:set:u1"))

	mr.FastForward(2 * time.Minute)
	_, ok, err := cache.Get(ctx, "u1", rbac.GlobalScope)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_CorruptEntryIsDropped(t *testing.T) {
	ctx := context.Background()
	cache, mr := setupRedisCache(t, 0, nil)

	mr.HSet("rbac:eff:set:u1", "", "{not json")

	_, ok, err := cache.Get(ctx, "u1", rbac.GlobalScope)
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Empty(t, mr.HGet("rbac:eff:set:u1", ""))
}

func TestRedisCache_RecordsCommands(t *testing.T) {
	ctx := context.Background()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cache, mr := setupRedisCache(t, 0, metrics)

	_, err := cache.Generation(ctx, "u1")
	require.NoError(t, err)
	_, _, err = cache.Get(ctx, "u1", rbac.GlobalScope)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RedisCommandsTotal.WithLabelValues("generation", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RedisCommandsTotal.WithLabelValues("get", "ok")))

	mr.Close()
	_, err = cache.Generation(ctx, "u1")
	assert.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RedisCommandsTotal.WithLabelValues("generation", "error")))
}

func TestEngineOnSQLite_WithRedisCache(t *testing.T) {
	cache, _ := setupRedisCache(t, 0, nil)
	engine, ctx := newSQLiteEngine(t, rbac.WithCache(cache))

	view, err := engine.Catalog.CreatePermission(ctx, rbac.CreatePermissionRequest{ResourceType: "report", Action: "view"})
	require.NoError(t, err)
	viewer, err := engine.Catalog.CreateRole(ctx, rbac.CreateRoleRequest{Name: "viewer", Level: 10})
	require.NoError(t, err)
	require.NoError(t, engine.Assignments.GrantRolePermission(ctx, viewer.ID, view.ID))
	_, err = engine.Assignments.AssignRoleToUser(ctx, rbac.AssignRoleRequest{UserID: "u1", RoleID: viewer.ID})
	require.NoError(t, err)

	set, err := engine.Resolver.Resolve(ctx, rbac.ResolveRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, set.Has(view.ID))

	_, ok, err := cache.Get(ctx, "u1", rbac.GlobalScope)
	require.NoError(t, err)
	assert.True(t, ok, "resolution is shared through redis")

	// Revoking the grant reaches every holder of the role.
	require.NoError(t, engine.Assignments.RevokeRolePermission(ctx, viewer.ID, view.ID))
	_, ok, err = cache.Get(ctx, "u1", rbac.GlobalScope)
	require.NoError(t, err)
	assert.False(t, ok)

	set, err = engine.Resolver.Resolve(ctx, rbac.ResolveRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.False(t, set.Has(view.ID))
}
