// Package postgres persists the accessgrid catalog, assignments, overrides
// and templates in PostgreSQL, and shares resolution caches through Redis.
//
// # Overview
//
// Repository implements rbac.Repository on database/sql. The same queries
// run on PostgreSQL (github.com/lib/pq) in production and on SQLite
// (github.com/mattn/go-sqlite3) in tests and single-node deployments; the
// Dialect only changes column types, row locking and snapshot isolation.
//
//	db, dialect, err := postgres.Open(ctx, postgres.ConnectionConfig{
//		Driver: "postgres",
//		URL:    "postgres://accessgrid@localhost/accessgrid?sslmode=disable",
//	})
//	if _, err := postgres.Migrate(ctx, db, dialect, logger); err != nil {
//		return err
//	}
//	engine := rbac.New(postgres.NewRepository(db, dialect))
//
// # Transactions
//
// Each mutating method runs in one transaction. Uniqueness of active
// assignments and overrides is backed by partial unique indexes, so two
// racing inserts of the same tuple end with one ErrConflict. Grant edits
// lock the role row. PrincipalSnapshot reads everything resolution needs in
// a read-only repeatable-read transaction.
//
// # Redis cache
//
// RedisCache implements rbac.Cache with the same generation protocol as the
// in-process LRU: a stamp read before the snapshot must still be current
// when the set is written, which a Lua script checks atomically.
//
//	cache := postgres.NewRedisCache(client, 10*time.Minute, metrics)
//	engine := rbac.New(repo, rbac.WithCache(cache))
package postgres
