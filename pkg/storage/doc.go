// Package storage selects and opens the persistence backend for the access
// engine.
//
// # Overview
//
// Three backends implement rbac.Repository:
//
//   - memory: rbac.MemoryRepository, for tests and embedded use
//   - sqlite: the SQL repository on github.com/mattn/go-sqlite3
//   - postgres: the SQL repository on github.com/lib/pq
//
// The resolution cache is either the in-process LRU or, when a Redis URL is
// configured, the shared Redis cache from pkg/storage/postgres.
//
// # Usage
//
//	backend, err := storage.Open(ctx, cfg.Storage, logger, metrics)
//	if err != nil {
//		return err
//	}
//	defer backend.Close()
//
//	engine := rbac.New(backend.Repository, backend.EngineOptions()...)
//
// # Configuration
//
// Config carries envconfig tags and is embedded in config.Config under the
// STORAGE prefix:
//
//	ACCESSGRID_STORAGE_TYPE="postgres"  # memory, sqlite, postgres
//	ACCESSGRID_STORAGE_URL="postgres://accessgrid@localhost/accessgrid?sslmode=disable"
//	ACCESSGRID_STORAGE_REDIS_URL="redis://localhost:6379/0"
//	ACCESSGRID_STORAGE_CACHE_TTL="10m"
//
// # Related Packages
//
//   - pkg/storage/postgres: SQL repository, migrations and Redis cache
//   - pkg/rbac: Repository contract and in-memory implementation
package storage
