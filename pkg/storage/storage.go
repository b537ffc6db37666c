package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/accessgrid/pkg/observability"
	"github.com/platinummonkey/accessgrid/pkg/rbac"
	"github.com/platinummonkey/accessgrid/pkg/storage/postgres"
	"github.com/sirupsen/logrus"
)

// Backend types
const (
	TypeMemory   = "memory"
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
)

// Config selects and sizes the repository and resolution cache.
type Config struct {
	Type string `envconfig:"TYPE" default:"postgres"`

	// Database config, used by sqlite and postgres
	URL         string        `envconfig:"URL"`
	MaxConns    int           `envconfig:"MAX_CONNS" default:"20"`
	MinConns    int           `envconfig:"MIN_CONNS" default:"2"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"10s"`
	MaxLifetime time.Duration `envconfig:"MAX_LIFETIME" default:"1h"`
	MaxIdleTime time.Duration `envconfig:"MAX_IDLE_TIME" default:"10m"`
	AutoMigrate bool          `envconfig:"AUTO_MIGRATE" default:"true"`

	// Redis config; an empty URL keeps the cache in process
	RedisURL        string `envconfig:"REDIS_URL"`
	RedisPassword   string `envconfig:"REDIS_PASSWORD"`
	RedisDB         int    `envconfig:"REDIS_DB"`
	RedisMaxRetries int    `envconfig:"REDIS_MAX_RETRIES" default:"3"`
	RedisPoolSize   int    `envconfig:"REDIS_POOL_SIZE" default:"10"`

	// Cache config
	CacheEnabled bool          `envconfig:"CACHE_ENABLED" default:"true"`
	CacheSize    int           `envconfig:"CACHE_SIZE" default:"10000"`
	CacheTTL     time.Duration `envconfig:"CACHE_TTL" default:"10m"`
}

// DefaultConfig returns an in-memory configuration with the LRU cache.
func DefaultConfig() Config {
	return Config{
		Type:            TypeMemory,
		MaxConns:        20,
		MinConns:        2,
		Timeout:         10 * time.Second,
		MaxLifetime:     time.Hour,
		MaxIdleTime:     10 * time.Minute,
		AutoMigrate:     true,
		RedisMaxRetries: 3,
		RedisPoolSize:   10,
		CacheEnabled:    true,
		CacheSize:       10000,
		CacheTTL:        10 * time.Minute,
	}
}

// Validate checks the settings the selected backend needs.
func (c Config) Validate() error {
	switch strings.ToLower(c.Type) {
	case TypeMemory:
	case TypeSQLite, TypePostgres:
		if c.URL == "" {
			return fmt.Errorf("database URL is required for %s storage", c.Type)
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory, sqlite, or postgres)", c.Type)
	}
	if c.CacheEnabled && c.RedisURL == "" && c.CacheSize <= 0 {
		return errors.New("cache size must be positive when the in-process cache is enabled")
	}
	if c.CacheTTL < 0 {
		return errors.New("cache TTL must not be negative")
	}
	return nil
}

// Backend bundles the opened repository, its connections and the cache.
type Backend struct {
	Repository rbac.Repository
	Cache      rbac.Cache

	// DB and Redis are nil when the backend does not use them.
	DB      *sql.DB
	Dialect postgres.Dialect
	Redis   *redis.Client
}

// Open connects the configured repository and cache. Schema migrations run
// when AutoMigrate is set.
func Open(ctx context.Context, cfg Config, logger logrus.FieldLogger, metrics *observability.Metrics) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Backend{}
	switch strings.ToLower(cfg.Type) {
	case TypeMemory:
		b.Repository = rbac.NewMemoryRepository()
	default:
		db, dialect, err := postgres.Open(ctx, postgres.ConnectionConfig{
			Driver:      cfg.Type,
			URL:         cfg.URL,
			MaxConns:    cfg.MaxConns,
			MinConns:    cfg.MinConns,
			Timeout:     cfg.Timeout,
			MaxLifetime: cfg.MaxLifetime,
			MaxIdleTime: cfg.MaxIdleTime,
		})
		if err != nil {
			return nil, err
		}
		b.DB, b.Dialect = db, dialect
		if cfg.AutoMigrate {
			if _, err := postgres.Migrate(ctx, db, dialect, logger); err != nil {
				db.Close()
				return nil, err
			}
		}
		b.Repository = postgres.NewRepository(db, dialect)
	}

	if !cfg.CacheEnabled {
		return b, nil
	}
	if cfg.RedisURL == "" {
		b.Cache = rbac.NewLRUCache(cfg.CacheSize, cfg.CacheTTL)
		return b, nil
	}

	client, err := postgres.NewRedisClient(ctx, postgres.RedisConfig{
		URL:        cfg.RedisURL,
		Password:   cfg.RedisPassword,
		DB:         cfg.RedisDB,
		MaxRetries: cfg.RedisMaxRetries,
		PoolSize:   cfg.RedisPoolSize,
	})
	if err != nil {
		b.Close()
		return nil, err
	}
	b.Redis = client
	b.Cache = postgres.NewRedisCache(client, cfg.CacheTTL, metrics)
	return b, nil
}

// EngineOptions returns the options that attach the backend's cache.
func (b *Backend) EngineOptions() []rbac.Option {
	if b.Cache == nil {
		return nil
	}
	return []rbac.Option{rbac.WithCache(b.Cache)}
}

// Close releases the database and Redis connections.
func (b *Backend) Close() error {
	var errs []error
	if b.Redis != nil {
		if err := b.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	if b.DB != nil {
		if err := b.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
