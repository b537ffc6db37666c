package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/accessgrid/pkg/observability"
	"github.com/platinummonkey/accessgrid/pkg/rbac"
)

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// NewRedisClient parses the URL, applies overrides and pings the server.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB > 0 {
		opts.DB = cfg.DB
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Generation stamps live next to the cached sets so that the compare and
// the write happen inside one script.
//
//	<prefix>clock        global counter
//	<prefix>floor        stamp of the last purge
//	<prefix>gen:<user>   stamp of the user's last invalidation, kept for genTTL
//	<prefix>set:<user>   hash of scope -> {"stamp":n,"set":{...}}
var (
	getScript = redis.NewScript(`
local gen = tonumber(redis.call('GET', KEYS[1]) or '0')
local floor = tonumber(redis.call('GET', KEYS[2]) or '0')
if floor > gen then gen = floor end
local v = redis.call('HGET', KEYS[3], ARGV[1])
if not v then return false end
return {gen, v}
`)

	setScript = redis.NewScript(`
local gen = tonumber(redis.call('GET', KEYS[1]) or '0')
local floor = tonumber(redis.call('GET', KEYS[2]) or '0')
if floor > gen then gen = floor end
if gen ~= tonumber(ARGV[1]) then return 0 end
redis.call('HSET', KEYS[3], ARGV[2], ARGV[3])
local ttl = tonumber(ARGV[4])
if ttl > 0 then redis.call('PEXPIRE', KEYS[3], ttl) end
return 1
`)

	invalidateScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
redis.call('SET', KEYS[2], c, 'PX', ARGV[1])
redis.call('DEL', KEYS[3])
return c
`)

	purgeScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
redis.call('SET', KEYS[2], c)
return c
`)
)

// genTTL bounds how long a user's invalidation stamp is kept. Once it lapses
// the user's sets fall back to the floor stamp and miss until rewritten.
const genTTL = 24 * time.Hour

type cachedPayload struct {
	Stamp uint64                      `json:"stamp"`
	Set   *rbac.EffectivePermissionSet `json:"set"`
}

// RedisCache implements rbac.Cache on Redis so that several engine
// instances share resolutions and invalidations.
type RedisCache struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	metrics *observability.Metrics
}

var _ rbac.Cache = (*RedisCache)(nil)

// NewRedisCache creates a cache under the "rbac:eff:" key prefix. A zero ttl
// keeps entries until invalidated.
func NewRedisCache(client redis.UniversalClient, ttl time.Duration, metrics *observability.Metrics) *RedisCache {
	return &RedisCache{
		client:  client,
		prefix:  "rbac:eff:",
		ttl:     ttl,
		metrics: metrics,
	}
}

func (c *RedisCache) clockKey() string           { return c.prefix + "clock" }
func (c *RedisCache) floorKey() string           { return c.prefix + "floor" }
func (c *RedisCache) genKey(userID string) string { return c.prefix + "gen:" + userID }
func (c *RedisCache) setKey(userID string) string { return c.prefix + "set:" + userID }

// Generation returns the user's current stamp.
func (c *RedisCache) Generation(ctx context.Context, userID string) (uint64, error) {
	vals, err := c.client.MGet(ctx, c.genKey(userID), c.floorKey()).Result()
	c.metrics.RecordRedisCommand("generation", err)
	if err != nil {
		return 0, fmt.Errorf("redis generation failed: %w", err)
	}
	var gen uint64
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid generation %q: %w", s, err)
		}
		if n > gen {
			gen = n
		}
	}
	return gen, nil
}

// Get returns the cached set when its stamp is still current.
func (c *RedisCache) Get(ctx context.Context, userID string, scope rbac.Scope) (*rbac.EffectivePermissionSet, bool, error) {
	res, err := getScript.Run(ctx, c.client,
		[]string{c.genKey(userID), c.floorKey(), c.setKey(userID)}, string(scope)).Result()
	if errors.Is(err, redis.Nil) {
		c.metrics.RecordRedisCommand("get", nil)
		return nil, false, nil
	}
	c.metrics.RecordRedisCommand("get", err)
	if err != nil {
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}

	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, false, fmt.Errorf("unexpected redis reply %T", res)
	}
	gen, _ := pair[0].(int64)
	raw, _ := pair[1].(string)

	var payload cachedPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		// Drop corrupt data; the next resolution rewrites it.
		c.client.HDel(ctx, c.setKey(userID), string(scope))
		return nil, false, fmt.Errorf("failed to unmarshal cached set: %w", err)
	}
	if payload.Set == nil || payload.Stamp != uint64(gen) {
		return nil, false, nil
	}
	return payload.Set, true, nil
}

// Set stores set if stamp is still the user's generation.
func (c *RedisCache) Set(ctx context.Context, stamp uint64, set *rbac.EffectivePermissionSet) (bool, error) {
	data, err := json.Marshal(cachedPayload{Stamp: stamp, Set: set})
	if err != nil {
		return false, fmt.Errorf("failed to marshal set: %w", err)
	}
	stored, err := setScript.Run(ctx, c.client,
		[]string{c.genKey(set.UserID), c.floorKey(), c.setKey(set.UserID)},
		strconv.FormatUint(stamp, 10), string(set.Scope), string(data), c.ttl.Milliseconds(),
	).Int()
	c.metrics.RecordRedisCommand("set", err)
	if err != nil {
		return false, fmt.Errorf("redis set failed: %w", err)
	}
	return stored == 1, nil
}

// InvalidateUser advances each user's generation and drops their sets.
func (c *RedisCache) InvalidateUser(ctx context.Context, userIDs ...string) error {
	for _, u := range userIDs {
		err := invalidateScript.Run(ctx, c.client,
			[]string{c.clockKey(), c.genKey(u), c.setKey(u)}, genTTL.Milliseconds()).Err()
		c.metrics.RecordRedisCommand("invalidate", err)
		if err != nil {
			return fmt.Errorf("redis invalidate failed for user %s: %w", u, err)
		}
	}
	return nil
}

// Purge makes every stored set unreachable, then deletes them.
func (c *RedisCache) Purge(ctx context.Context) error {
	err := purgeScript.Run(ctx, c.client, []string{c.clockKey(), c.floorKey()}).Err()
	c.metrics.RecordRedisCommand("purge", err)
	if err != nil {
		return fmt.Errorf("redis purge failed: %w", err)
	}

	// Stale hashes are already unreachable; removing them only frees memory.
	iter := c.client.Scan(ctx, 0, c.prefix+"set:*", 100).Iterator()
	for iter.Next(ctx) {
		c.client.Del(ctx, iter.Val())
	}
	return iter.Err()
}
