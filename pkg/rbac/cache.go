package rbac

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache stores resolved permission sets per (user, context scope).
//
// Entries are stamped with the generation of their user at the time the
// snapshot was read. Invalidating a user or purging advances generations, so
// a set computed from a snapshot older than the last invalidation is never
// stored nor served.
type Cache interface {
	// Generation returns the current generation of user.
	Generation(ctx context.Context, userID string) (uint64, error)
	// Get returns the cached set if it carries the current generation.
	Get(ctx context.Context, userID string, scope Scope) (*EffectivePermissionSet, bool, error)
	// Set stores set if stamp is still the user's current generation. It
	// reports whether the set was stored.
	Set(ctx context.Context, stamp uint64, set *EffectivePermissionSet) (bool, error)
	// InvalidateUser drops every cached set of the given users.
	InvalidateUser(ctx context.Context, userIDs ...string) error
	// Purge drops everything.
	Purge(ctx context.Context) error
}

type cachedSet struct {
	stamp uint64
	set   *EffectivePermissionSet
}

// LRUCache is an in-process Cache bounded by size and TTL.
type LRUCache struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, cachedSet]
	clock   uint64
	floor   uint64
	gens    map[string]uint64
	// maxGens bounds gens; past it the generations fold into floor.
	maxGens int
}

// NewLRUCache returns a cache holding at most size sets for at most ttl. A
// zero ttl disables expiry.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = 10000
	}
	return &LRUCache{
		entries: expirable.NewLRU[string, cachedSet](size, nil, ttl),
		gens:    make(map[string]uint64),
		maxGens: size,
	}
}

func cacheKey(userID string, scope Scope) string {
	return userID + "\x00" + string(scope)
}

func (c *LRUCache) generation(userID string) uint64 {
	if g := c.gens[userID]; g > c.floor {
		return g
	}
	return c.floor
}

// Generation implements Cache.
func (c *LRUCache) Generation(ctx context.Context, userID string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation(userID), nil
}

// Get implements Cache.
func (c *LRUCache) Get(ctx context.Context, userID string, scope Scope) (*EffectivePermissionSet, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(cacheKey(userID, scope))
	if !ok || entry.stamp != c.generation(userID) {
		return nil, false, nil
	}
	return cloneSet(entry.set), true, nil
}

// Set implements Cache.
func (c *LRUCache) Set(ctx context.Context, stamp uint64, set *EffectivePermissionSet) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stamp != c.generation(set.UserID) {
		return false, nil
	}
	c.entries.Add(cacheKey(set.UserID, set.Scope), cachedSet{stamp: stamp, set: cloneSet(set)})
	return true, nil
}

// InvalidateUser implements Cache.
func (c *LRUCache) InvalidateUser(ctx context.Context, userIDs ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, u := range userIDs {
		c.clock++
		c.gens[u] = c.clock
	}
	if len(c.gens) > c.maxGens {
		// Raising the floor to the clock keeps every earlier stamp stale,
		// so the per-user generations are no longer needed.
		c.purgeLocked()
		return nil
	}
	// Stale entries are unreachable now; drop them to free space.
	prefixes := make(map[string]struct{}, len(userIDs))
	for _, u := range userIDs {
		prefixes[u] = struct{}{}
	}
	for _, key := range c.entries.Keys() {
		if _, ok := prefixes[userOf(key)]; ok {
			c.entries.Remove(key)
		}
	}
	return nil
}

// Purge implements Cache.
func (c *LRUCache) Purge(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeLocked()
	return nil
}

func (c *LRUCache) purgeLocked() {
	c.clock++
	c.floor = c.clock
	c.gens = make(map[string]uint64)
	c.entries.Purge()
}

// Len returns the number of cached sets.
func (c *LRUCache) Len() int {
	return c.entries.Len()
}

func userOf(key string) string {
	if i := strings.IndexByte(key, 0); i >= 0 {
		return key[:i]
	}
	return key
}
