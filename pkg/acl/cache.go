package acl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// PermissionCache stores permission check outcomes keyed by actor, action
// and object. Any ACL mutation invalidates the whole cache through Purge,
// which also advances the generation. Set only stores an outcome computed
// under the generation that is still current.
type PermissionCache interface {
	Generation(ctx context.Context) (int64, error)
	Get(ctx context.Context, key string) (allowed bool, found bool, err error)
	Set(ctx context.Context, key string, gen int64, allowed bool) error
	Purge(ctx context.Context) error
	Name() string
}

// permissionCacheKey builds the cache key of one check
func permissionCacheKey(personID int64, action Action, obj ObjectRef) string {
	return fmt.Sprintf("%d:%s:%s:%d", personID, action, obj.Type, obj.ID)
}

// LRUCache is an in-process PermissionCache with per-entry expiry
type LRUCache struct {
	mu    sync.Mutex
	gen   int64
	cache *lru.LRU[string, bool]
}

// NewLRUCache creates an in-process cache holding up to size entries for ttl
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = 10000
	}
	return &LRUCache{cache: lru.NewLRU[string, bool](size, nil, ttl)}
}

// Get returns a cached outcome
func (c *LRUCache) Get(ctx context.Context, key string) (bool, bool, error) {
	allowed, ok := c.cache.Get(key)
	return allowed, ok, nil
}

// Generation returns the number of purges so far
func (c *LRUCache) Generation(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen, nil
}

// Set stores an outcome unless a purge happened since gen was read
func (c *LRUCache) Set(ctx context.Context, key string, gen int64, allowed bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return nil
	}
	c.cache.Add(key, allowed)
	return nil
}

// Purge drops every entry
func (c *LRUCache) Purge(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.cache.Purge()
	return nil
}

// Len returns the number of live entries
func (c *LRUCache) Len() int {
	return c.cache.Len()
}

// Name identifies the cache in metrics
func (c *LRUCache) Name() string {
	return "lru"
}

// RedisCache shares permission outcomes between processes. Keys embed a
// generation counter; Purge bumps the counter so stale entries are never read
// again and expire on their own.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisCache creates a Redis-backed cache. prefix defaults to "acl".
func NewRedisCache(client *redis.Client, ttl time.Duration, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "acl"
	}
	return &RedisCache{client: client, ttl: ttl, prefix: prefix}
}

func (c *RedisCache) generationKey() string {
	return c.prefix + ":perm:generation"
}

// Generation returns the shared purge counter
func (c *RedisCache) Generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey()).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get generation failed: %w", err)
	}
	return gen, nil
}

func (c *RedisCache) entryKey(gen int64, key string) string {
	return fmt.Sprintf("%s:perm:%d:%s", c.prefix, gen, key)
}

// Get returns a cached outcome
func (c *RedisCache) Get(ctx context.Context, key string) (bool, bool, error) {
	gen, err := c.Generation(ctx)
	if err != nil {
		return false, false, err
	}
	entry := c.entryKey(gen, key)

	val, err := c.client.Get(ctx, entry).Result()
	if err == redis.Nil {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("redis get failed: %w", err)
	}
	return val == "1", true, nil
}

// Set stores an outcome under gen. An entry written under a generation a
// purge has since advanced past is never read.
func (c *RedisCache) Set(ctx context.Context, key string, gen int64, allowed bool) error {
	entry := c.entryKey(gen, key)
	val := "0"
	if allowed {
		val = "1"
	}
	if err := c.client.Set(ctx, entry, val, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Purge invalidates every entry by advancing the generation
func (c *RedisCache) Purge(ctx context.Context) error {
	if err := c.client.Incr(ctx, c.generationKey()).Err(); err != nil {
		return fmt.Errorf("redis incr generation failed: %w", err)
	}
	return nil
}

// Name identifies the cache in metrics
func (c *RedisCache) Name() string {
	return "redis"
}
