package artifact

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemCache is an in-process verification cache backed by sync.Map; used
// when no Redis URL is configured, and always used as the cache for a
// single-process deployment.
type MemCache struct {
	m sync.Map // path -> hash
}

// NewMemCache constructs an empty MemCache.
func NewMemCache() *MemCache { return &MemCache{} }

var _ Cache = (*MemCache)(nil)

func (c *MemCache) Get(_ context.Context, path string) (string, bool) {
	v, ok := c.m.Load(path)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (c *MemCache) Set(_ context.Context, path, hash string) {
	c.m.Store(path, hash)
}

// RedisCache is a cross-process verification cache, so every process
// serving artifacts from the same `.ai/` tree shares a warm
// already-verified hash set instead of re-running Ed25519 verification
// per process. Entries expire after TTL so a cache entry for a
// long-deleted file eventually falls out rather than persisting
// forever.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache constructs a RedisCache. ttl defaults to 24h when zero.
func NewRedisCache(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, prefix: keyPrefix, ttl: ttl}
}

func (c *RedisCache) key(path string) string {
	return c.prefix + ":verified:" + path
}

func (c *RedisCache) Get(ctx context.Context, path string) (string, bool) {
	hash, err := c.client.Get(ctx, c.key(path)).Result()
	if err != nil {
		return "", false
	}
	return hash, true
}

func (c *RedisCache) Set(ctx context.Context, path, hash string) {
	// Best-effort: a failed cache write just means the next read
	// re-verifies, never a correctness issue.
	c.client.Set(ctx, c.key(path), hash, c.ttl)
}
