package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fngate/fngate/internal/fn"
	"github.com/fngate/fngate/internal/store"
)

// cacheBase is the synthetic URL prefix all stub cache keys live under.
const cacheBase = "loader-cache.internal/stubs"

// CacheKey builds the shared-cache key for a function stub. An empty
// version addresses the latest pointer.
func CacheKey(id, version string) string {
	if version == "" {
		version = "latest"
	}
	return fmt.Sprintf("%s/%s/%s", cacheBase, id, version)
}

// CacheEntry is the JSON value stored in the shared cache.
type CacheEntry struct {
	Metadata *fn.Metadata    `json:"metadata"`
	Code     *store.Artifact `json:"code,omitempty"`
	LoadedAt time.Time       `json:"loadedAt"`
	Version  string          `json:"version"`
}

// StubCache is the shared edge cache for loaded stubs. A hit implies some
// past successful load of the same (id, version); across instances it is
// eventually consistent within the TTL.
type StubCache interface {
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryStubCache is a mutex-guarded in-process StubCache.
type MemoryStubCache struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryCacheItem
}

type memoryCacheItem struct {
	payload   []byte
	expiresAt time.Time
}

// NewMemoryStubCache creates an empty cache.
func NewMemoryStubCache() *MemoryStubCache {
	return &MemoryStubCache{now: time.Now, entries: map[string]memoryCacheItem{}}
}

func (c *MemoryStubCache) Get(ctx context.Context, key string) (*CacheEntry, error) {
	c.mu.Lock()
	item, ok := c.entries[key]
	if ok && c.now().After(item.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var entry CacheEntry
	if err := json.Unmarshal(item.payload, &entry); err != nil {
		return nil, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	return &entry, nil
}

func (c *MemoryStubCache) Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.entries[key] = memoryCacheItem{payload: payload, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryStubCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// RedisStubCache shares stubs across instances through Redis. Values are
// the same JSON entries the in-memory cache stores.
type RedisStubCache struct {
	client *redis.Client
}

// NewRedisStubCache creates a cache on an existing client.
func NewRedisStubCache(client *redis.Client) *RedisStubCache {
	return &RedisStubCache{client: client}
}

func (c *RedisStubCache) Get(ctx context.Context, key string) (*CacheEntry, error) {
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stub cache get: %w", err)
	}
	var entry CacheEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	return &entry, nil
}

func (c *RedisStubCache) Set(ctx context.Context, key string, entry *CacheEntry, ttl time.Duration) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("stub cache set: %w", err)
	}
	return nil
}

func (c *RedisStubCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("stub cache delete: %w", err)
	}
	return nil
}
