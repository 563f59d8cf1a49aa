// Package cache provides response caching keyed by request fingerprint.
// It supports both in-memory (single instance) and Redis (distributed) backends.
// The cache is best-effort: a missing or unreachable backend degrades to
// always-miss and never fails a request.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/aice-dev/orchestrator/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Cache defines the interface for response cache backends. Entries are only
// written from fully successful results and are replaced, never mutated.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (*domain.Result, bool)
	Set(ctx context.Context, fingerprint string, result *domain.Result, ttl time.Duration) error
}

const keyPrefix = "cache:"

type InMemoryCache struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	capacity int
}

type entry struct {
	result    *domain.Result
	createdAt time.Time
	expiresAt time.Time
	hits      int64
}

// NewInMemoryCache creates an in-memory TTL cache. capacity bounds the number
// of entries; 0 means unbounded.
func NewInMemoryCache(capacity int) *InMemoryCache {
	c := &InMemoryCache{
		entries:  make(map[string]*entry),
		capacity: capacity,
	}
	go c.cleanup()
	return c
}

func (c *InMemoryCache) Get(ctx context.Context, fingerprint string) (*domain.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok {
		return nil, false
	}

	if time.Now().After(e.expiresAt) {
		delete(c.entries, fingerprint)
		return nil, false
	}

	e.hits++
	return e.result, true
}

func (c *InMemoryCache) Set(ctx context.Context, fingerprint string, result *domain.Result, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity > 0 && len(c.entries) >= c.capacity {
		if _, exists := c.entries[fingerprint]; !exists {
			c.evictOldest()
		}
	}

	now := time.Now()
	c.entries[fingerprint] = &entry{
		result:    result,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}

	return nil
}

// Hits reports the hit counter for a fingerprint, for introspection and tests.
func (c *InMemoryCache) Hits(fingerprint string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.entries[fingerprint]; ok {
		return e.hits
	}
	return 0
}

// evictOldest removes the entry closest to expiry. Caller holds the lock.
func (c *InMemoryCache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, e := range c.entries {
		if oldestKey == "" || e.expiresAt.Before(oldest) {
			oldestKey = key
			oldest = e.expiresAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *InMemoryCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		now := time.Now()
		for key, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, key)
			}
		}
		c.mu.Unlock()
	}
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCache{client: client}, nil
}

func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, fingerprint string) (*domain.Result, bool) {
	data, err := c.client.Get(ctx, keyPrefix+fingerprint).Bytes()
	if err != nil {
		return nil, false
	}

	var result domain.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false
	}

	return &result, true
}

func (c *RedisCache) Set(ctx context.Context, fingerprint string, result *domain.Result, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, keyPrefix+fingerprint, data, ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
