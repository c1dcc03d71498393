// Package cache provides the short-lived read cache in front of the tenant
// store. It supports both in-memory (single instance) and Redis (distributed)
// backends. Reads tolerate staleness up to the entry TTL.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL matches how long business data may be served stale.
const DefaultTTL = 90 * time.Second

// Cache defines the interface for read-cache backends.
type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
}

// InMemoryCache keeps entries in a map. Expired entries are evicted lazily
// by the next Get for the same key.
type InMemoryCache[V any] struct {
	mu    sync.Mutex
	items map[string]cacheItem[V]
	now   func() time.Time
}

type cacheItem[V any] struct {
	value     V
	expiresAt time.Time
}

func NewInMemoryCache[V any]() *InMemoryCache[V] {
	return &InMemoryCache[V]{
		items: make(map[string]cacheItem[V]),
		now:   time.Now,
	}
}

func (c *InMemoryCache[V]) Get(ctx context.Context, key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	item, ok := c.items[key]
	if !ok {
		return zero, false
	}

	if c.now().After(item.expiresAt) {
		delete(c.items, key)
		return zero, false
	}

	return item.value, true
}

func (c *InMemoryCache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = cacheItem[V]{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}

	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *InMemoryCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Nop never stores anything.
type Nop[V any] struct{}

func (Nop[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	return zero, false
}

func (Nop[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	return nil
}

type RedisCache[V any] struct {
	client *redis.Client
	prefix string
}

// NewRedisClient parses redisURL and verifies connectivity.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return client, nil
}

// NewRedisCache stores JSON-encoded values under prefix+key.
func NewRedisCache[V any](client *redis.Client, prefix string) *RedisCache[V] {
	return &RedisCache[V]{client: client, prefix: prefix}
}

func (c *RedisCache[V]) Get(ctx context.Context, key string) (V, bool) {
	var value V

	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		return value, false
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return value, false
	}

	return value, true
}

func (c *RedisCache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, c.prefix+key, data, ttl).Err()
}
