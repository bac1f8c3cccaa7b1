// Package cache provides a read-through Redis cache for the RPC layer's
// read endpoints (listProjects/listTasks/projectById). The RPC layer
// invalidates it after its own writes (submit, cancel, retry, delete); writes
// made by the pipeline runner are not invalidated and become visible once the
// short TTL expires.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// TTLs for the read endpoints the cache fronts. Kept short: the store is the
// single source of truth and a crashed-and-resumed task must be visible to
// pollers within one TTL window.
const (
	TTLProjectList   = 5 * time.Second
	TTLProjectDetail = 5 * time.Second
	TTLTaskList      = 5 * time.Second
)

// Key prefixes, used both for building keys and for InvalidatePrefix scans.
const (
	PrefixProjectList   = "grillmaster:projects"
	PrefixProjectDetail = "grillmaster:project"
	PrefixTaskList      = "grillmaster:tasks"
)

// Cache wraps a Redis client with typed get/set operations and a
// cache-aside pattern for transparent caching of store queries.
type Cache struct {
	client *redis.Client
	log    *logrus.Logger
}

// New creates a cache instance from a Redis address (host:port, no scheme).
func New(addr string, log *logrus.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Cache{client: client, log: log}, nil
}

// NewFromClient wraps an already-constructed client, letting tests point the
// cache at a miniredis instance.
func NewFromClient(client *redis.Client, log *logrus.Logger) *Cache {
	return &Cache{client: client, log: log}
}

// Get retrieves a cached value and unmarshals it into dest. Returns true iff
// the key was found and successfully unmarshaled.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) bool {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).WithField("key", key).Warn("cache get error")
		}
		return false
	}

	if err := json.Unmarshal(data, dest); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache unmarshal error")
		return false
	}
	return true
}

// Set marshals value and stores it in Redis with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling cache value: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("setting cache key %s: %w", key, err)
	}
	return nil
}

// Delete removes a single key from the cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("deleting cache key %s: %w", key, err)
	}
	return nil
}

// InvalidatePrefix deletes every key under prefix. Called after any store
// write that could change a cached listing or detail view.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix string) error {
	iter := c.client.Scan(ctx, 0, prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.log.WithError(err).WithField("key", iter.Val()).Warn("failed to delete cache key")
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning cache keys with prefix %s: %w", prefix, err)
	}
	return nil
}

// InvalidateAll clears every listing/detail prefix this package owns. Called
// by the RPC layer after project submission, cancellation, retry, and
// deletion, since any of those can change what every one of those views
// would return.
func (c *Cache) InvalidateAll(ctx context.Context, projectID string) {
	if err := c.InvalidatePrefix(ctx, PrefixProjectList); err != nil {
		c.log.WithError(err).Warn("failed to invalidate project list cache")
	}
	if err := c.InvalidatePrefix(ctx, PrefixTaskList); err != nil {
		c.log.WithError(err).Warn("failed to invalidate task list cache")
	}
	if projectID != "" {
		if err := c.Delete(ctx, fmt.Sprintf("%s:%s", PrefixProjectDetail, projectID)); err != nil {
			c.log.WithError(err).Warn("failed to invalidate project detail cache")
		}
	}
}

// GetOrSet implements the cache-aside pattern: try cache, on miss call
// loader, populate cache (best-effort), and fill dest either way.
func (c *Cache) GetOrSet(ctx context.Context, key string, dest interface{}, ttl time.Duration, loader func() (interface{}, error)) error {
	if c.Get(ctx, key, dest) {
		c.log.WithField("key", key).Debug("cache hit")
		return nil
	}

	c.log.WithField("key", key).Debug("cache miss, loading from source")

	result, err := loader()
	if err != nil {
		return err
	}

	if setErr := c.Set(ctx, key, result, ttl); setErr != nil {
		c.log.WithError(setErr).WithField("key", key).Warn("failed to populate cache")
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling loader result: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("unmarshaling loader result into dest: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}
