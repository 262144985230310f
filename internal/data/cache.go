// Package data provides data access layer implementations.
package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// scanBatchSize is the COUNT hint handed to SCAN when listing keys.
const scanBatchSize = 100

// ErrCacheNotFound is returned when a cache key does not exist
var ErrCacheNotFound = errors.New("cache: key not found")

// CacheClient defines the interface for cache operations.
// Implementations must be thread-safe and handle serialization/deserialization.
type CacheClient interface {
	// Get retrieves a value from cache and deserializes it into dest.
	// Returns ErrCacheNotFound if key doesn't exist.
	Get(ctx context.Context, key string, dest interface{}) error

	// Set stores a value in cache with the specified TTL.
	// The value is serialized to JSON before storage.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a key from cache.
	Delete(ctx context.Context, key string) error

	// Keys lists all keys matching pattern using non-blocking SCAN
	// iteration, never KEYS.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Ping verifies the backing store answers.
	Ping(ctx context.Context) error
}

// redisCache is the Redis-based implementation of CacheClient.
type redisCache struct {
	client *redis.Client
}

// NewCacheClient creates a new Redis-based cache client.
// If the Redis client is nil, cache operations will gracefully fail.
func NewCacheClient(rdb *redis.Client) CacheClient {
	return &redisCache{
		client: rdb,
	}
}

// Get retrieves a value from cache and deserializes it into dest.
// Returns ErrCacheNotFound if the key doesn't exist (redis.Nil).
func (c *redisCache) Get(ctx context.Context, key string, dest interface{}) error {
	if c.client == nil {
		return errors.New("cache: redis client is nil")
	}

	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheNotFound
		}
		return fmt.Errorf("cache: failed to get key %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("cache: failed to unmarshal value for key %s: %w", key, err)
	}

	return nil
}

// Set stores a value in cache with the specified TTL.
// The value is serialized to JSON before storage.
func (c *redisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c.client == nil {
		return errors.New("cache: redis client is nil")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal value for key %s: %w", key, err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: failed to set key %s: %w", key, err)
	}

	return nil
}

// Delete removes a key from cache.
func (c *redisCache) Delete(ctx context.Context, key string) error {
	if c.client == nil {
		return errors.New("cache: redis client is nil")
	}

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: failed to delete key %s: %w", key, err)
	}

	return nil
}

// Keys lists all keys matching pattern via cursor-based SCAN.
func (c *redisCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	if c.client == nil {
		return nil, errors.New("cache: redis client is nil")
	}

	var keys []string
	iter := c.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cache: scan failed for pattern %s: %w", pattern, err)
	}

	return keys, nil
}

// Ping verifies the backing store answers.
func (c *redisCache) Ping(ctx context.Context) error {
	if c.client == nil {
		return errors.New("cache: redis client is nil")
	}
	return c.client.Ping(ctx).Err()
}
