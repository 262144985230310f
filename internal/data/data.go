// Package data provides data access layer implementations.
// It handles Redis job-state persistence and MySQL history archival.
package data

import (
	"Atelier/internal/conf"
	"Atelier/pkg/comfy"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewRedisClient,
	NewCacheClient,
	NewMySQLClient,
	NewWorkerClient,
)

// Data contains all data layer dependencies.
type Data struct {
	redisClient *redis.Client
	cache       CacheClient
}

// NewData creates a new Data instance with all data layer dependencies.
// Redis connection failure does not prevent application startup (graceful degradation).
func NewData(_ *conf.Data, logger log.Logger, rdb *redis.Client, cache CacheClient) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	if rdb == nil {
		helper.Warn("Redis client is nil, job-state persistence will be unavailable")
	}

	d := &Data{
		redisClient: rdb,
		cache:       cache,
	}

	cleanup := func() {
		helper.Info("closing the data resources")
	}

	return d, cleanup, nil
}

// GetCache returns the cache client for repository use.
func (d *Data) GetCache() CacheClient {
	return d.cache
}

// GetRedisClient returns the Redis client for advanced operations.
func (d *Data) GetRedisClient() *redis.Client {
	return d.redisClient
}

// NewWorkerClient creates the remote worker HTTP client from configuration.
func NewWorkerClient(c *conf.Worker) (comfy.Client, error) {
	return comfy.NewClient(comfy.Options{
		BaseURL:      c.BaseURL,
		ProxyURL:     c.ProxyURL,
		Timeout:      c.Timeout.AsDuration(),
		PollInterval: c.PollInterval.AsDuration(),
	})
}
