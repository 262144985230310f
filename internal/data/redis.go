// Package data provides data access layer implementations.
package data

import (
	"context"
	"crypto/tls"
	"time"

	"Atelier/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates a new Redis client with connection pool configuration.
// It returns the client, a cleanup function, and an error.
// Connection failure does not prevent application startup (graceful degradation).
func NewRedisClient(c *conf.Data, logger log.Logger) (*redis.Client, func(), error) {
	helper := log.NewHelper(logger)

	if c == nil || c.Redis == nil {
		helper.Warn("Redis configuration is nil, skipping Redis initialization")
		return nil, func() {}, nil
	}

	addr := c.Redis.Addr
	if addr == "" {
		helper.Warn("Redis address is empty, skipping Redis initialization")
		return nil, func() {}, nil
	}

	opts := &redis.Options{
		Network:         c.Redis.Network,
		Addr:            addr,
		Password:        c.Redis.Password,
		DB:              int(c.Redis.DB),
		PoolSize:        100,
		MinIdleConns:    10,
		DialTimeout:     3 * time.Second,
		ReadTimeout:     c.Redis.ReadTimeout.AsDuration(),
		WriteTimeout:    c.Redis.WriteTimeout.AsDuration(),
		ConnMaxIdleTime: 5 * time.Minute,
	}
	if c.Redis.EnableTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	rdb := redis.NewClient(opts)

	// Health check: verify connection with ping
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		helper.Warnf("Failed to connect to Redis at %s: %v (application will continue without Redis)", addr, err)
		// Return the client anyway for graceful degradation; repositories
		// retry on demand and treat the store as unavailable until it answers.
		return rdb, func() {
			helper.Info("Closing Redis client (connection was unavailable)")
			_ = rdb.Close()
		}, nil
	}

	helper.Infof("Successfully connected to Redis at %s", addr)

	cleanup := func() {
		helper.Info("Closing Redis client")
		if err := rdb.Close(); err != nil {
			helper.Errorf("Failed to close Redis client: %v", err)
		}
	}

	return rdb, cleanup, nil
}
