package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/callwatch/callwatch/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StatusCache memoizes carrier status lookups in Redis so repeated
// batches do not re-hit the carrier APIs for the same tracking number.
type StatusCache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewStatusCache creates a Redis-backed status cache using environment
// variables for connection configuration.
// Environment variables:
//   - REDIS_HOST: Redis host (default: "localhost")
//   - REDIS_PORT: Redis port (default: "6379")
//   - REDIS_PASSWORD: Redis password (default: "")
//   - REDIS_DB: Redis database number (default: "0")
func NewStatusCache(ctx context.Context, logger *zap.Logger, ttl time.Duration) (*StatusCache, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	password := utils.Env("REDIS_PASSWORD", "")
	db := utils.EnvInt("REDIS_DB", 0)

	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int("db", db),
		zap.Duration("ttl", ttl))

	return &StatusCache{client: rdb, logger: logger, ttl: ttl}, nil
}

func statusKey(carrier Carrier, trackingNumber string) string {
	return fmt.Sprintf("tracking:status:%s:%s", carrier, trackingNumber)
}

// Get returns the cached status for a tracking number, or "" on a miss.
func (c *StatusCache) Get(ctx context.Context, carrier Carrier, trackingNumber string) string {
	val, err := c.client.Get(ctx, statusKey(carrier, trackingNumber)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("Status cache read failed", zap.Error(err))
		}
		return ""
	}
	return val
}

// Set stores a status with the configured TTL. Write failures are
// logged and swallowed; the cache is an optimization, not a store.
func (c *StatusCache) Set(ctx context.Context, carrier Carrier, trackingNumber, status string) {
	if err := c.client.Set(ctx, statusKey(carrier, trackingNumber), status, c.ttl).Err(); err != nil {
		c.logger.Warn("Status cache write failed", zap.Error(err))
	}
}

// Close closes the Redis connection.
func (c *StatusCache) Close() error {
	return c.client.Close()
}
