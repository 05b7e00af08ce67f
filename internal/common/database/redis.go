// internal/common/database/redis.go
package database

import (
	"context"
	"fmt"
	"time"

	"valuation-pipeline/internal/common/config"

	"github.com/redis/go-redis/v9"
)

// RedisClient wraps the client backing the remote cache tier.
type RedisClient struct {
	Client redis.Cmdable
	prefix string
	closer func() error
}

func NewRedis(cfg config.RedisConfig) (*RedisClient, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})
	return &RedisClient{Client: rdb, prefix: cfg.KeyPrefix, closer: rdb.Close}, nil
}

// NewRedisFromClient wraps an existing client; tests pass a redismock or miniredis client.
func NewRedisFromClient(c redis.Cmdable, prefix string) *RedisClient {
	return &RedisClient{Client: c, prefix: prefix}
}

func (c *RedisClient) Ping(ctx context.Context) error {
	if err := c.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (c *RedisClient) Close() error {
	if c.closer != nil {
		return c.closer()
	}
	return nil
}

// Key applies the configured namespace prefix.
func (c *RedisClient) Key(key string) string {
	return c.prefix + key
}

func (c *RedisClient) Get(ctx context.Context, key string) ([]byte, error) {
	return c.Client.Get(ctx, c.Key(key)).Bytes()
}

func (c *RedisClient) Set(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	return c.Client.Set(ctx, c.Key(key), string(value), expiration).Err()
}
