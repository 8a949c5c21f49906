package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/perimetra/idpsync/pkg/storage"
)

// RedisClient caches provider rows and backs the distributed rate
// limiter. Provider rows are hot: the sign-in path, the scheduler and
// the refresh job all read them every few seconds.
type RedisClient struct {
	client *redis.Client
	config storage.Config
}

// NewRedisClient parses the URL, applies pool overrides and verifies
// connectivity.
func NewRedisClient(cfg storage.Config) (*RedisClient, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	if cfg.RedisDB >= 0 {
		opts.DB = cfg.RedisDB
	}
	if cfg.RedisMaxRetries > 0 {
		opts.MaxRetries = cfg.RedisMaxRetries
	}
	if cfg.RedisPoolSize > 0 {
		opts.PoolSize = cfg.RedisPoolSize
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{client: client, config: cfg}, nil
}

func providerKey(id string) string {
	return fmt.Sprintf("provider:%s", id)
}

// GetProvider returns the cached row, or nil on a miss.
func (c *RedisClient) GetProvider(ctx context.Context, id string) (*storage.Provider, error) {
	data, err := c.client.Get(ctx, providerKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var p storage.Provider
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		// Corrupt entry; drop it so the next read repopulates.
		c.client.Del(ctx, providerKey(id))
		return nil, fmt.Errorf("failed to unmarshal provider: %w", err)
	}
	return &p, nil
}

// SetProvider stores the row with the configured TTL.
func (c *RedisClient) SetProvider(ctx context.Context, p *storage.Provider) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal provider: %w", err)
	}
	return c.client.Set(ctx, providerKey(p.ID), data, c.config.CacheTTL).Err()
}

// InvalidateProvider removes the row after any column-subset write.
func (c *RedisClient) InvalidateProvider(ctx context.Context, id string) error {
	return c.client.Del(ctx, providerKey(id)).Err()
}

// Ping checks Redis connectivity.
func (c *RedisClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// GetClient returns the underlying client for health checks.
func (c *RedisClient) GetClient() *redis.Client {
	return c.client
}

// Close closes the Redis connection.
func (c *RedisClient) Close() error {
	return c.client.Close()
}

// GetPoolStats returns connection pool statistics.
func (c *RedisClient) GetPoolStats() *redis.PoolStats {
	return c.client.PoolStats()
}

// Incr increments a counter (for rate limiting).
func (c *RedisClient) Incr(ctx context.Context, key string) (int64, error) {
	return c.client.Incr(ctx, key).Result()
}

// Expire sets a key's expiration.
func (c *RedisClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.client.Expire(ctx, key, expiration).Err()
}

// TTL returns the remaining time to live of a key.
func (c *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.client.TTL(ctx, key).Result()
}
