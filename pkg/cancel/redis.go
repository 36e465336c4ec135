package cancel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the Redis channel.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisChannel shares cancellation tokens between processes through Redis.
// Tokens are plain keys with an expiry; consumption uses GETDEL.
type RedisChannel struct {
	client *redis.Client
}

// NewRedisChannel connects to Redis and verifies the connection.
func NewRedisChannel(ctx context.Context, cfg RedisConfig) (*RedisChannel, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	return &RedisChannel{client: client}, nil
}

// NewRedisChannelFromClient wraps an existing client.
func NewRedisChannelFromClient(client *redis.Client) *RedisChannel {
	return &RedisChannel{client: client}
}

// RequestCancel sets key with the given expiry.
func (c *RedisChannel) RequestCancel(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := c.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to store cancellation token: %w", err)
	}
	return nil
}

// PollAndConsume atomically reads and deletes key.
func (c *RedisChannel) PollAndConsume(ctx context.Context, key string) (bool, error) {
	_, err := c.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to poll cancellation token: %w", err)
	}
	return true, nil
}

// Close closes the underlying client.
func (c *RedisChannel) Close() error {
	return c.client.Close()
}
