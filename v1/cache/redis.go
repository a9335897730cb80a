package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisCache implements Cache on a Redis backend. Values pass through
// the configured Codec; a decode failure is reported as an error, not a
// miss, so callers can tell poisoned entries from absent ones.
type RedisCache[T any] struct {
	client *redis.Client
	codec  Codec
}

// NewRedis returns a RedisCache using the provided client. A nil codec
// defaults to JSONCodec. The caller owns the client and its lifetime.
func NewRedis[T any](client *redis.Client, codec Codec) *RedisCache[T] {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &RedisCache[T]{client: client, codec: codec}
}

// Get implements Cache.Get.
func (c *RedisCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	var v T
	if err := c.codec.Unmarshal(data, &v); err != nil {
		return zero, false, fmt.Errorf("redis decode %q: %w", key, err)
	}
	return v, true, nil
}

// Set implements Cache.Set.
func (c *RedisCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := c.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("redis encode %q: %w", key, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Invalidate implements Cache.Invalidate.
func (c *RedisCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

var _ Cache[string] = (*RedisCache[string])(nil)
