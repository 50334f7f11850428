package tokencache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "khqr:token:"

// RedisCache stores credentials in redis with a TTL equal to the remaining
// token lifetime; expiry enforcement is delegated entirely to redis.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, principal string) (string, bool, error) {
	token, err := c.client.Get(ctx, redisKeyPrefix+cacheKey(principal)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("tokencache: get: %w", err)
	}
	return token, true, nil
}

func (c *RedisCache) Set(ctx context.Context, principal, token string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := c.client.Set(ctx, redisKeyPrefix+cacheKey(principal), token, ttl).Err(); err != nil {
		return fmt.Errorf("tokencache: set: %w", err)
	}
	return nil
}
