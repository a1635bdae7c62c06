package httpx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisRateLimiter shares fixed windows across API replicas through a
// Redis counter per key.
type redisRateLimiter struct {
	client *redis.Client
	prefix string
}

func newRedisRateLimiter(client *redis.Client) *redisRateLimiter {
	return &redisRateLimiter{client: client, prefix: "stackd:ratelimit:"}
}

func (l *redisRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (rateDecision, error) {
	redisKey := l.prefix + key

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return rateDecision{}, fmt.Errorf("incr %s: %w", redisKey, err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, window).Err(); err != nil {
			return rateDecision{}, fmt.Errorf("expire %s: %w", redisKey, err)
		}
	}

	retryIn := window
	if ttl, err := l.client.TTL(ctx, redisKey).Result(); err == nil && ttl > 0 {
		retryIn = ttl
	}
	return rateDecision{
		Allowed:   count <= int64(limit),
		Limit:     limit,
		Remaining: max(0, limit-int(count)),
		RetryIn:   retryIn,
	}, nil
}
