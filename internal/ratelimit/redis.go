package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter is a fixed-window counter backed by Redis, for deployments
// that need limits shared across instances. Fixed-window semantics keep
// the backend to a single INCR+EXPIRE per check.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter creates a counter on an existing client.
func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

// Check admits or denies one request for key under the rule. The window
// boundary is aligned to wall-clock multiples of WindowMS so all
// instances agree on bucket identity.
func (c *RedisCounter) Check(ctx context.Context, key string, rule Rule, now time.Time) (Decision, error) {
	windowDur := time.Duration(rule.WindowMS) * time.Millisecond
	bucket := now.UnixMilli() / int64(rule.WindowMS)
	redisKey := fmt.Sprintf("%s:%s:%d", c.prefix, key, bucket)
	resetAt := time.UnixMilli((bucket + 1) * int64(rule.WindowMS))

	count, err := c.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit incr: %w", err)
	}
	if count == 1 {
		// First hit owns the expiry. A second TTL set is harmless.
		if err := c.client.Expire(ctx, redisKey, windowDur).Err(); err != nil {
			return Decision{}, fmt.Errorf("ratelimit expire: %w", err)
		}
	}

	if int(count) > rule.MaxRequests {
		return Decision{Allowed: false, Limit: rule.MaxRequests, Remaining: 0, ResetAt: resetAt}, nil
	}
	return Decision{
		Allowed:   true,
		Limit:     rule.MaxRequests,
		Remaining: rule.MaxRequests - int(count),
		ResetAt:   resetAt,
	}, nil
}
