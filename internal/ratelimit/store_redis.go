package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"itroad-gateway/pkg/requestcontext"
)

// Redis key prefix for rate windows.
const redisWindowKeyPrefix = "rl:window:"

// RedisStore counts windows in Redis so limits hold across gateway instances.
// Windows are aligned to clock boundaries: every instance incrementing the
// same slot key sees one shared counter.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps an externally managed Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Allow increments the caller's counter for the current window slot. The
// increment and expiry travel in one pipeline, so a counting round trip costs
// a single network exchange.
func (s *RedisStore) Allow(ctx context.Context, key string, limit int, windowSize time.Duration) (Result, error) {
	now := requestcontext.Now(ctx)
	slotStart := now.Truncate(windowSize)
	slotKey := redisWindowKeyPrefix + key + ":" + strconv.FormatInt(slotStart.Unix(), 10)

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, slotKey)
	// Keep the slot a little past its reset so late stragglers still count.
	pipe.Expire(ctx, slotKey, windowSize+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("increment rate window: %w", err)
	}

	count := int(incr.Val())
	resetAt := slotStart.Add(windowSize)
	result := Result{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: max(0, limit-count),
		ResetAt:   resetAt,
	}
	if !result.Allowed {
		result.RetryAfter = retryAfterSeconds(resetAt, now)
	}
	return result, nil
}
