package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// WindowLimiter is a fixed-window counter shared through Redis, so the cap holds
// across engine replicas.
type WindowLimiter struct {
	redis  redis.UniversalClient
	prefix string
	max    int64
	window time.Duration
}

// NewWindowLimiter returns nil when max or window is not positive; a nil
// WindowLimiter allows everything.
func NewWindowLimiter(redisClient redis.UniversalClient, prefix string, max int, window time.Duration) *WindowLimiter {
	if redisClient == nil || max <= 0 || window <= 0 {
		return nil
	}
	return &WindowLimiter{redis: redisClient, prefix: prefix, max: int64(max), window: window}
}

// Allow counts one hit for key and returns ErrRateLimited once the window's
// budget is spent.
func (l *WindowLimiter) Allow(ctx context.Context, key string) error {
	if l == nil || key == "" {
		return nil
	}

	count, err := l.incrementWithTTL(ctx, l.prefix+":"+key)
	if err != nil {
		return err
	}
	if count > l.max {
		return ErrRateLimited
	}
	return nil
}

func (l *WindowLimiter) incrementWithTTL(ctx context.Context, key string) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, l.window).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}
