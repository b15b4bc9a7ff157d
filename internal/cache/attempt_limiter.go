package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const attemptKeyPrefix = "englisheditor:redeem_failures:"

// AttemptLimiter counts failed redemption attempts per fingerprint in a
// fixed window. The window starts at the first failure.
type AttemptLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewAttemptLimiter(client *redis.Client, limit int, window time.Duration) *AttemptLimiter {
	return &AttemptLimiter{client: client, limit: limit, window: window}
}

// Blocked reports whether key has used up its failures for the window.
func (l *AttemptLimiter) Blocked(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Get(ctx, attemptKeyPrefix+key).Int()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return n >= l.limit, nil
}

// RecordFailure increments the failure count for key and returns it.
func (l *AttemptLimiter) RecordFailure(ctx context.Context, key string) (int, error) {
	redisKey := attemptKeyPrefix + key
	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, redisKey)
		p.ExpireNX(ctx, redisKey, l.window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (l *AttemptLimiter) Clear(ctx context.Context, key string) error {
	return l.client.Del(ctx, attemptKeyPrefix+key).Err()
}
