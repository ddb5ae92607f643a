// Package ratelimit implements fixed-window request counters shared through Redis.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "watchtower:rl:"

// RedisLimiter allows Limit hits per Window for each key. When Redis is unreachable it
// lets traffic through and logs the failure.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	now    func() time.Time
	log    *slog.Logger
}

func NewRedisLimiter(client *redis.Client, limit int, window time.Duration, log *slog.Logger) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  int64(limit),
		window: window,
		now:    time.Now,
		log:    log,
	}
}

// Allow counts one hit for key and reports whether it is within the limit.
func (l *RedisLimiter) Allow(ctx context.Context, key string) bool {
	n, err := l.hit(ctx, key)
	if err != nil {
		l.log.Warn("rate limiter unavailable, allowing request", "key", key, "err", err)
		return true
	}
	return n <= l.limit
}

func (l *RedisLimiter) hit(ctx context.Context, key string) (int64, error) {
	bucket := l.now().UnixNano() / int64(l.window)
	k := fmt.Sprintf("%s%s:%d", keyPrefix, key, bucket)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
