package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter is a fixed-window counter shared by all instances through
// Redis.
type RedisRateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
	now    func() time.Time
}

// NewRedisRateLimiter allows limit hits per key in every window.
func NewRedisRateLimiter(client *redis.Client, limit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, limit: int64(limit), window: window, now: time.Now}
}

func (r *RedisRateLimiter) key(client string) string {
	bucket := r.now().UnixNano() / int64(r.window)
	return fmt.Sprintf("rl:%s:%d", client, bucket)
}

// Allow counts one hit for client in the current window.
func (r *RedisRateLimiter) Allow(ctx context.Context, client string) (bool, error) {
	key := r.key(client)
	var incr *redis.IntCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, r.window)
		return nil
	})
	if err != nil {
		return false, err
	}
	return incr.Val() <= r.limit, nil
}
