package rediscache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RateLimiter считает запросы к публичным ручкам в фиксированном окне.
type RateLimiter struct {
	c *redis.Client
}

func NewRateLimiter(addr string) *RateLimiter {
	return &RateLimiter{
		c: redis.NewClient(&redis.Options{Addr: addr}),
	}
}

// LimitKey — ключ окна лимита для вызывающего и ручки.
func LimitKey(caller, path string) string {
	return "ratelimit:" + caller + ":" + path
}

// Allow инкрементирует счётчик окна и возвращает (allowed, currentCount).
// TTL ставится только на первом инкременте, иначе окно ползёт за
// каждым запросом и лимит никогда не сбрасывается под нагрузкой.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	n, err := rl.c.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	if n == 1 {
		if err := rl.c.Expire(ctx, key, window).Err(); err != nil {
			return false, 0, errors.Wrap(err, "redis ratelimit expire")
		}
	}
	return n <= limit, n, nil
}
