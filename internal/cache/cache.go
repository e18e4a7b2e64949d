package cache

import (
	"context"
	"time"
)

// BytesCache — то, что сервисам нужно от кэша. Реализация — rediscache.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}
