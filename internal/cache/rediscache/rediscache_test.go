package rediscache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_GetSet(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	b, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), b)
}

func TestRateLimiter_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(mr.Addr())

	ctx := context.Background()
	ok, n, err := rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), n)

	ok, n, _ = rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.True(t, ok)
	require.Equal(t, int64(2), n)

	ok, n, _ = rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.False(t, ok)
	require.Equal(t, int64(3), n)

	// окно истекло — счётчик начинается заново
	mr.FastForward(time.Minute + time.Second)
	ok, n, err = rl.Allow(ctx, "rl:test", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), n)
}

func TestRateLimiter_windowDoesNotSlide(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(mr.Addr())

	ctx := context.Background()
	_, _, err := rl.Allow(ctx, "rl:w", 100, time.Minute)
	require.NoError(t, err)

	// повторные запросы не продлевают TTL окна
	mr.FastForward(45 * time.Second)
	_, _, err = rl.Allow(ctx, "rl:w", 100, time.Minute)
	require.NoError(t, err)

	mr.FastForward(20 * time.Second)
	_, n, err := rl.Allow(ctx, "rl:w", 100, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestLimitKey(t *testing.T) {
	require.Equal(t, "ratelimit:10.0.0.1:/packages/estimate", LimitKey("10.0.0.1", "/packages/estimate"))
}



func TestRedisCache_Del(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "package:p1:status", []byte(`{"status":"created"}`), time.Minute))
	require.NoError(t, c.Del(ctx, "package:p1:status"))

	_, ok, err := c.Get(ctx, "package:p1:status")
	require.NoError(t, err)
	require.False(t, ok)
}
