package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, max int, window time.Duration) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewLimiter(rdb, max, window), mr
}

func TestLimiterLocksAfterMaxFailures(t *testing.T) {
	ctx := context.Background()
	l, mr := newLimiter(t, 3, 5*time.Minute)

	for i := 0; i < 2; i++ {
		require.NoError(t, l.Failure(ctx, "nurse@clinic.test"))
		ok, _, err := l.Allow(ctx, "nurse@clinic.test")
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, l.Failure(ctx, "nurse@clinic.test"))
	ok, wait, err := l.Allow(ctx, "nurse@clinic.test")
	require.NoError(t, err)
	require.False(t, ok)
	require.InDelta(t, (5 * time.Minute).Seconds(), wait.Seconds(), 1)

	ok, _, err = l.Allow(ctx, "doctor@clinic.test")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(5 * time.Minute)
	ok, _, err = l.Allow(ctx, "nurse@clinic.test")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, mr.Exists(defaultPrefix+"fail:nurse@clinic.test"), "counter restarts after a lock")
}

func TestLimiterSuccessClearsCounter(t *testing.T) {
	ctx := context.Background()
	l, mr := newLimiter(t, 2, time.Minute)

	require.NoError(t, l.Failure(ctx, "a@clinic.test"))
	require.NoError(t, l.Success(ctx, "a@clinic.test"))
	require.False(t, mr.Exists(defaultPrefix+"fail:a@clinic.test"))

	require.NoError(t, l.Failure(ctx, "a@clinic.test"))
	ok, _, err := l.Allow(ctx, "a@clinic.test")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLimiterFailureWindowExpires(t *testing.T) {
	ctx := context.Background()
	l, mr := newLimiter(t, 2, time.Minute)

	require.NoError(t, l.Failure(ctx, "a@clinic.test"))
	mr.FastForward(2 * time.Minute)
	require.NoError(t, l.Failure(ctx, "a@clinic.test"))

	ok, _, err := l.Allow(ctx, "a@clinic.test")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLimiterReportsBackendErrors(t *testing.T) {
	ctx := context.Background()
	l, mr := newLimiter(t, 2, time.Minute)
	mr.Close()

	ok, _, err := l.Allow(ctx, "a@clinic.test")
	require.Error(t, err)
	require.True(t, ok, "callers fail open")
	require.Error(t, l.Failure(ctx, "a@clinic.test"))
}
