// Package redisstore shares login lockout state across API instances.
package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"medrec.org/internal/auth"
)

const defaultPrefix = "medrec:login:"

// Limiter is an auth.LoginLimiter backed by Redis counters with TTLs.
type Limiter struct {
	rdb    redis.Cmdable
	prefix string
	max    int64
	window time.Duration
}

var _ auth.LoginLimiter = (*Limiter)(nil)

// NewLimiter locks a key for window once maxAttempts failures land inside one window.
func NewLimiter(rdb redis.Cmdable, maxAttempts int, window time.Duration) *Limiter {
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &Limiter{rdb: rdb, prefix: defaultPrefix, max: int64(maxAttempts), window: window}
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func (l *Limiter) failKey(key string) string { return l.prefix + "fail:" + key }
func (l *Limiter) lockKey(key string) string { return l.prefix + "lock:" + key }

func (l *Limiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	if l.max <= 0 {
		return true, 0, nil
	}
	ttl, err := l.rdb.PTTL(ctx, l.lockKey(key)).Result()
	if err != nil {
		return true, 0, err
	}
	// -2 missing, -1 without expiry
	if ttl <= 0 {
		return true, 0, nil
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	return false, ttl, nil
}

func (l *Limiter) Failure(ctx context.Context, key string) error {
	if l.max <= 0 {
		return nil
	}
	var incr *redis.IntCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, l.failKey(key))
		pipe.Expire(ctx, l.failKey(key), l.window)
		return nil
	})
	if err != nil {
		return err
	}
	if incr.Val() < l.max {
		return nil
	}
	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, l.lockKey(key), 1, l.window)
		pipe.Del(ctx, l.failKey(key))
		return nil
	})
	return err
}

func (l *Limiter) Success(ctx context.Context, key string) error {
	if l.max <= 0 {
		return nil
	}
	return l.rdb.Del(ctx, l.failKey(key)).Err()
}
