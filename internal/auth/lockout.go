package auth

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultLimiterCapacity bounds the number of handles MemoryLimiter tracks.
const DefaultLimiterCapacity = 10000

// LoginLimiter throttles failed logins per normalized handle.
type LoginLimiter interface {
	// Allow reports whether an attempt may proceed and, if not, how long to wait.
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
	Failure(ctx context.Context, key string) error
	Success(ctx context.Context, key string) error
}

type lockoutEntry struct {
	failures     int
	firstFailure time.Time
	lockedUntil  time.Time
}

// stale reports whether the entry no longer affects the key.
func (e *lockoutEntry) stale(now time.Time, window time.Duration) bool {
	if !e.lockedUntil.IsZero() {
		return !now.Before(e.lockedUntil)
	}
	return !now.Before(e.firstFailure.Add(window))
}

// MemoryLimiter is an in-process LoginLimiter for single-instance deployments.
// Failures count only inside one window from the first of them, and at most
// capacity handles are tracked; the least recently failed is dropped first.
// A zero maxAttempts disables it.
type MemoryLimiter struct {
	mu     sync.Mutex
	cache  *lru.LRU[string, *lockoutEntry]
	max    int
	window time.Duration
	now    func() time.Time
}

var _ LoginLimiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter locks a key for window after maxAttempts failures within window.
func NewMemoryLimiter(maxAttempts int, window time.Duration) *MemoryLimiter {
	if window <= 0 {
		window = 15 * time.Minute
	}
	l := &MemoryLimiter{
		max:    maxAttempts,
		window: window,
		now:    time.Now,
	}
	l.cache = lru.NewLRU[string, *lockoutEntry](DefaultLimiterCapacity, nil, window)
	return l
}

// WithCapacity replaces the tracked-handle bound. Call it before use.
func (l *MemoryLimiter) WithCapacity(n int) *MemoryLimiter {
	if n > 0 {
		l.mu.Lock()
		l.cache = lru.NewLRU[string, *lockoutEntry](n, nil, l.window)
		l.mu.Unlock()
	}
	return l
}

// WithClock overrides the limiter time source.
func (l *MemoryLimiter) WithClock(fn func() time.Time) *MemoryLimiter {
	if fn != nil {
		l.now = fn
	}
	return l
}

// Len drops stale entries and returns the number of tracked handles.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for _, key := range l.cache.Keys() {
		if e, ok := l.cache.Peek(key); ok && e.stale(now, l.window) {
			l.cache.Remove(key)
		}
	}
	return l.cache.Len()
}

// lookup returns the live entry for key, dropping it when stale.
func (l *MemoryLimiter) lookup(key string, now time.Time) *lockoutEntry {
	e, ok := l.cache.Get(key)
	if !ok {
		return nil
	}
	if e.stale(now, l.window) {
		l.cache.Remove(key)
		return nil
	}
	return e
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	if l.max <= 0 {
		return true, 0, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e := l.lookup(key, now)
	if e == nil || e.lockedUntil.IsZero() {
		return true, 0, nil
	}
	wait := e.lockedUntil.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return false, wait, nil
}

func (l *MemoryLimiter) Failure(_ context.Context, key string) error {
	if l.max <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e := l.lookup(key, now)
	if e == nil {
		e = &lockoutEntry{firstFailure: now}
	}
	e.failures++
	if e.failures >= l.max && e.lockedUntil.IsZero() {
		e.lockedUntil = now.Add(l.window)
	}
	// Add refreshes the entry's ttl so the cache never outlives a lock.
	l.cache.Add(key, e)
	return nil
}

func (l *MemoryLimiter) Success(_ context.Context, key string) error {
	if l.max <= 0 {
		return nil
	}
	l.mu.Lock()
	l.cache.Remove(key)
	l.mu.Unlock()
	return nil
}

type noopLimiter struct{}

func (noopLimiter) Allow(context.Context, string) (bool, time.Duration, error) { return true, 0, nil }
func (noopLimiter) Failure(context.Context, string) error                      { return nil }
func (noopLimiter) Success(context.Context, string) error                      { return nil }
