// Package ratelimit gates every inbound request behind a shared
// token-bucket: 300 points per client identity per rolling 60s window.
// The Redis implementation makes its decision in a single scripted round
// trip so two concurrent requests can never both spend the last point.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultPoints is the bucket capacity per window.
	DefaultPoints = 300

	// DefaultWindow is the rolling window after which the bucket resets.
	DefaultWindow = 60 * time.Second
)

// Decision is the outcome of a consume attempt.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is the distributed token-bucket gate shared by all handlers.
type Limiter interface {
	// Consume atomically spends one point for key. It never performs the
	// caller's side effect; on an exhausted bucket the caller must reject
	// the request outright.
	Consume(ctx context.Context, key string) (Decision, error)
}

// consumeScript spends one point and reports the new count plus the
// window's remaining TTL in a single atomic round trip. The first spend in
// a window arms the expiry.
var consumeScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter implements Limiter on a shared Redis counter per key.
type RedisLimiter struct {
	rdb    redis.Scripter
	points int
	window time.Duration
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter. Zero points/window fall
// back to the defaults (300 per 60s).
func NewRedisLimiter(rdb *redis.Client, points int, window time.Duration) *RedisLimiter {
	if points <= 0 {
		points = DefaultPoints
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisLimiter{rdb: rdb, points: points, window: window, prefix: "rl:global:"}
}

func (l *RedisLimiter) Consume(ctx context.Context, key string) (Decision, error) {
	res, err := consumeScript.Run(ctx, l.rdb, []string{l.prefix + key},
		l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: consume %s: %w", key, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: consume %s: unexpected script reply of length %d", key, len(res))
	}

	current, ttlMs := res[0], res[1]
	if ttlMs < 0 {
		ttlMs = l.window.Milliseconds()
	}
	d := Decision{
		Allowed:    current <= int64(l.points),
		Remaining:  l.points - int(current),
		RetryAfter: time.Duration(ttlMs) * time.Millisecond,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d, nil
}

// MemoryLimiter implements Limiter with in-process fixed windows. Used for
// testing and Redis-less development; not shared across instances.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	points  int
	window  time.Duration
}

type bucket struct {
	used    int
	resetAt time.Time
}

// NewMemoryLimiter creates an in-memory limiter.
func NewMemoryLimiter(points int, window time.Duration) *MemoryLimiter {
	if points <= 0 {
		points = DefaultPoints
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		points:  points,
		window:  window,
	}
}

func (l *MemoryLimiter) Consume(_ context.Context, key string) (Decision, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = &bucket{resetAt: now.Add(l.window)}
		l.buckets[key] = b
	}

	b.used++
	d := Decision{
		Allowed:    b.used <= l.points,
		Remaining:  l.points - b.used,
		RetryAfter: b.resetAt.Sub(now),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d, nil
}
