// Package idempotency de-duplicates replayed mutating requests. A client
// retrying POST/PUT/PATCH with the same Idempotency-Key header gets the
// first completion's response back verbatim instead of re-executing the
// handler.
package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nearcast/presence-engine/internal/metrics"
)

// TTL is how long a completed response stays replayable.
const TTL = 30 * time.Minute

// Header is the client-supplied idempotency token header.
const Header = "Idempotency-Key"

// entry is the cached outcome of a completed mutating request.
type entry struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

// Cache stores completed responses keyed by (method, path, token).
type Cache interface {
	Get(ctx context.Context, key string) (*entry, error)
	Set(ctx context.Context, key string, e *entry) error
}

// RedisCache implements Cache on shared Redis with the fixed TTL.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache creates a Redis-backed idempotency cache.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*entry, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: get %s: %w", key, err)
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, nil // unreadable entry: treat as a miss
	}
	return &e, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, e *entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, key, data, TTL).Err(); err != nil {
		return fmt.Errorf("idempotency: set %s: %w", key, err)
	}
	return nil
}

// MemoryCache implements Cache in-process. Used for testing and
// Redis-less development.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	entry
	expiresAt time.Time
}

// NewMemoryCache creates an in-memory idempotency cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, nil
	}
	cp := e.entry
	return &cp, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, e *entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{entry: *e, expiresAt: time.Now().Add(TTL)}
	return nil
}

// recorder captures the handler's response so it can be cached after the
// fact, while still streaming it to the client.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}

// Middleware replays cached responses for mutating requests bearing an
// Idempotency-Key. The cache is only written after the handler produces a
// non-5xx response, so a failed attempt never poisons later retries. Two
// concurrent first requests with the same key are not collapsed against
// each other; the last completion's response wins the cache slot.
func Middleware(cache Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			token := r.Header.Get(Header)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			key := cacheKey(r.Method, r.URL.Path, token)
			if cached, err := cache.Get(r.Context(), key); err != nil {
				slog.Error("idempotency cache read failed", "err", err)
			} else if cached != nil {
				metrics.IdempotentReplays.Inc()
				if cached.ContentType != "" {
					w.Header().Set("Content-Type", cached.ContentType)
				}
				w.Header().Set("Idempotent-Replay", "true")
				w.WriteHeader(cached.Status)
				w.Write(cached.Body)
				return
			}

			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError {
				return
			}
			e := &entry{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			}
			if err := cache.Set(r.Context(), key, e); err != nil {
				slog.Error("idempotency cache write failed", "err", err)
			}
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

func cacheKey(method, path, token string) string {
	return fmt.Sprintf("idem:%s:%s:%s", method, path, token)
}
