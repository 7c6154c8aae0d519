package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/nearcast/presence-engine/internal/metrics"
)

// Middleware gates requests on the limiter, keyed by client IP (RealIP
// middleware should run first so X-Forwarded-For is honored). Exhausted
// buckets and limiter backend failures both reject with 429 before any
// handler side effect runs.
func Middleware(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := limiter.Consume(r.Context(), clientKey(r))
			if err != nil {
				slog.Error("rate limiter unavailable", "err", err)
			}
			if err != nil || !d.Allowed {
				metrics.RateLimitRejections.Inc()
				w.Header().Set("Content-Type", "application/json")
				if d.RetryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds()+0.5)))
				}
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{"error": "Too Many Requests"})
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "anon"
}
