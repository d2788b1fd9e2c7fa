package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	maxTrackedKeys = 10000
	idleKeyTTL     = 10 * time.Minute
)

// RateLimiter is a per-key token bucket limiter. Keys idle for longer than
// ten minutes are forgotten.
type RateLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

// NewRateLimiter creates a limiter allowing perMinute requests per key per
// minute, with bursts of the same size.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 1
	}
	return &RateLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](maxTrackedKeys, nil, idleKeyTTL),
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    perMinute,
	}
}

// Allow reports whether a request for key may proceed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	l, ok := rl.limiters.Get(key)
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
	}
	// Re-adding refreshes the idle TTL.
	rl.limiters.Add(key, l)
	rl.mu.Unlock()
	return l.Allow()
}

func jsonRateLimited(w http.ResponseWriter) {
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
}

// RateLimitBySubject returns middleware that rate limits by authenticated
// subject, falling back to the client IP.
func RateLimitBySubject(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := GetSubjectID(r.Context())
			if key == "" {
				key = clientIP(r)
			}
			if !limiter.Allow(key) {
				jsonRateLimited(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
