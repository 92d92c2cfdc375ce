package internal

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window limiter keyed by client IP for webhook endpoints.
// Gateways retry rejected notifications, so limiting never loses an event.
type RateLimiter struct {
	mu           sync.Mutex
	windows      map[string]*window
	limit        int
	size         time.Duration
	now          func() time.Time
	sinceCleanup int
}

type window struct {
	count   int
	resetAt time.Time
}

// cleanupEvery is the number of calls between sweeps of expired windows.
const cleanupEvery = 100

// NewRateLimiter allows limit requests per client per size window.
// now may be nil to use the wall clock.
func NewRateLimiter(limit int, size time.Duration, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		windows: make(map[string]*window),
		limit:   limit,
		size:    size,
		now:     now,
	}
}

// Allow reports whether key may make another request in its current window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sinceCleanup++
	if rl.sinceCleanup >= cleanupEvery {
		rl.sinceCleanup = 0
		rl.dropExpired(now)
	}

	w, ok := rl.windows[key]
	if !ok || !now.Before(w.resetAt) {
		rl.windows[key] = &window{count: 1, resetAt: now.Add(rl.size)}
		return true
	}
	if w.count >= rl.limit {
		return false
	}
	w.count++
	return true
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

func (rl *RateLimiter) dropExpired(now time.Time) {
	for key, w := range rl.windows {
		if !now.Before(w.resetAt) {
			delete(rl.windows, key)
		}
	}
}

// Middleware wraps an HTTP handler with rate limiting
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(ClientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP extracts the client IP address from the request.
// Checks X-Forwarded-For header first (set by proxies/load balancers),
// then falls back to RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip, _, _ := strings.Cut(xff, ","); strings.TrimSpace(ip) != "" {
			return strings.TrimSpace(ip)
		}
	}
	return r.RemoteAddr
}
