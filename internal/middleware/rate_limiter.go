package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// RateLimiter enforces sliding one-minute windows per key. The window
// map is garbage-collected in the background; call Stop when done.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	defMax  int
	done    chan struct{}
}

type rateWindow struct {
	count       int
	windowStart time.Time
}

// NewRateLimiter creates a limiter. defaultMaxPerMinute applies when a
// caller passes no per-key limit; zero falls back to 60.
func NewRateLimiter(defaultMaxPerMinute int) *RateLimiter {
	if defaultMaxPerMinute <= 0 {
		defaultMaxPerMinute = 60
	}
	rl := &RateLimiter{
		windows: make(map[string]*rateWindow),
		defMax:  defaultMaxPerMinute,
		done:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

// Stop ends the background window cleanup.
func (rl *RateLimiter) Stop() {
	close(rl.done)
}

// Allow reports whether one more call for key fits the current window.
// maxPerMinute overrides the default when positive.
func (rl *RateLimiter) Allow(key string, maxPerMinute int) bool {
	limit := rl.defMax
	if maxPerMinute > 0 {
		limit = maxPerMinute
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	w, ok := rl.windows[key]
	if !ok || now.Sub(w.windowStart) > time.Minute {
		rl.windows[key] = &rateWindow{count: 1, windowStart: now}
		return true
	}

	w.count++
	if w.count > limit {
		slog.Warn("rate limit exceeded", "key", key, "count", w.count, "limit", limit)
		return false
	}
	return true
}

// Middleware limits requests per caller, identified by the X-Caller-DID
// header with the remote address as fallback.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Caller-DID")
		if key == "" {
			key = r.RemoteAddr
		}

		if !rl.Allow(key, 0) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":60}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, w := range rl.windows {
				if now.Sub(w.windowStart) > 2*time.Minute {
					delete(rl.windows, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}
