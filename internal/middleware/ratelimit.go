package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/dukerupert/graphsafe/internal/apperr"
)

// Login attempts allowed per source IP.
const (
	LoginLimit  = 5
	LoginWindow = 5 * time.Minute
)

// RateLimiter is an in-memory sliding-window limiter. Each key keeps the
// timestamps of its admitted requests inside the current window.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries map[string][]time.Time
	now     func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		entries: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow admits a request for key unless limit requests were already
// admitted within the trailing window. When denied it also returns how long
// until the oldest admitted request leaves the window.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	hits := prune(rl.entries[key], now.Add(-rl.window))
	if len(hits) >= rl.limit {
		rl.entries[key] = hits
		return false, hits[0].Add(rl.window).Sub(now)
	}
	rl.entries[key] = append(hits, now)
	return true, 0
}

func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}

// Cleanup removes keys with no requests inside the window.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	for key, hits := range rl.entries {
		if hits = prune(hits, cutoff); len(hits) == 0 {
			delete(rl.entries, key)
		} else {
			rl.entries[key] = hits
		}
	}
}

// RateLimit returns middleware that rate-limits requests by a key function.
func RateLimit(limiter *RateLimiter, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, retry := limiter.Allow(keyFunc(r))
			if !ok {
				secs := int(retry.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeError(w, fmt.Errorf("too many attempts, retry in %ds: %w", secs, apperr.ErrRateLimited))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
