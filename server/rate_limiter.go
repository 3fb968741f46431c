package main

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type rateRecord struct {
	count int
	reset time.Time
}

// RateLimiter counts requests per key in fixed windows.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateRecord
	now     func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: make(map[string]rateRecord), now: time.Now}
}

// Allow reports whether key may proceed under limit per window, and when the
// current window ends.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) (bool, time.Time) {
	if limit <= 0 {
		return true, time.Time{}
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rec, ok := rl.entries[key]
	if !ok || !now.Before(rec.reset) {
		rec = rateRecord{reset: now.Add(window)}
	}
	if rec.count >= limit {
		return false, rec.reset
	}
	rec.count++
	rl.entries[key] = rec
	return true, rec.reset
}

// Prune drops windows that have ended.
func (rl *RateLimiter) Prune() int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	var n int
	for k, rec := range rl.entries {
		if !now.Before(rec.reset) {
			delete(rl.entries, k)
			n++
		}
	}
	return n
}

type RateLimiterStats struct {
	Keys int `json:"keys"`
}

func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return RateLimiterStats{Keys: len(rl.entries)}
}

// rateLimited wraps a handler with a limit keyed by scope and keyFn. An empty
// key falls back to the client IP.
func (s *Server) rateLimited(scope string, limit int, window time.Duration, keyFn func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFn(c)
		if key == "" {
			key = c.ClientIP()
		}
		ok, reset := s.rateLimiter.Allow(scope+":"+key, limit, window)
		if !ok {
			retry := int(reset.Sub(s.rateLimiter.now()).Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(retry))
			respondError(c, http.StatusTooManyRequests, "rate limit exceeded", s.logger)
			return
		}
		c.Next()
	}
}
