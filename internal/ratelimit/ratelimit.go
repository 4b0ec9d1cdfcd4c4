// Package ratelimit throttles API clients with per-IP token buckets.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config sets the sustained rate, the burst allowance, and how often idle
// buckets are swept out of memory.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
	CleanupInterval   time.Duration
}

// DefaultConfig allows one request per second sustained with bursts of ten.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// bucket holds the remaining tokens for one client. Tokens refill lazily
// on each Allow call based on elapsed time.
type bucket struct {
	tokens  float64
	updated time.Time
}

// Limiter maintains one token bucket per client key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	done    chan struct{}
}

// New starts a limiter and its background sweeper. Call Stop on shutdown.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Stop terminates the background sweeper.
func (l *Limiter) Stop() {
	close(l.done)
}

// sweep drops buckets that have been idle long enough to be full again.
func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			stale := time.Now().Add(-2 * time.Minute)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.updated.Before(stale) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Allow takes one token from key's bucket, reporting false when empty.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), updated: now}
		return true
	}

	perSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens += now.Sub(b.updated).Seconds() * perSecond
	if max := float64(l.cfg.BurstSize); b.tokens > max {
		b.tokens = max
	}
	b.updated = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware rejects requests from exhausted client IPs with 429.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			return
		}
		c.Next()
	}
}
