// Package ratelimit provides per-client token bucket rate limiting for the HTTP API.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures rate limiting.
type Config struct {
	// RequestsPerMinute is the refill rate of each client's bucket.
	RequestsPerMinute int
	// BurstSize is the bucket capacity.
	BurstSize int
	// WriteCost is the number of tokens a POST spends. Creating bookings,
	// holds and top-ups starts provider work, so writes drain faster than reads.
	WriteCost int
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
	// ExemptPaths are path prefixes that are never limited. Payment provider
	// webhooks retry on 429 and must not be throttled behind user traffic.
	ExemptPaths []string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		WriteCost:         2,
		CleanupInterval:   time.Minute,
		ExemptPaths:       []string{"/webhooks/", "/v1/webhooks/", "/health", "/metrics"},
	}
}

// Limiter holds one token bucket per client key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// New creates a limiter and starts its cleanup loop. Call Stop when done.
func New(cfg Config) *Limiter {
	if cfg.BurstSize < 1 {
		cfg.BurstSize = 1
	}
	if cfg.WriteCost < 1 {
		cfg.WriteCost = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

// Stop ends the cleanup loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.stop:
			return
		}
	}
}

// evictIdle drops buckets that have refilled completely; they carry no state.
func (l *Limiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, b := range l.buckets {
		if b.tokens+l.refill(now.Sub(b.seen)) >= float64(l.cfg.BurstSize) {
			delete(l.buckets, key)
		}
	}
}

func (l *Limiter) refill(elapsed time.Duration) float64 {
	return elapsed.Seconds() * float64(l.cfg.RequestsPerMinute) / 60.0
}

// Allow spends one token for key.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.Take(key, 1)
	return ok
}

// Take spends cost tokens for key. When the bucket is short it returns false
// and how long until enough tokens have accrued.
func (l *Limiter) Take(key string, cost int) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(l.cfg.BurstSize), seen: now}
		l.buckets[key] = b
	}
	b.tokens = math.Min(float64(l.cfg.BurstSize), b.tokens+l.refill(now.Sub(b.seen)))
	b.seen = now

	need := float64(min(cost, l.cfg.BurstSize))
	if b.tokens >= need {
		b.tokens -= need
		return true, 0
	}
	if l.cfg.RequestsPerMinute <= 0 {
		return false, time.Minute
	}
	perToken := time.Minute / time.Duration(l.cfg.RequestsPerMinute)
	return false, time.Duration((need - b.tokens) * float64(perToken))
}

// Len reports how many client buckets are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Middleware limits each client, keyed by bearer token when present and by
// IP otherwise.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.exempt(c.Request.URL.Path) {
			c.Next()
			return
		}

		key := "ip:" + c.ClientIP()
		// Bearer tokens share their header prefix; key on the signature tail.
		if token := c.GetHeader("Authorization"); token != "" {
			key = "auth:" + token[max(0, len(token)-20):]
		}

		cost := 1
		if c.Request.Method == http.MethodPost {
			cost = l.cfg.WriteCost
		}

		if ok, wait := l.Take(key, cost); !ok {
			secs := max(1, int(math.Ceil(wait.Seconds())))
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": secs,
			})
			return
		}
		c.Next()
	}
}

func (l *Limiter) exempt(path string) bool {
	for _, prefix := range l.cfg.ExemptPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
