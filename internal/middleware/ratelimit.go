package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/docuvault/docuvault/internal/safego"
)

// Limiter decides whether a client may proceed. Two implementations: an
// in-process token bucket for single-instance deployments, and a Redis-backed
// limiter that enforces one budget across replicas.
type Limiter interface {
	Allow(c *gin.Context, key string) (bool, error)
}

// RateLimit applies the limiter per client IP. Limiter errors fail open: a
// broken limiter backend must not take the audit API down with it.
func RateLimit(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, err := limiter.Allow(c, c.ClientIP())
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "error", err)
			c.Next()
			return
		}
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// --- in-memory token bucket -------------------------------------------------

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// MemoryLimiter is a per-key token bucket. Buckets idle for ten minutes are
// swept by a background janitor so the map does not grow unbounded.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	ratePerMin float64
	burst      float64
	stop       chan struct{}
}

// NewMemoryLimiter creates an in-process limiter allowing ratePerMin requests
// per minute per key, with a burst of the same size.
func NewMemoryLimiter(ratePerMin int) *MemoryLimiter {
	if ratePerMin <= 0 {
		ratePerMin = 300
	}
	l := &MemoryLimiter{
		buckets:    make(map[string]*bucket),
		ratePerMin: float64(ratePerMin),
		burst:      float64(ratePerMin),
		stop:       make(chan struct{}),
	}
	safego.Go("ratelimit-janitor", l.janitor)
	return l
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ *gin.Context, key string) (bool, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastSeen: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastSeen).Minutes()
	b.tokens += elapsed * l.ratePerMin
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

func (l *MemoryLimiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Close stops the janitor.
func (l *MemoryLimiter) Close() { close(l.stop) }

// --- Redis-backed limiter ---------------------------------------------------

// RedisLimiter enforces a shared budget across server replicas using the
// sliding-window limiter in redis_rate.
type RedisLimiter struct {
	limiter    *redis_rate.Limiter
	ratePerMin int
}

// NewRedisLimiter creates a limiter over the given Redis client.
func NewRedisLimiter(client *redis.Client, ratePerMin int) *RedisLimiter {
	if ratePerMin <= 0 {
		ratePerMin = 300
	}
	return &RedisLimiter{
		limiter:    redis_rate.NewLimiter(client),
		ratePerMin: ratePerMin,
	}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(c *gin.Context, key string) (bool, error) {
	res, err := l.limiter.Allow(c.Request.Context(), "ratelimit:"+key, redis_rate.PerMinute(l.ratePerMin))
	if err != nil {
		return false, err
	}
	return res.Allowed > 0, nil
}
