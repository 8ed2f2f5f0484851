package server

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/api"
	"github.com/Rofiq02bae/coffeepoint/internal/auth"
	"github.com/Rofiq02bae/coffeepoint/internal/logger"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	CodeRateLimited = "rate_limited"

	bucketIdleTTL = 3 * time.Minute
	sweepInterval = time.Minute
)

// KeyFunc picks the bucket a request draws from.
type KeyFunc func(c *gin.Context) string

// ClientIP keys requests by the caller's address.
func ClientIP(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

// AccountOrIP keys authenticated requests by account, so one device cannot
// spread a burst of redemptions across addresses. Anonymous requests fall
// back to the client address.
func AccountOrIP(c *gin.Context) string {
	if id, ok := auth.GetAccountID(c); ok {
		return "account:" + id
	}
	return ClientIP(c)
}

// RateLimiter keeps one token bucket per key. Idle buckets are dropped
// during later calls.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(rps float64, burst int, ttl time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(rps),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Reserve takes a token for key. It returns zero when the request may
// proceed, or how long the caller should wait before trying again.
func (rl *RateLimiter) Reserve(key string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Second
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		// A rejected request must not consume the next token.
		r.CancelAt(now)
	}
	return delay
}

func (rl *RateLimiter) Allow(key string) bool {
	return rl.Reserve(key) == 0
}

func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < sweepInterval {
		return
	}
	rl.lastSweep = now
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > rl.ttl {
			delete(rl.buckets, key)
		}
	}
}

// Len reports how many buckets are tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// RateLimitMiddleware rejects requests whose bucket is empty with 429 and a
// Retry-After rounded up to whole seconds.
func RateLimitMiddleware(rl *RateLimiter, key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		k := key(c)
		wait := rl.Reserve(k)
		if wait == 0 {
			c.Next()
			return
		}

		seconds := int(math.Ceil(wait.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		logger.Debug("rate limited", "key", k, "path", c.FullPath(), "retry_after", seconds)
		c.Header("Retry-After", strconv.Itoa(seconds))
		api.Error(c, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded")
	}
}
