package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const idleEviction = 5 * time.Minute

// RateLimiter throttles the ops surface per client IP with a token bucket.
// A nil limiter disables throttling entirely.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	buckets   map[string]*bucket
	nextSweep time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter builds a limiter from a requests-per-minute budget. Burst is
// a tenth of the budget with a floor of one, so short spikes pass but
// sustained overages do not.
func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
}

// Handler returns the gin middleware enforcing the budget.
func (r *RateLimiter) Handler() gin.HandlerFunc {
	if r == nil {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		if !r.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "rate_limited",
				"error_description": "Request budget exceeded. Retry later.",
			})
			return
		}
		c.Next()
	}
}

func (r *RateLimiter) allow(key string) bool {
	now := time.Now()

	r.mu.Lock()
	entry, ok := r.buckets[key]
	if !ok {
		entry = &bucket{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[key] = entry
	}
	entry.lastSeen = now
	if now.After(r.nextSweep) {
		for k, b := range r.buckets {
			if now.Sub(b.lastSeen) > idleEviction {
				delete(r.buckets, k)
			}
		}
		r.nextSweep = now.Add(idleEviction)
	}
	limiter := entry.limiter
	r.mu.Unlock()

	return limiter.Allow()
}
