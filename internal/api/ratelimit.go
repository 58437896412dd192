package api

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/trustsubstrate/internal/identity"
	"golang.org/x/time/rate"
)

// KeyFunc names the budget a request draws from.
type KeyFunc func(c *gin.Context) string

// LimitKey keys authenticated requests by tenant and actor, so callers that
// share an egress IP keep separate budgets. Anything else is keyed by IP.
// It must run after identity.Authenticate.
func LimitKey(c *gin.Context) string {
	id := identity.IdentityFromCtx(c)
	if id.Authenticated && id.Subject != "" {
		return "tenant:" + id.ActiveTenant + "/actor:" + id.Subject
	}
	return "ip:" + c.ClientIP()
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter is an in-process token bucket per key. It serves single
// replicas and stands in for RedisRateLimiter while Redis is down.
type LocalLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLocalLimiter creates a limiter refilling rps tokens per second up to
// burst. Buckets unused for ten minutes are dropped by Sweep.
func NewLocalLimiter(rps, burst int) *LocalLimiter {
	if burst < 1 {
		burst = 1
	}
	return &LocalLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idle:    10 * time.Minute,
		buckets: make(map[string]*bucket),
	}
}

// Allow takes a token from key's bucket. When none is left it returns false
// and how long until one is.
func (l *LocalLimiter) Allow(key string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Second
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Sweep drops buckets idle since before now minus the idle window and
// returns how many it dropped.
func (l *LocalLimiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idle {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// Len returns the number of live buckets.
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Run sweeps every interval until ctx is done.
func (l *LocalLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.Sweep(now)
		}
	}
}

// Middleware enforces the limiter on key(c).
func (l *LocalLimiter) Middleware(key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ok, wait := l.Allow(key(c), time.Now()); !ok {
			tooManyRequests(c, wait)
			return
		}
		c.Next()
	}
}

// RateLimiter returns LocalLimiter middleware keyed by key, sweeping idle
// buckets every five minutes until ctx is done.
func RateLimiter(ctx context.Context, rps, burst int, key KeyFunc) gin.HandlerFunc {
	l := NewLocalLimiter(rps, burst)
	go l.Run(ctx, 5*time.Minute)
	return l.Middleware(key)
}

func tooManyRequests(c *gin.Context, wait time.Duration) {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error": "rate limit exceeded",
	})
}
