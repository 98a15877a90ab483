// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// In-memory token-bucket rate limiting keyed by caller. Reads and writes
// draw from separate buckets so a client polling a conversation snapshot
// cannot starve its own proposal or OTP submissions, and write spam is held
// to a tighter budget. Buckets are keyed by the caller resolved by Identity,
// so the limiter must run after it.
//
// The limiter is process-local; instances behind a load balancer each
// enforce their own budget.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// KeyFunc selects the identity a request is limited under.
type KeyFunc func(*gin.Context) string

// KeyByUserOrIP prefers the identity set by Identity and falls back to the
// client IP. Prefixes keep the two namespaces apart.
func KeyByUserOrIP() KeyFunc {
	return func(c *gin.Context) string {
		if uid := UserID(c); uid != "" {
			return "user:" + uid
		}
		return "ip:" + c.ClientIP()
	}
}

// Bucket classes.
const (
	classRead  = "read"
	classWrite = "write"
)

// RateLimitOptions configures NewRateLimiter.
type RateLimitOptions struct {
	// RPS and Burst bound safe methods (GET, HEAD, OPTIONS).
	RPS   float64
	Burst int
	// WriteRPS and WriteBurst bound everything else. Zero values reuse the
	// read budget.
	WriteRPS   float64
	WriteBurst int

	Key KeyFunc
	// IdleTTL is how long an unused bucket survives a Sweep. Defaults to 10m.
	IdleTTL time.Duration
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is safe for concurrent use.
type RateLimiter struct {
	read, write    rate.Limit
	rBurst, wBurst int
	key            KeyFunc
	ttl            time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	lookups uint64

	now func() time.Time
}

// NewRateLimiter builds a limiter from opts. Non-positive bursts become 1.
func NewRateLimiter(opts RateLimitOptions) *RateLimiter {
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.WriteRPS <= 0 {
		opts.WriteRPS = opts.RPS
	}
	if opts.WriteBurst <= 0 {
		opts.WriteBurst = opts.Burst
	}
	if opts.Key == nil {
		opts.Key = KeyByUserOrIP()
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	return &RateLimiter{
		read:    rate.Limit(opts.RPS),
		write:   rate.Limit(opts.WriteRPS),
		rBurst:  opts.Burst,
		wBurst:  opts.WriteBurst,
		key:     opts.Key,
		ttl:     opts.IdleTTL,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func classOf(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return classRead
	}
	return classWrite
}

// limiter returns the bucket for (class, key), creating it on first use.
// Every 4096 lookups idle buckets are swept inline.
func (rl *RateLimiter) limiter(class, key string) *rate.Limiter {
	now := rl.now()
	k := class + "|" + key

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lookups++
	if rl.lookups%4096 == 0 {
		rl.sweepLocked(now)
	}
	if b, ok := rl.buckets[k]; ok {
		b.lastSeen = now
		return b.lim
	}
	lim := rate.NewLimiter(rl.write, rl.wBurst)
	if class == classRead {
		lim = rate.NewLimiter(rl.read, rl.rBurst)
	}
	rl.buckets[k] = &bucket{lim: lim, lastSeen: now}
	return lim
}

// Sweep drops buckets idle for at least IdleTTL and reports how many went.
func (rl *RateLimiter) Sweep(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.sweepLocked(now)
}

func (rl *RateLimiter) sweepLocked(now time.Time) int {
	n := 0
	for k, b := range rl.buckets {
		if now.Sub(b.lastSeen) >= rl.ttl {
			delete(rl.buckets, k)
			n++
		}
	}
	return n
}

// Len reports the number of live buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// IsRateBypass reports whether IdempotencyValidator marked this request as
// a replay of a completed request.
func IsRateBypass(c *gin.Context) bool { return ctxBool(c, ctxKeyRateBypass) }

// Handler enforces the limits. Replays pass without spending a token;
// rejected requests get 429 with Retry-After in whole seconds.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}
		class := classOf(c.Request.Method)
		lim := rl.limiter(class, rl.key(c))
		if lim.AllowN(rl.now(), 1) {
			c.Next()
			return
		}

		rateLimited.WithLabelValues(class).Inc()
		c.Header("Retry-After", strconv.Itoa(retryAfter(lim, rl.now())))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}

// retryAfter reports the whole seconds until lim yields a token, at least 1.
func retryAfter(lim *rate.Limiter, now time.Time) int {
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return 1
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	if secs := int(math.Ceil(d.Seconds())); secs > 1 {
		return secs
	}
	return 1
}
