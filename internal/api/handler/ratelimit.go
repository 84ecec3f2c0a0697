package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/chainchat/internal/identity"
	"golang.org/x/time/rate"
)

// idleBucketTTL is how long an unused bucket survives a sweep.
const idleBucketTTL = 10 * time.Minute

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// ClientIPKey charges a request to the client address.
func ClientIPKey(c *gin.Context) string { return "ip:" + c.ClientIP() }

// SenderKey charges a request to the session's username, so senders behind
// one address are limited independently. Requests without a session fall
// back to ClientIPKey. It must run after identity.RequireSession.
func SenderKey(c *gin.Context) string {
	if claims := identity.SessionFromCtx(c); claims != nil && claims.Username != "" {
		return SenderBucket(claims.Username)
	}
	return ClientIPKey(c)
}

// SenderBucket is the bucket key for a named sender. The websocket intake
// path uses it to share buckets with POST /messages.
func SenderBucket(username string) string { return "sender:" + username }

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a keyed token-bucket rate limiter. Buckets idle for longer than
// idleBucketTTL are swept every 5 minutes until the constructor's ctx is done.
type Limiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter creates a Limiter allowing rps steady-state requests per key
// with bursts of up to burst.
func NewLimiter(ctx context.Context, rps float64, burst int) *Limiter {
	l := &Limiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
	go l.sweepLoop(ctx)
	return l
}

// Allow reports whether one more event is allowed for key now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	l.mu.Unlock()
	return b.limiter.Allow()
}

// Middleware returns a Gin middleware that answers 429 once the bucket
// chosen by key is empty.
func (l *Limiter) Middleware(key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(key(c)) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func (l *Limiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > idleBucketTTL {
			delete(l.buckets, key)
		}
	}
}
