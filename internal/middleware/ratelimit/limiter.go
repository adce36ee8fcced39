package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/wudi/samlgate/internal/config"
	"github.com/wudi/samlgate/internal/errors"
	"github.com/wudi/samlgate/internal/middleware"
	"golang.org/x/time/rate"
)

// staleAfter is how long an idle client entry survives before cleanup.
const staleAfter = 10 * time.Minute

// client is one tracked caller with its token bucket.
type client struct {
	lim      *rate.Limiter
	lastSeen atomic.Int64 // unix nanos
}

// Limiter rate-limits requests per client IP.
type Limiter struct {
	rate     rate.Limit
	burst    int
	burstStr string // cached strconv.Itoa(burst) for headers
	clients  *shardedMap[*client]
	keyFn    func(*http.Request) string
	onReject func()

	allowed  atomic.Int64
	rejected atomic.Int64

	done chan struct{}
}

// New creates a per-client rate limiter from config.
func New(cfg config.RateLimitConfig) *Limiter {
	burst := cfg.Burst
	if burst == 0 {
		burst = int(cfg.Rate)
		if burst < 1 {
			burst = 1
		}
	}

	l := &Limiter{
		rate:     rate.Limit(cfg.Rate),
		burst:    burst,
		burstStr: strconv.Itoa(burst),
		clients:  newShardedMap[*client](),
		keyFn:    clientIP,
		done:     make(chan struct{}),
	}

	go l.cleanup()

	return l
}

// SetKeyFunc sets a custom key function for rate limiting
func (l *Limiter) SetKeyFunc(fn func(*http.Request) string) {
	l.keyFn = fn
}

// SetOnReject registers a callback invoked once per rejected request.
func (l *Limiter) SetOnReject(fn func()) {
	l.onReject = fn
}

// Allow checks if a request is allowed (for manual checking)
func (l *Limiter) Allow(r *http.Request) bool {
	key := l.keyFn(r)
	c := l.clients.getOrCreate(key, func() *client {
		return &client{lim: rate.NewLimiter(l.rate, l.burst)}
	})
	c.lastSeen.Store(time.Now().UnixNano())

	if c.lim.Allow() {
		l.allowed.Add(1)
		return true
	}
	l.rejected.Add(1)
	if l.onReject != nil {
		l.onReject()
	}
	return false
}

// Middleware creates a rate limiting middleware
func (l *Limiter) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-RateLimit-Limit", l.burstStr)

			if !l.Allow(r) {
				w.Header().Set("Retry-After", "1")
				errors.ErrTooManyRequests.WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Stats returns metrics for this limiter.
func (l *Limiter) Stats() map[string]int64 {
	return map[string]int64{
		"allowed":  l.allowed.Load(),
		"rejected": l.rejected.Load(),
	}
}

// Stop terminates the cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.done)
}

// cleanup removes stale client entries periodically
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-staleAfter).UnixNano()
			l.clients.deleteFunc(func(_ string, c *client) bool {
				return c.lastSeen.Load() < cutoff
			})
		case <-l.done:
			return
		}
	}
}

// clientIP returns the request's remote address without the port.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
