package api

import (
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL = 10 * time.Minute
	pruneEvery     = 1024
)

type rateLimiter interface {
	Allow(key string) bool
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// clientRateLimiter keeps one token bucket per client key. Buckets idle for
// longer than limiterIdleTTL are dropped every pruneEvery calls.
type clientRateLimiter struct {
	limit   rate.Limit
	burst   int
	clients *xsync.Map[string, *clientLimiter]
	calls   atomic.Uint64
	now     func() time.Time
}

func newClientRateLimiter(ratePerSecond float64, burst int) *clientRateLimiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}

	return &clientRateLimiter{
		limit:   rate.Limit(ratePerSecond),
		burst:   burst,
		clients: xsync.NewMap[string, *clientLimiter](),
		now:     time.Now,
	}
}

func (l *clientRateLimiter) Allow(key string) bool {
	now := l.now()

	client, ok := l.clients.Load(key)
	if !ok {
		client, _ = l.clients.LoadOrStore(key, &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)})
	}
	client.lastSeen.Store(now.UnixNano())

	if l.calls.Add(1)%pruneEvery == 0 {
		l.prune(now)
	}
	return client.limiter.AllowN(now, 1)
}

func (l *clientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-limiterIdleTTL).UnixNano()
	l.clients.Range(func(key string, client *clientLimiter) bool {
		if client.lastSeen.Load() < cutoff {
			l.clients.Delete(key)
		}
		return true
	})
}

func (l *clientRateLimiter) size() int {
	return l.clients.Size()
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func rateLimitMiddleware(limiter rateLimiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter.Allow(clientKey(r)) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Retry-After", strconv.Itoa(1))
		writeError(w, http.StatusTooManyRequests, "Too many requests", "rate limit exceeded, please retry shortly")
	})
}
