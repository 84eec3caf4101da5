package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type staticLimiter struct {
	allow bool
	keys  []string
}

func (s *staticLimiter) Allow(key string) bool {
	s.keys = append(s.keys, key)
	return s.allow
}

func TestRateLimitMiddlewareBlocksWhenLimiterDenies(t *testing.T) {
	middleware := rateLimitMiddleware(&staticLimiter{allow: false}, http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatalf("handler should not execute when rate limited")
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	middleware.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestRateLimitMiddlewarePassesClientKey(t *testing.T) {
	var called bool
	limiter := &staticLimiter{allow: true}
	middleware := rateLimitMiddleware(limiter, http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:51234"
	middleware.ServeHTTP(rec, req)

	if !called {
		t.Fatalf("expected handler to execute when limiter allows")
	}
	if len(limiter.keys) != 1 || limiter.keys[0] != "10.0.0.7" {
		t.Fatalf("expected client host as key, got %v", limiter.keys)
	}
}

func TestClientRateLimiterUsesDefaults(t *testing.T) {
	limiter := newClientRateLimiter(0, 0)
	if !limiter.Allow("a") {
		t.Fatalf("expected first request to be allowed")
	}
	if limiter.Allow("a") {
		t.Fatalf("expected burst of one to deny the immediate second request")
	}
}

func TestClientRateLimiterIsolatesClients(t *testing.T) {
	limiter := newClientRateLimiter(1, 2)
	fixed := time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return fixed }

	for i := 0; i < 2; i++ {
		if !limiter.Allow("a") {
			t.Fatalf("request %d for client a should be within burst", i)
		}
	}
	if limiter.Allow("a") {
		t.Fatalf("client a should be limited after its burst")
	}
	if !limiter.Allow("b") {
		t.Fatalf("client b should have its own bucket")
	}

	fixed = fixed.Add(time.Second)
	if !limiter.Allow("a") {
		t.Fatalf("client a should be refilled after one second")
	}
}

func TestClientRateLimiterPrunesIdleClients(t *testing.T) {
	limiter := newClientRateLimiter(100, 100)
	now := time.Date(2024, 11, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("idle")
	now = now.Add(limiterIdleTTL + time.Minute)
	limiter.Allow("active")
	limiter.prune(now)

	if limiter.size() != 1 {
		t.Fatalf("expected idle client to be pruned, %d clients left", limiter.size())
	}
}
