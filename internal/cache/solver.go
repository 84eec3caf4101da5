package cache

import (
	"context"
	"time"

	"github.com/eugenenazirov/bundle-allocator/internal/allocator"
	"github.com/eugenenazirov/bundle-allocator/internal/metrics"
)

// CachingSolver answers repeated problems from a Cache. Failed runs are
// never cached.
type CachingSolver struct {
	solver  *allocator.Allocator
	cache   Cache
	ttl     time.Duration
	metrics *metrics.Metrics
}

// SolverOption configures a CachingSolver.
type SolverOption func(*CachingSolver)

// WithTTL sets the lifetime of stored summaries. Zero keeps them until cleared.
func WithTTL(ttl time.Duration) SolverOption {
	return func(s *CachingSolver) {
		s.ttl = ttl
	}
}

// WithMetrics records cache hits and misses.
func WithMetrics(m *metrics.Metrics) SolverOption {
	return func(s *CachingSolver) {
		s.metrics = m
	}
}

func NewCachingSolver(solver *allocator.Allocator, cache Cache, opts ...SolverOption) *CachingSolver {
	if cache == nil {
		cache = NullCache{}
	}
	s := &CachingSolver{solver: solver, cache: cache}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// With returns a solver that shares the cache but runs a.
func (s *CachingSolver) With(a *allocator.Allocator) *CachingSolver {
	clone := *s
	clone.solver = a
	return &clone
}

// Solve returns the summary for the problem and whether it came from the cache.
func (s *CachingSolver) Solve(ctx context.Context, inventory []allocator.Item, set allocator.BundleSet) (allocator.Summary, bool, error) {
	key := GenerateKey(inventory, set, s.solver.Options())

	if summary, ok := s.cache.Get(ctx, key); ok {
		s.record(metrics.CacheGet, metrics.CacheHit)
		return summary, true, nil
	}
	s.record(metrics.CacheGet, metrics.CacheMiss)

	res, err := s.solver.Solve(inventory, set)
	if err != nil {
		return allocator.Summary{}, false, err
	}

	summary := res.Summary()
	s.cache.Set(ctx, key, summary, s.ttl)
	s.record(metrics.CacheSet, metrics.CacheOK)
	if mc, ok := s.cache.(*MemoryCache); ok && s.metrics != nil {
		s.metrics.SetCacheEntries(mc.Len())
	}
	return summary, false, nil
}

// Clear empties the underlying cache.
func (s *CachingSolver) Clear(ctx context.Context) {
	s.cache.Clear(ctx)
	s.record(metrics.CacheClear, metrics.CacheOK)
	if s.metrics != nil {
		s.metrics.SetCacheEntries(0)
	}
}

func (s *CachingSolver) record(operation, result string) {
	if s.metrics != nil {
		s.metrics.RecordCacheOperation(operation, result)
	}
}
