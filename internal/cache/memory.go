package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/eugenenazirov/bundle-allocator/internal/allocator"
)

type memoryEntry struct {
	summary allocator.Summary
	// expiresAt is zero for entries without a TTL.
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Stats is a point-in-time view of a MemoryCache.
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// MemoryCache keeps summaries in process memory.
type MemoryCache struct {
	entries *xsync.Map[string, memoryEntry]
	hits    atomic.Int64
	misses  atomic.Int64
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: xsync.NewMap[string, memoryEntry](),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (allocator.Summary, bool) {
	entry, ok := c.entries.Load(key)
	if !ok || entry.expired(c.now()) {
		if ok {
			c.entries.Delete(key)
		}
		c.misses.Add(1)
		return allocator.Summary{}, false
	}
	c.hits.Add(1)
	return entry.summary, true
}

// Set stores summary and purges every expired entry.
func (c *MemoryCache) Set(_ context.Context, key string, summary allocator.Summary, ttl time.Duration) {
	now := c.now()
	c.purge(now)

	entry := memoryEntry{summary: summary}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	c.entries.Store(key, entry)
}

func (c *MemoryCache) Has(_ context.Context, key string) bool {
	entry, ok := c.entries.Load(key)
	return ok && !entry.expired(c.now())
}

func (c *MemoryCache) Clear(context.Context) {
	c.entries.Clear()
}

// Len returns the number of stored entries, including expired ones not yet purged.
func (c *MemoryCache) Len() int {
	return c.entries.Size()
}

func (c *MemoryCache) Stats() Stats {
	return Stats{
		Entries: c.entries.Size(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

func (c *MemoryCache) purge(now time.Time) {
	c.entries.Range(func(key string, entry memoryEntry) bool {
		if entry.expired(now) {
			c.entries.Delete(key)
		}
		return true
	})
}
