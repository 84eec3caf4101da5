// Package cache stores allocation summaries keyed by a hash of the inputs
// that determine them.
package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/bundle-allocator/internal/allocator"
)

// Supported drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverNull   = "null"
)

// DefaultPrefix namespaces keys in shared stores.
const DefaultPrefix = "subset_finder:"

// Cache is a best-effort summary store. Backend failures are reported as
// misses.
type Cache interface {
	Get(ctx context.Context, key string) (allocator.Summary, bool)
	Set(ctx context.Context, key string, summary allocator.Summary, ttl time.Duration)
	Has(ctx context.Context, key string) bool
	Clear(ctx context.Context)
}

// Config selects and tunes the cache backend.
type Config struct {
	Driver string        `yaml:"driver"`
	TTL    time.Duration `yaml:"ttl"`
	Redis  RedisConfig   `yaml:"redis"`
}

// RedisConfig holds connection details for the redis driver.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// New builds the cache for cfg. When the redis driver cannot reach its
// server, New logs a warning and returns a MemoryCache.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryCache(), nil
	case DriverNull:
		return NullCache{}, nil
	case DriverRedis:
		rc, err := NewRedisCache(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Warn("redis cache unavailable, falling back to memory",
				zap.String("addr", cfg.Redis.Addr),
				zap.Error(err),
			)
			return NewMemoryCache(), nil
		}
		return rc, nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}

// NullCache never stores anything.
type NullCache struct{}

func (NullCache) Get(context.Context, string) (allocator.Summary, bool) {
	return allocator.Summary{}, false
}

func (NullCache) Set(context.Context, string, allocator.Summary, time.Duration) {}

func (NullCache) Has(context.Context, string) bool { return false }

func (NullCache) Clear(context.Context) {}
