package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/eugenenazirov/bundle-allocator/internal/allocator"
)

const maxBundles = 64

var (
	// ErrInvalidBundles indicates the provided bundle set violates validation rules.
	ErrInvalidBundles = errors.New("bundle set must contain between 1 and 64 bundles")
	// ErrNoBundles is returned when no default bundle set has been stored yet.
	ErrNoBundles = errors.New("no default bundle set configured")
)

// Storage persists the default bundle set used when a request does not carry
// its own bundles.
type Storage interface {
	GetBundles(ctx context.Context) (allocator.BundleSet, error)
	SetBundles(ctx context.Context, set allocator.BundleSet) error
}

// MemoryStorage keeps the bundle set in-memory and guards access with a RWMutex.
type MemoryStorage struct {
	mu      sync.RWMutex
	bundles allocator.BundleSet
}

// NewMemoryStorage initialises storage, optionally seeded with initial.
func NewMemoryStorage(initial allocator.BundleSet) *MemoryStorage {
	return &MemoryStorage{bundles: initial}
}

// GetBundles returns the stored set. BundleSet values are immutable, so no
// copy is needed.
func (s *MemoryStorage) GetBundles(context.Context) (allocator.BundleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.bundles.Len() == 0 {
		return allocator.BundleSet{}, ErrNoBundles
	}
	return s.bundles, nil
}

// SetBundles validates and stores the provided set.
func (s *MemoryStorage) SetBundles(_ context.Context, set allocator.BundleSet) error {
	if err := validateBundles(set); err != nil {
		return err
	}

	s.mu.Lock()
	s.bundles = set
	s.mu.Unlock()

	return nil
}

func validateBundles(set allocator.BundleSet) error {
	if set.Len() == 0 || set.Len() > maxBundles {
		return fmt.Errorf("%w: got %d", ErrInvalidBundles, set.Len())
	}
	return nil
}

// Supported drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config selects the storage backend.
type Config struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Open builds the storage for cfg. The returned close function releases any
// underlying resources.
func Open(cfg Config) (Storage, func() error, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemoryStorage(allocator.BundleSet{}), func() error { return nil }, nil
	case DriverSQLite:
		dsn := cfg.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		store, err := NewSQLiteStorage(dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Seed stores initial into store unless initial is empty or the store
// already holds a set, so persisted bundles survive restarts.
func Seed(ctx context.Context, store Storage, initial allocator.BundleSet) error {
	if initial.Len() == 0 {
		return nil
	}
	_, err := store.GetBundles(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNoBundles) {
		return fmt.Errorf("seed default bundles: %w", err)
	}
	if err := store.SetBundles(ctx, initial); err != nil {
		return fmt.Errorf("seed default bundles: %w", err)
	}
	return nil
}
