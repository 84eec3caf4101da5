package allocator

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

const (
	// DefaultSortField sorts inventory by item id.
	DefaultSortField = "id"

	mib = 1024 * 1024
)

// Profile names accepted by ProfileOptions.
const (
	ProfileDefault       = "default"
	ProfileLargeDatasets = "large_datasets"
	ProfilePerformance   = "performance"
	ProfileBalanced      = "balanced"
)

// Options tune a Solve run. None of them change the allocation itself except
// SortField and SortDescending.
type Options struct {
	SortField      string `json:"sortField" yaml:"sort_field"`
	SortDescending bool   `json:"sortDescending" yaml:"sort_descending"`
	// MaxMemoryUsage is an entry guard on the estimated deck size in bytes. Zero disables it.
	MaxMemoryUsage int64 `json:"maxMemoryUsage" yaml:"max_memory_usage"`
	// LazyEvaluation keeps the introspection deck run-length encoded until SubsetItems is called.
	LazyEvaluation bool `json:"lazyEvaluation" yaml:"lazy_evaluation"`
	EnableLogging  bool `json:"enableLogging" yaml:"enable_logging"`
}

// DefaultOptions mirrors the "default" profile.
func DefaultOptions() Options {
	return Options{
		SortField:      DefaultSortField,
		MaxMemoryUsage: 128 * mib,
		LazyEvaluation: true,
	}
}

var profiles = map[string]func() Options{
	ProfileDefault: DefaultOptions,
	ProfileLargeDatasets: func() Options {
		o := DefaultOptions()
		o.MaxMemoryUsage = 512 * mib
		o.LazyEvaluation = true
		o.EnableLogging = true
		return o
	},
	ProfilePerformance: func() Options {
		o := DefaultOptions()
		o.MaxMemoryUsage = 64 * mib
		o.LazyEvaluation = false
		o.EnableLogging = false
		return o
	},
	ProfileBalanced: func() Options {
		o := DefaultOptions()
		o.MaxMemoryUsage = 256 * mib
		o.LazyEvaluation = true
		o.EnableLogging = false
		return o
	},
}

// ProfileOptions returns the preset for name. An empty name selects the default profile.
func ProfileOptions(name string) (Options, error) {
	if name == "" {
		return DefaultOptions(), nil
	}
	build, ok := profiles[name]
	if !ok {
		return Options{}, fmt.Errorf("%w: unknown profile %q (available: %v)", ErrInvalidArgument, name, Profiles())
	}
	return build(), nil
}

// Profiles lists the known profile names in sorted order.
func Profiles() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithOptions replaces the allocator options.
func WithOptions(opts Options) Option {
	return func(a *Allocator) {
		a.opts = opts
	}
}

// WithSortBy sets the sort field and direction used when building the deck.
func WithSortBy(field string, descending bool) Option {
	return func(a *Allocator) {
		a.opts.SortField = field
		a.opts.SortDescending = descending
	}
}

// WithLogger injects the logger used when EnableLogging is set.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Allocator) {
		if logger != nil {
			a.logger = logger
		}
	}
}
