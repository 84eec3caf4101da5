package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/eugenenazirov/bundle-allocator/internal/allocator"
	"github.com/eugenenazirov/bundle-allocator/internal/api"
	"github.com/eugenenazirov/bundle-allocator/internal/cache"
	"github.com/eugenenazirov/bundle-allocator/internal/config"
	"github.com/eugenenazirov/bundle-allocator/internal/metrics"
	"github.com/eugenenazirov/bundle-allocator/internal/storage"
)

// App encapsulates the application dependencies and HTTP server.
type App struct {
	storage      storage.Storage
	closeStorage func() error
	cache        cache.Cache
	solver       *cache.CachingSolver
	registry     *prometheus.Registry
	handler      *api.Handler
	router       http.Handler
	logger       *zap.Logger
	server       *http.Server
}

// New initializes the application with all dependencies from the provided configuration.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	engineOpts, err := cfg.Engine.Options()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve engine options: %w", err)
	}
	initial, err := cfg.InitialBundleSet()
	if err != nil {
		return nil, fmt.Errorf("failed to build initial bundles: %w", err)
	}

	store, closeStorage, err := storage.Open(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	if err := storage.Seed(ctx, store, initial); err != nil {
		_ = closeStorage()
		return nil, fmt.Errorf("failed to apply initial bundles: %w", err)
	}

	resultCache, err := cache.New(ctx, cfg.Cache, logger)
	if err != nil {
		_ = closeStorage()
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	engine := allocator.New(allocator.WithOptions(engineOpts), allocator.WithLogger(logger))
	solver := cache.NewCachingSolver(engine, resultCache,
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithMetrics(m),
	)

	handler := api.NewHandler(solver, store,
		api.WithEngineOptions(engineOpts),
		api.WithParallelConfig(cfg.Parallel),
		api.WithMetrics(m),
		api.WithLogger(logger),
	)
	router := api.NewRouter(handler, logger,
		api.WithLogging(cfg.EnableRequestLogging),
		api.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
		api.WithCORSOrigins(cfg.CORSAllowedOrigins...),
		api.WithMetricsEndpoint(registry),
	)

	logger.Info("application initialised",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("cache", cfg.Cache.Driver),
		zap.String("profile", cfg.Engine.Profile),
		zap.Int("initial_bundles", initial.Len()),
	)

	return &App{
		storage:      store,
		closeStorage: closeStorage,
		cache:        resultCache,
		solver:       solver,
		registry:     registry,
		handler:      handler,
		router:       router,
		logger:       logger,
		server:       NewServer(cfg, router),
	}, nil
}

// NewServer creates and configures an HTTP server from the provided configuration.
func NewServer(cfg config.Config, handler http.Handler) *http.Server {
	addr := cfg.Port
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// Start starts the HTTP server in a goroutine and logs the listening address.
func (a *App) Start() error {
	go func() {
		a.logger.Info("server listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("server error", zap.Error(err))
		}
	}()
	return nil
}

// Server returns the HTTP server instance for shutdown handling.
func (a *App) Server() *http.Server {
	return a.server
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Close releases the storage and cache connections. Call it after the
// server has shut down.
func (a *App) Close() error {
	var errs []error
	if closer, ok := a.cache.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if a.closeStorage != nil {
		if err := a.closeStorage(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	return errors.Join(errs...)
}
