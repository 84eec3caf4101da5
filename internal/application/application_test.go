package application

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/bundle-allocator/internal/allocator"
	"github.com/eugenenazirov/bundle-allocator/internal/cache"
	"github.com/eugenenazirov/bundle-allocator/internal/config"
	"github.com/eugenenazirov/bundle-allocator/internal/parallel"
	"github.com/eugenenazirov/bundle-allocator/internal/storage"
)

func TestNewInitializesDependencies(t *testing.T) {
	cfg := baseTestConfig(":8085")
	logger := zaptest.NewLogger(t)

	app, err := New(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })

	set, err := app.storage.GetBundles(context.Background())
	if err != nil {
		t.Fatalf("GetBundles returned error: %v", err)
	}
	if set.Len() != 2 || set.At(0).Quantity() != 5 {
		t.Fatalf("expected seeded bundles, got %v", set.Specs())
	}
	if app.server == nil || app.router == nil || app.handler == nil || app.solver == nil {
		t.Fatalf("expected server, router, handler and solver to be initialized")
	}
	if app.Server() != app.server || app.Handler() != app.router {
		t.Fatalf("accessors did not return underlying instances")
	}
	if _, ok := app.cache.(*cache.MemoryCache); !ok {
		t.Fatalf("expected memory cache, got %T", app.cache)
	}
}

func TestNewServesAllocationsAndMetrics(t *testing.T) {
	app, err := New(context.Background(), baseTestConfig(":0"), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })

	body := `{"inventory":[{"id":1,"quantity":11},{"id":2,"quantity":6},{"id":3,"quantity":18}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/allocate", strings.NewReader(body))
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"quantity":3`) {
		t.Fatalf("expected replication factor 3 in %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rec.Code)
	}
	for _, want := range []string{"bundle_allocator_allocations_total", "go_goroutines"} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("expected %s in metrics output", want)
		}
	}
}

func TestNewWithSQLiteAndRedis(t *testing.T) {
	redisServer := miniredis.RunT(t)

	cfg := baseTestConfig(":0")
	cfg.Storage = storage.Config{Driver: storage.DriverSQLite, DSN: filepath.Join(t.TempDir(), "bundles.db")}
	cfg.Cache.Driver = cache.DriverRedis
	cfg.Cache.Redis = cache.RedisConfig{Addr: redisServer.Addr(), Prefix: "test:"}

	app, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if _, ok := app.cache.(*cache.RedisCache); !ok {
		t.Fatalf("expected redis cache, got %T", app.cache)
	}
	if _, ok := app.storage.(*storage.SQLiteStorage); !ok {
		t.Fatalf("expected sqlite storage, got %T", app.storage)
	}
	if err := app.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	// persisted bundles win over configured ones on restart
	cfg.InitialBundles = []allocator.BundleSpec{{Items: []allocator.ItemID{allocator.IntID(9)}, Quantity: 1}}
	restarted, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New returned error on restart: %v", err)
	}
	t.Cleanup(func() { _ = restarted.Close() })

	set, err := restarted.storage.GetBundles(context.Background())
	if err != nil {
		t.Fatalf("GetBundles returned error: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("expected the persisted set of 2 bundles, got %v", set.Specs())
	}
}

func TestNewServerAppliesConfig(t *testing.T) {
	cfg := baseTestConfig("9090")
	handler := http.NewServeMux()

	server := NewServer(cfg, handler)
	if server.Addr != ":9090" {
		t.Fatalf("expected address :9090, got %s", server.Addr)
	}
	if server.Handler != handler {
		t.Fatalf("expected handler to be applied")
	}
	if server.ReadHeaderTimeout != cfg.ReadHeaderTimeout ||
		server.WriteTimeout != cfg.WriteTimeout ||
		server.IdleTimeout != cfg.IdleTimeout {
		t.Fatalf("server timeouts do not match configuration")
	}
}

func TestNewReturnsErrorForInvalidConfig(t *testing.T) {
	testCases := map[string]func(*config.Config){
		"bundles": func(cfg *config.Config) {
			cfg.InitialBundles = []allocator.BundleSpec{{Quantity: 1}}
		},
		"profile": func(cfg *config.Config) {
			cfg.Engine.Profile = "turbo"
		},
		"storage": func(cfg *config.Config) {
			cfg.Storage.Driver = "postgres"
		},
		"cache": func(cfg *config.Config) {
			cfg.Cache.Driver = "memcached"
		},
	}

	for name, mutate := range testCases {
		t.Run(name, func(t *testing.T) {
			cfg := baseTestConfig(":0")
			mutate(&cfg)
			if _, err := New(context.Background(), cfg, zaptest.NewLogger(t)); err == nil {
				t.Fatalf("expected error for invalid %s", name)
			}
		})
	}
}

func baseTestConfig(port string) config.Config {
	return config.Config{
		Port: port,
		InitialBundles: []allocator.BundleSpec{
			{Items: []allocator.ItemID{allocator.IntID(1), allocator.IntID(2)}, Quantity: 5},
			{Items: []allocator.ItemID{allocator.IntID(3)}, Quantity: 2},
		},
		ShutdownGracePeriod:  50 * time.Millisecond,
		ReadHeaderTimeout:    20 * time.Millisecond,
		WriteTimeout:         30 * time.Millisecond,
		IdleTimeout:          40 * time.Millisecond,
		EnableRequestLogging: false,
		RateLimitRPS:         0,
		RateLimitBurst:       0,
		CORSAllowedOrigins:   []string{"*"},
		LogLevel:             "info",
		Engine:               config.EngineConfig{Profile: allocator.ProfileDefault},
		Cache:                cache.Config{Driver: cache.DriverMemory, TTL: time.Minute},
		Storage:              storage.Config{Driver: storage.DriverMemory},
		Parallel:             parallel.DefaultConfig(),
	}
}
