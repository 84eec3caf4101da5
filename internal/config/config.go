package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eugenenazirov/bundle-allocator/internal/allocator"
	"github.com/eugenenazirov/bundle-allocator/internal/cache"
	"github.com/eugenenazirov/bundle-allocator/internal/logging"
	"github.com/eugenenazirov/bundle-allocator/internal/parallel"
	"github.com/eugenenazirov/bundle-allocator/internal/storage"
)

const (
	defaultPort           = "8080"
	defaultRateLimitRPS   = 25.0
	defaultRateLimitBurst = 50
	defaultCacheTTL       = time.Hour
)

// Config aggregates runtime configuration resolved from multiple sources.
// Precedence: CLI flags > YAML config > Environment variables > Defaults
type Config struct {
	Port                 string
	ShutdownGracePeriod  time.Duration
	ReadHeaderTimeout    time.Duration
	WriteTimeout         time.Duration
	IdleTimeout          time.Duration
	EnableRequestLogging bool
	RateLimitRPS         float64
	RateLimitBurst       int
	CORSAllowedOrigins   []string
	LogLevel             string

	Engine         EngineConfig
	Cache          cache.Config
	Storage        storage.Config
	Parallel       parallel.Config
	InitialBundles []allocator.BundleSpec
}

// EngineConfig selects an allocator profile and optionally overrides its
// individual settings. Nil fields keep the profile value.
type EngineConfig struct {
	Profile        string
	SortField      string
	SortDescending bool
	MaxMemoryUsage *int64
	LazyEvaluation *bool
	EnableLogging  *bool
}

// Options resolves the engine configuration into allocator options.
func (e EngineConfig) Options() (allocator.Options, error) {
	opts, err := allocator.ProfileOptions(e.Profile)
	if err != nil {
		return allocator.Options{}, err
	}
	if e.SortField != "" {
		opts.SortField = e.SortField
	}
	opts.SortDescending = e.SortDescending
	if e.MaxMemoryUsage != nil {
		opts.MaxMemoryUsage = *e.MaxMemoryUsage
	}
	if e.LazyEvaluation != nil {
		opts.LazyEvaluation = *e.LazyEvaluation
	}
	if e.EnableLogging != nil {
		opts.EnableLogging = *e.EnableLogging
	}
	return opts, nil
}

// yamlConfig represents the YAML configuration file structure.
type yamlConfig struct {
	Server   yamlServer             `yaml:"server"`
	Engine   yamlEngine             `yaml:"engine"`
	Cache    yamlCache              `yaml:"cache"`
	Storage  storage.Config         `yaml:"storage"`
	Parallel parallel.Config        `yaml:"parallel"`
	Bundles  []allocator.BundleSpec `yaml:"bundles"`
	LogLevel string                 `yaml:"log_level"`
}

type yamlServer struct {
	Port                 string        `yaml:"port"`
	ShutdownGracePeriod  string        `yaml:"shutdown_grace_period"`
	ReadHeaderTimeout    string        `yaml:"read_header_timeout"`
	WriteTimeout         string        `yaml:"write_timeout"`
	IdleTimeout          string        `yaml:"idle_timeout"`
	EnableRequestLogging *bool         `yaml:"enable_request_logging"`
	RateLimit            yamlRateLimit `yaml:"rate_limit"`
	CORSAllowedOrigins   []string      `yaml:"cors_allowed_origins"`
}

// yamlRateLimit represents the rate limit section in YAML.
type yamlRateLimit struct {
	RPS   *float64 `yaml:"rps"`
	Burst *int     `yaml:"burst"`
}

type yamlEngine struct {
	Profile        string `yaml:"profile"`
	SortField      string `yaml:"sort_field"`
	SortDescending *bool  `yaml:"sort_descending"`
	MaxMemoryUsage *int64 `yaml:"max_memory_usage"`
	LazyEvaluation *bool  `yaml:"lazy_evaluation"`
	EnableLogging  *bool  `yaml:"enable_logging"`
}

type yamlCache struct {
	Driver string            `yaml:"driver"`
	TTL    string            `yaml:"ttl"`
	Redis  cache.RedisConfig `yaml:"redis"`
}

// CLIOverrides holds command-line flag overrides.
type CLIOverrides struct {
	ConfigFile     string
	Port           *string
	BundlesJSON    *string
	RateLimitRPS   *float64
	RateLimitBurst *int
	LogLevel       *string
	Profile        *string
	CacheDriver    *string
	StorageDriver  *string
	StorageDSN     *string
}

// Load extracts configuration from multiple sources with precedence:
// CLI flags > YAML config > Environment variables > Defaults
func Load(overrides *CLIOverrides) (Config, error) {
	cfg := defaultConfig()

	if err := applyEnvConfig(&cfg); err != nil {
		return Config{}, err
	}

	if overrides != nil && overrides.ConfigFile != "" {
		yamlCfg, err := loadFromFile(overrides.ConfigFile)
		if err != nil {
			return Config{}, fmt.Errorf("load YAML config: %w", err)
		}
		if err := applyYAMLConfig(&cfg, yamlCfg); err != nil {
			return Config{}, fmt.Errorf("apply YAML config: %w", err)
		}
	}

	if overrides != nil {
		if err := applyCLIOverrides(&cfg, overrides); err != nil {
			return Config{}, err
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with default values.
func defaultConfig() Config {
	return Config{
		Port:                 defaultPort,
		ShutdownGracePeriod:  10 * time.Second,
		ReadHeaderTimeout:    5 * time.Second,
		WriteTimeout:         15 * time.Second,
		IdleTimeout:          60 * time.Second,
		EnableRequestLogging: true,
		RateLimitRPS:         defaultRateLimitRPS,
		RateLimitBurst:       defaultRateLimitBurst,
		CORSAllowedOrigins:   []string{"*"},
		LogLevel:             logging.DefaultLevel,
		Engine:               EngineConfig{Profile: allocator.ProfileDefault},
		Cache: cache.Config{
			Driver: cache.DriverMemory,
			TTL:    defaultCacheTTL,
			Redis:  cache.RedisConfig{Addr: "localhost:6379", Prefix: cache.DefaultPrefix},
		},
		Storage:  storage.Config{Driver: storage.DriverMemory},
		Parallel: parallel.DefaultConfig(),
	}
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(path string) (*yamlConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}

	return &yamlCfg, nil
}

// applyYAMLConfig applies YAML configuration to the Config struct.
func applyYAMLConfig(cfg *Config, yamlCfg *yamlConfig) error {
	srv := yamlCfg.Server
	if srv.Port != "" {
		cfg.Port = srv.Port
	}

	durations := []struct {
		name  string
		raw   string
		field *time.Duration
	}{
		{"shutdown_grace_period", srv.ShutdownGracePeriod, &cfg.ShutdownGracePeriod},
		{"read_header_timeout", srv.ReadHeaderTimeout, &cfg.ReadHeaderTimeout},
		{"write_timeout", srv.WriteTimeout, &cfg.WriteTimeout},
		{"idle_timeout", srv.IdleTimeout, &cfg.IdleTimeout},
		{"cache.ttl", yamlCfg.Cache.TTL, &cfg.Cache.TTL},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		*d.field = parsed
	}

	if srv.EnableRequestLogging != nil {
		cfg.EnableRequestLogging = *srv.EnableRequestLogging
	}
	if srv.RateLimit.RPS != nil {
		cfg.RateLimitRPS = *srv.RateLimit.RPS
	}
	if srv.RateLimit.Burst != nil {
		cfg.RateLimitBurst = *srv.RateLimit.Burst
	}
	if len(srv.CORSAllowedOrigins) > 0 {
		cfg.CORSAllowedOrigins = srv.CORSAllowedOrigins
	}
	if yamlCfg.LogLevel != "" {
		cfg.LogLevel = yamlCfg.LogLevel
	}

	eng := yamlCfg.Engine
	if eng.Profile != "" {
		cfg.Engine.Profile = eng.Profile
	}
	if eng.SortField != "" {
		cfg.Engine.SortField = eng.SortField
	}
	if eng.SortDescending != nil {
		cfg.Engine.SortDescending = *eng.SortDescending
	}
	if eng.MaxMemoryUsage != nil {
		cfg.Engine.MaxMemoryUsage = eng.MaxMemoryUsage
	}
	if eng.LazyEvaluation != nil {
		cfg.Engine.LazyEvaluation = eng.LazyEvaluation
	}
	if eng.EnableLogging != nil {
		cfg.Engine.EnableLogging = eng.EnableLogging
	}

	if yamlCfg.Cache.Driver != "" {
		cfg.Cache.Driver = yamlCfg.Cache.Driver
	}
	redis := yamlCfg.Cache.Redis
	if redis.Addr != "" {
		cfg.Cache.Redis.Addr = redis.Addr
	}
	if redis.Password != "" {
		cfg.Cache.Redis.Password = redis.Password
	}
	if redis.DB != 0 {
		cfg.Cache.Redis.DB = redis.DB
	}
	if redis.Prefix != "" {
		cfg.Cache.Redis.Prefix = redis.Prefix
	}

	if yamlCfg.Storage.Driver != "" {
		cfg.Storage.Driver = yamlCfg.Storage.Driver
	}
	if yamlCfg.Storage.DSN != "" {
		cfg.Storage.DSN = yamlCfg.Storage.DSN
	}

	if yamlCfg.Parallel.ChunkSize > 0 {
		cfg.Parallel.ChunkSize = yamlCfg.Parallel.ChunkSize
	}
	if yamlCfg.Parallel.Workers > 0 {
		cfg.Parallel.Workers = yamlCfg.Parallel.Workers
	}

	if len(yamlCfg.Bundles) > 0 {
		cfg.InitialBundles = yamlCfg.Bundles
	}
	return nil
}

// applyEnvConfig applies environment variable configuration. Malformed
// values are reported rather than ignored.
func applyEnvConfig(cfg *Config) error {
	env := func(key string) string {
		return strings.TrimSpace(os.Getenv(key))
	}

	if port := env("PORT"); port != "" {
		cfg.Port = port
	}
	if level := env("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if rawBundles := env("BUNDLES"); rawBundles != "" {
		specs, err := parseBundles(rawBundles)
		if err != nil {
			return fmt.Errorf("BUNDLES: %w", err)
		}
		cfg.InitialBundles = specs
	}

	if rps := env("RATE_LIMIT_RPS"); rps != "" {
		value, err := strconv.ParseFloat(rps, 64)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_RPS: %w", err)
		}
		cfg.RateLimitRPS = value
	}
	if burst := env("RATE_LIMIT_BURST"); burst != "" {
		value, err := strconv.Atoi(burst)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_BURST: %w", err)
		}
		cfg.RateLimitBurst = value
	}

	if profile := env("SUBSET_FINDER_PROFILE"); profile != "" {
		cfg.Engine.Profile = profile
	}
	if raw := env("SUBSET_FINDER_MAX_MEMORY"); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("SUBSET_FINDER_MAX_MEMORY: %w", err)
		}
		cfg.Engine.MaxMemoryUsage = &value
	}
	if raw := env("SUBSET_FINDER_LAZY_EVALUATION"); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("SUBSET_FINDER_LAZY_EVALUATION: %w", err)
		}
		cfg.Engine.LazyEvaluation = &value
	}
	if raw := env("SUBSET_FINDER_LOGGING"); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("SUBSET_FINDER_LOGGING: %w", err)
		}
		cfg.Engine.EnableLogging = &value
	}

	if driver := env("CACHE_DRIVER"); driver != "" {
		cfg.Cache.Driver = driver
	}
	if raw := env("CACHE_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("CACHE_TTL: %w", err)
		}
		cfg.Cache.TTL = ttl
	}
	if addr := env("REDIS_ADDR"); addr != "" {
		cfg.Cache.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Cache.Redis.Password = password
	}
	if raw := env("REDIS_DB"); raw != "" {
		db, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		cfg.Cache.Redis.DB = db
	}

	if driver := env("STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if dsn := env("STORAGE_DSN"); dsn != "" {
		cfg.Storage.DSN = dsn
	}
	return nil
}

// applyCLIOverrides applies command-line flag overrides.
func applyCLIOverrides(cfg *Config, overrides *CLIOverrides) error {
	set := func(dst *string, src *string) {
		if src != nil && *src != "" {
			*dst = *src
		}
	}

	set(&cfg.Port, overrides.Port)
	set(&cfg.LogLevel, overrides.LogLevel)
	set(&cfg.Engine.Profile, overrides.Profile)
	set(&cfg.Cache.Driver, overrides.CacheDriver)
	set(&cfg.Storage.Driver, overrides.StorageDriver)
	set(&cfg.Storage.DSN, overrides.StorageDSN)

	if overrides.BundlesJSON != nil && *overrides.BundlesJSON != "" {
		specs, err := parseBundles(*overrides.BundlesJSON)
		if err != nil {
			return fmt.Errorf("parse bundles: %w", err)
		}
		cfg.InitialBundles = specs
	}

	if overrides.RateLimitRPS != nil && *overrides.RateLimitRPS >= 0 {
		cfg.RateLimitRPS = *overrides.RateLimitRPS
	}

	if overrides.RateLimitBurst != nil && *overrides.RateLimitBurst >= 0 {
		cfg.RateLimitBurst = *overrides.RateLimitBurst
	}

	return nil
}

// validateConfig validates the final configuration.
func validateConfig(cfg Config) error {
	if cfg.RateLimitRPS < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be >= 0")
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	if _, err := cfg.Engine.Options(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	switch cfg.Cache.Driver {
	case cache.DriverMemory, cache.DriverRedis, cache.DriverNull:
	default:
		return fmt.Errorf("unknown cache driver %q", cfg.Cache.Driver)
	}
	switch cfg.Storage.Driver {
	case storage.DriverMemory, storage.DriverSQLite:
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	if len(cfg.InitialBundles) > 0 {
		if _, err := allocator.BuildBundleSet(cfg.InitialBundles); err != nil {
			return fmt.Errorf("initial bundles: %w", err)
		}
	}
	return nil
}

// InitialBundleSet builds the configured default bundle set, which may be empty.
func (c Config) InitialBundleSet() (allocator.BundleSet, error) {
	return allocator.BuildBundleSet(c.InitialBundles)
}

// parseBundles parses a JSON array of bundle definitions such as
// [{"items":[1,2],"quantity":5}].
func parseBundles(raw string) ([]allocator.BundleSpec, error) {
	var specs []allocator.BundleSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, fmt.Errorf("invalid bundle JSON: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no bundles provided")
	}
	if _, err := allocator.BuildBundleSet(specs); err != nil {
		return nil, err
	}
	return specs, nil
}
