package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"go.uber.org/zap"

	"github.com/eugenenazirov/bundle-allocator/internal/allocator"
	"github.com/eugenenazirov/bundle-allocator/internal/application"
	"github.com/eugenenazirov/bundle-allocator/internal/config"
	"github.com/eugenenazirov/bundle-allocator/internal/logging"
)

var signalNotify = signal.Notify

func main() {
	overrides, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg, err := config.Load(overrides)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() {
		_ = logger.Sync()
	}()

	app, err := application.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize application", zap.Error(err))
	}

	if err := app.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	shutdown(app.Server(), cfg.ShutdownGracePeriod, logger)

	if err := app.Close(); err != nil {
		logger.Warn("failed to release resources", zap.Error(err))
	}
}

// parseFlags maps command-line flags onto config overrides. Unset flags stay
// nil so lower-precedence sources apply.
func parseFlags(args []string) (*config.CLIOverrides, error) {
	app := kingpin.New("allocator-server", "Bundle Allocator - extracts the maximal number of complete bundle replications from an inventory")
	configFile := app.Flag("config", "Path to YAML configuration file").String()
	port := app.Flag("port", "HTTP port exposed by the service").String()
	bundles := app.Flag("bundles", `Initial bundles as JSON, e.g. [{"items":[1,2],"quantity":5}]`).String()
	logLevel := app.Flag("log-level", "Log level (debug, info, warn, error)").String()
	profile := app.Flag("profile", "Allocator profile").Enum(allocator.Profiles()...)
	cacheDriver := app.Flag("cache", "Result cache driver").Enum("memory", "redis", "null")
	storageDriver := app.Flag("storage", "Bundle storage driver").Enum("memory", "sqlite")
	storageDSN := app.Flag("storage-dsn", "SQLite database path").String()
	rateLimitRPS := app.Flag("rate-limit-rps", "Requests per second allowed per client (set 0 to disable)").Default("-1").Float64()
	rateLimitBurst := app.Flag("rate-limit-burst", "Burst capacity for rate limiter").Default("-1").Int()

	if _, err := app.Parse(args); err != nil {
		return nil, err
	}

	overrides := &config.CLIOverrides{
		ConfigFile:    *configFile,
		Port:          nonEmpty(port),
		BundlesJSON:   nonEmpty(bundles),
		LogLevel:      nonEmpty(logLevel),
		Profile:       nonEmpty(profile),
		CacheDriver:   nonEmpty(cacheDriver),
		StorageDriver: nonEmpty(storageDriver),
		StorageDSN:    nonEmpty(storageDSN),
	}

	if *rateLimitRPS >= 0 {
		overrides.RateLimitRPS = rateLimitRPS
	}

	if *rateLimitBurst >= 0 {
		overrides.RateLimitBurst = rateLimitBurst
	}

	return overrides, nil
}

func nonEmpty(v *string) *string {
	if v == nil || *v == "" {
		return nil
	}
	return v
}

func shutdown(server *http.Server, timeout time.Duration, logger *zap.Logger) {
	quit := make(chan os.Signal, 1)
	signalNotify(quit, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	logger.Info("shutting down server", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
		if closeErr := server.Close(); closeErr != nil {
			logger.Error("forced close failed", zap.Error(closeErr))
		}
	}
}
