/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the activities synchronisation server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load and validate configuration
  2. Build the logger
  3. Initialize SQLite store and seed reference data
  4. Build the clock and the activities service
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  --config  YAML config file (default: $ACTIVITIES_CONFIG)
  --port    HTTP server port, overrides server.port
  --db      SQLite database path, overrides database.path
            Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with a config file
  ./server --config=./activities.yaml

  # Run with in-memory database
  ./server --db=":memory:"

  # Run on different port
  ./server --port=3000

SEE ALSO:
  - config/config.go: Configuration schema
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/warp/activities-sync/activities"
	"github.com/warp/activities-sync/api"
	"github.com/warp/activities-sync/config"
	"github.com/warp/activities-sync/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := pflag.String("config", "", "YAML config file (default $"+config.EnvVar+")")
	port := pflag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := pflag.String("db", "", "SQLite database path (overrides config)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := cfg.Logging.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	// Initialize store
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer store.Close()

	if err := seedReference(context.Background(), store, cfg.Reference); err != nil {
		return fmt.Errorf("seeding reference data: %w", err)
	}

	clock, err := cfg.Clock.NewClock()
	if err != nil {
		return err
	}
	if cfg.Clock.FixedDate != "" {
		logger.Warn("clock pinned", "today", cfg.Clock.FixedDate)
	}

	svc := activities.NewService(store, clock, logger)
	router := api.NewRouter(api.NewHandler(svc), cfg.Server.AllowedOrigins)

	readTimeout, writeTimeout, shutdownTimeout := cfg.Server.Timeouts()
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "db", cfg.Database.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case <-quit:
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// seedReference upserts configured incentive levels and pay bands.
func seedReference(ctx context.Context, store *sqlite.Store, ref config.ReferenceConfig) error {
	levels := ref.IncentiveLevelList()
	for _, level := range levels {
		if err := store.SaveIncentiveLevel(ctx, level); err != nil {
			return err
		}
	}
	bands := ref.PayBandList()
	for _, band := range bands {
		if err := store.SavePayBand(ctx, band); err != nil {
			return err
		}
	}
	slog.Info("reference data seeded", "incentive_levels", len(levels), "pay_bands", len(bands))
	return nil
}
