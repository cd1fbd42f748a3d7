package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tollgate/tollgate/internal/api"
	"github.com/tollgate/tollgate/internal/config"
	"github.com/tollgate/tollgate/internal/engine"
	"github.com/tollgate/tollgate/internal/errors"
	"github.com/tollgate/tollgate/internal/limiter"
	"github.com/tollgate/tollgate/internal/logging"
	"github.com/tollgate/tollgate/internal/metrics"
	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/store"
	"github.com/tollgate/tollgate/internal/sweeper"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s", "server", "run"},
	Short:   "Start the Tollgate server",
	Long: `Start the Tollgate server in main mode.

This command starts the HTTP server that handles admission decisions,
policy management, and usage inspection, plus the scheduled retention
sweeper.

Example:
  tollgate serve --config config.yaml --db ./data/tollgate.db`,
	RunE: runServe,
}

var serveFlags struct {
	Host    string
	Port    int
	Timeout time.Duration
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.Host, "host", "", "Server host (overrides config)")
	serveCmd.Flags().IntVar(&serveFlags.Port, "port", 0, "Server port (overrides config)")
	serveCmd.Flags().DurationVar(&serveFlags.Timeout, "timeout", envDuration("SHUTDOWN_TIMEOUT", 30*time.Second), "Shutdown timeout")

	RootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if globalFlags.Verbose {
		log.Println("Starting Tollgate server...")
		log.Printf("Config path: %s", globalFlags.Config)
	}

	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Apply CLI flags to config
	if serveFlags.Host != "" {
		cfg.Server.Host = serveFlags.Host
	}
	if serveFlags.Port != 0 {
		cfg.Server.HTTPPort = serveFlags.Port
	}
	if globalFlags.DBPath != "" {
		cfg.Storage.Path = globalFlags.DBPath
	}

	logger := logging.NewLogger(logging.WithLevel(logging.ParseLevel(cfg.Server.LogLevel)))
	m := metrics.NewMetrics("tollgate")

	models.SetDefaultLimits(models.DefaultLimits{
		RequestsPerMinute:     cfg.Engine.Defaults.RequestsPerMinute,
		RequestsPerHour:       cfg.Engine.Defaults.RequestsPerHour,
		RequestsPerDay:        cfg.Engine.Defaults.RequestsPerDay,
		TokensPerDay:          cfg.Engine.Defaults.TokensPerDay,
		MaxConcurrentRequests: cfg.Engine.Defaults.MaxConcurrentRequests,
	})

	st, err := openStore(cfg.Storage)
	if err != nil {
		return err
	}

	lim := limiter.New(m)
	eng := engine.New(st, lim, m, logger, engine.WithStoreTimeout(cfg.Engine.StoreTimeout))

	sw := sweeper.New(st, m, logger,
		sweeper.WithSchedule(cfg.Sweeper.Schedule),
		sweeper.WithRetention(cfg.Sweeper.Retention),
		sweeper.WithReconciler(eng),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Sweeper.Enabled {
		if err := sw.Start(ctx); err != nil {
			st.Close()
			return fmt.Errorf("failed to start sweeper: %w", err)
		}
	}

	loader.SetOnChange(func(updated *config.Config) {
		applyConfigUpdate(logger, updated)
	})
	if err := loader.Watch(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err.Error())
	}

	server := api.NewServer(cfg.Server, cfg.API, st, eng, sw, m, logger)

	setupGracefulShutdown(server, cancel, serveFlags.Timeout)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	log.Printf("Starting Tollgate HTTP server on %s", addr)
	if cfg.Storage.Backend == "sqlite" {
		log.Printf("Database: %s (WAL mode enabled)", cfg.Storage.Path)
	}

	if err := server.Run(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// applyConfigUpdate carries the hot-reloadable settings of a freshly
// loaded config into the running service. Settings that require a restart
// (ports, storage backend) are left alone.
func applyConfigUpdate(logger *logging.Logger, cfg *config.Config) {
	logger.SetLevel(logging.ParseLevel(cfg.Server.LogLevel))
	models.SetDefaultLimits(models.DefaultLimits{
		RequestsPerMinute:     cfg.Engine.Defaults.RequestsPerMinute,
		RequestsPerHour:       cfg.Engine.Defaults.RequestsPerHour,
		RequestsPerDay:        cfg.Engine.Defaults.RequestsPerDay,
		TokensPerDay:          cfg.Engine.Defaults.TokensPerDay,
		MaxConcurrentRequests: cfg.Engine.Defaults.MaxConcurrentRequests,
	})
	logger.Info("configuration reloaded", "log_level", cfg.Server.LogLevel)
}

// openStore creates the configured counter store backend.
func openStore(cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
			}
		}
		return store.NewSQLiteStore(cfg.Path)
	}
}

// setupGracefulShutdown handles graceful shutdown of all components
func setupGracefulShutdown(server *api.Server, cancel context.CancelFunc, timeout time.Duration) {
	sigChan := api.SetupSignalHandler()

	go func() {
		sig := api.WaitForSignal(sigChan)
		log.Printf("Received signal: %v", sig)

		cancel()

		log.Println("Shutting down API server...")
		if err := api.GracefulShutdown(server, timeout); err != nil {
			log.Printf("Error during server shutdown: %v", err)
		}

		log.Println("Graceful shutdown completed")
		os.Exit(0)
	}()
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	return fallback
}
