package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tapgate-hq/tapgate/pkg/backend"
	"tapgate-hq/tapgate/pkg/config"
	"tapgate-hq/tapgate/pkg/mailbox"
	"tapgate-hq/tapgate/pkg/server"
	"tapgate-hq/tapgate/pkg/storage"
	"tapgate-hq/tapgate/pkg/telemetry/logging"
	"tapgate-hq/tapgate/pkg/telemetry/metrics"
	"tapgate-hq/tapgate/pkg/ws"
)

var runFlags struct {
	port     int
	logLevel string
	dryRun   bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the tapgate gateway server",
	Long: `Start the gateway server with the specified configuration.

The server listens on the configured address and bridges REST/JSON and
WebSocket clients to the backend daemon.

Examples:
  # Start with default config
  tapgate run

  # Start with custom config
  tapgate run --config /etc/tapgate/config.yaml

  # Validate config without starting the server
  tapgate run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVarP(&runFlags.port, "port", "p", 0, "override listen port")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting server")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if runFlags.port != 0 {
		cfg.Server.Port = runFlags.port
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.LogLevel = runFlags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if runFlags.dryRun {
		fmt.Println("✓ Configuration valid")
		return nil
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Telemetry.LogLevel,
		Format: cfg.Telemetry.LogFormat,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Shutdown()

	collector := metrics.NewCollector(metrics.Config{
		Enabled:   cfg.Telemetry.MetricsEnabled,
		Namespace: "tapgate",
	}, nil)

	receivers, err := buildReceiverStore(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer receivers.Close()

	macaroon, err := backend.NewMacaroonProvider(cfg.Backend.MacaroonPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load macaroon: %w", err)
	}
	defer macaroon.Close()

	client, err := backend.NewClient(cfg.Backend, macaroon, logger, collector)
	if err != nil {
		return fmt.Errorf("failed to create backend client: %w", err)
	}

	retry := ws.RetryPolicy{
		MaxAttempts: cfg.WebSocket.ReconnectMaxAttempts,
		BaseDelay:   cfg.WebSocket.ReconnectBaseDelay,
		Multiplier:  2,
		MaxDelay:    cfg.WebSocket.ReconnectMaxDelay,
	}
	registry := ws.NewRegistry(client, retry, logger, collector)
	proxy := ws.NewHandler(registry, cfg.WebSocket, logger, collector)

	challenges := mailbox.NewChallengeStore(cfg.Mailbox.ChallengeTTL, cfg.Mailbox.ChallengeCapacity, collector)
	auth := mailbox.NewAuthenticator(challenges, client, receivers, cfg.Mailbox.TimestampSkew, logger, collector)
	mbox := mailbox.NewHandler(auth, challenges, client, cfg.Mailbox, cfg.WebSocket.IdleReadTimeout, logger, collector)

	srv := server.NewServer(cfg, server.Deps{
		Backend:    client,
		Registry:   registry,
		Proxy:      proxy,
		Mailbox:    mbox,
		Challenges: challenges,
		Logger:     logger,
		Metrics:    collector,
	})

	return srv.Start(context.Background())
}

// buildReceiverStore selects the receiver persistence layer: sqlite when a
// path is configured, otherwise in-memory, optionally fronted by a Redis
// cache.
func buildReceiverStore(cfg config.StorageConfig, logger *logging.Logger) (storage.Store, error) {
	var store storage.Store
	if cfg.SQLitePath != "" {
		sqlite, err := storage.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open receiver database: %w", err)
		}
		logger.Info("using sqlite receiver store", "path", cfg.SQLitePath)
		store = sqlite
	} else {
		logger.Info("using in-memory receiver store")
		store = storage.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		cached, err := storage.NewCachedStore(store, cfg.RedisURL)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to connect receiver cache: %w", err)
		}
		logger.Info("receiver store fronted by redis cache")
		store = cached
	}

	return store, nil
}
