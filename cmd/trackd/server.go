package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sigema/trackd/internal/alert"
	"github.com/sigema/trackd/internal/api"
	"github.com/sigema/trackd/internal/config"
	"github.com/sigema/trackd/internal/delivery"
	"github.com/sigema/trackd/internal/metrics"
	"github.com/sigema/trackd/internal/sigema"
	"github.com/sigema/trackd/internal/storage"
	boltstore "github.com/sigema/trackd/internal/storage/bolt"
	redisstore "github.com/sigema/trackd/internal/storage/redis"
	"github.com/sigema/trackd/internal/systemd"
	"github.com/sigema/trackd/internal/trip"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the trackd server",
	Long:  `Start the trackd server with the trip API and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting trackd")

	// Initialize storage. Failure here aborts startup.
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	aggregator := trip.NewAggregator(logger)
	journal := trip.NewJournal(store.Trips(), aggregator, trip.RealClock{}, logger)
	usageTracker := trip.NewUsageTracker(
		journal,
		parseDuration(cfg.Sampling.UsageTimeout, trip.DefaultUsageTimeout),
		trip.RealClock{},
		logger,
	)
	registry := trip.NewRegistry(
		parseDuration(cfg.Sampling.Interval, trip.DefaultSamplingInterval),
		logger,
	)

	sigemaClient := sigema.NewClient(sigema.Config{
		BaseURL: cfg.Sigema.BaseURL,
		Timeout: parseDuration(cfg.Sigema.HTTPTimeout, 10*time.Second),
	}, logger)

	notifier := alert.NewEmailNotifier(alert.Config{
		Host:     cfg.Alert.SMTPHost,
		Port:     cfg.Alert.SMTPPort,
		Username: cfg.Alert.Username,
		Password: cfg.Alert.Password,
		From:     cfg.Alert.From,
	}, logger)

	deliverer := delivery.NewDeliverer(sigemaClient, notifier, store.Audit(), delivery.Config{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		RetryDelay:  parseDuration(cfg.Delivery.RetryDelay, 2*time.Second),
		Recipients:  cfg.Alert.Recipients,
	}, logger)

	controller := trip.NewController(journal, registry, usageTracker, sigemaClient, deliverer, trip.RealClock{}, logger)

	// Socket activation: under systemd the listeners arrive as file
	// descriptors; otherwise the servers bind their configured ports.
	sockets, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to check systemd sockets: %w", err)
	}
	if sockets.Activated {
		logger.Info().Msg("Using systemd socket activation")
	}

	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(apiAddr, controller, logger)
	if err := apiServer.Start(sockets.API); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	logger.Info().Str("addr", apiAddr).Msg("API server started")

	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)
	if err := metricsServer.Start(sockets.Metrics); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	logger.Info().Str("addr", metricsAddr).Msg("Metrics server started")

	systemd.NotifyReady()

	logger.Info().Msg("trackd startup complete")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")
	systemd.NotifyStopping()

	// Drain sampling tasks before closing servers and storage.
	controller.Close()

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	logger.Info().Msg("trackd stopped")
	return nil
}

// openStorage opens the configured storage backend.
func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "redis":
		return redisstore.Open(cfg.Redis)
	case "bolt", "":
		return boltstore.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
