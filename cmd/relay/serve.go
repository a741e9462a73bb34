package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/echorelay/internal/config"
	"github.com/Tyrowin/echorelay/internal/logging"
	"github.com/Tyrowin/echorelay/internal/server"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		port       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the relay server.

Configuration is read from the optional TOML file, then from the
environment (SERVER_PORT, ALLOWED_ORIGINS, MAX_MESSAGE_SIZE,
RATE_LIMIT_BURST, RATE_LIMIT_REFILL_INTERVAL, LOG_LEVEL, LOG_FORMAT,
HUB_VARIANT, STREAM_DELAY), then from flags.

Examples:
  relay serve
  relay serve --config relay.toml
  relay serve --port :9000`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a TOML configuration file")
	cmd.Flags().StringVarP(&port, "port", "p", "", "Listen address, overrides SERVER_PORT")
	return cmd
}

func runServe(ctx context.Context, configPath, port string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if port != "" {
		cfg.Port = port
		if cfg, err = config.Sanitize(cfg); err != nil {
			return err
		}
	}

	logger, err := logging.Setup(cfg.Logging)
	if err != nil {
		return err
	}
	logger.Info().
		Str("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Int64("max_message_size", cfg.MaxMessageSize).
		Str("hub_variant", cfg.Hub.Variant).
		Dur("stream_delay", cfg.Hub.StreamDelay).
		Msg("starting relay")

	relay := server.New(cfg, logger)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(relay.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return relay.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("relay stopped with error")
		return err
	}
	logger.Info().Msg("relay stopped")
	return nil
}
