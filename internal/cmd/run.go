package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/muxtun/muxtun/internal/auth"
	"github.com/muxtun/muxtun/internal/backend"
	"github.com/muxtun/muxtun/internal/broadcast"
	"github.com/muxtun/muxtun/internal/config"
	"github.com/muxtun/muxtun/internal/gateway"
	"github.com/muxtun/muxtun/internal/metrics"
	"github.com/muxtun/muxtun/internal/relay"
	"github.com/muxtun/muxtun/internal/store"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the relay (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, "muxtun.json")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	// Set up structured logging.
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	st, err := store.New(cfg.Storage)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	proc, err := backend.Spawn(cfg.Backend, logger)
	if err != nil {
		logger.Error("failed to start backend", "error", err)
		os.Exit(1)
	}
	defer proc.Close()

	m := metrics.New()
	authn := auth.NewService(cfg.Auth)

	r := relay.New(proc, authn, st, m, logger, relay.Options{
		ReleaseMethod: cfg.Backend.ReleaseMethod,
	})

	var hub *broadcast.Hub
	if cfg.Broadcast.Enabled {
		hub = broadcast.NewHub(authn, m, logger, broadcast.Options{
			MaxChannelConns: cfg.Broadcast.MaxChannelConns,
		})
	}

	srv := gateway.NewServer(cfg.Listen, cfg.Broadcast, r, hub, st, m, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// The routing loop stops on shutdown or on backend loss; either way the
	// gateway must come down with it.
	relayErr := make(chan error, 1)
	go func() {
		relayErr <- r.Run(ctx)
		cancel()
	}()

	logger.Info("muxtund starting", "version", version, "config", configPath)

	if err := srv.Run(ctx); err != nil {
		logger.Error("gateway error", "error", err)
		os.Exit(1)
	}

	if err := <-relayErr; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("relay error", "error", err)
		os.Exit(1)
	}

	logger.Info("muxtund stopped")
	return nil
}
