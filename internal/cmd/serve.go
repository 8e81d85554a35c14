package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tetherhq/tether/internal/adapter"
	"github.com/tetherhq/tether/internal/api"
	"github.com/tetherhq/tether/internal/broker"
	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/internal/store"
	"github.com/tetherhq/tether/internal/watcher"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config-file]",
		Short: "Start the daemon (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolveConfigPath(cmd, args))
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	switch cfg.Broker.LogLevel {
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

	st, err := store.Open(cfg.Broker.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	registry := adapter.Default(cfg.ToolOverrides())
	b := broker.New(registry, st, logger, broker.Options{
		SubscriberBuffer: cfg.Broker.SubscriberBuffer,
		MaxLineBytes:     cfg.Broker.MaxLineBytes,
		GracePeriod:      cfg.Broker.GracePeriod.Duration,
		IdleTimeout:      cfg.Broker.IdleTimeout.Duration,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		st.Close()
		return fmt.Errorf("start broker: %w", err)
	}

	w, err := watcher.New(logger)
	if err != nil {
		logger.Warn("fs watching disabled", "error", err)
		w = nil
	}

	srv := api.NewServer(b, w, cfg.Server.AuthSecret, logger)
	httpServer := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: srv.Router(),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tetherd listening", "version", version, "addr", cfg.Server.Listen, "data_dir", cfg.Broker.DataDir)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
	}

	// Shutdown ordering: stop accepting traffic, suspend every session, then
	// close the store.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Broker.GracePeriod.Duration+5*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if w != nil {
		if err := w.Close(); err != nil {
			logger.Error("watcher close failed", "error", err)
		}
	}
	if err := b.Shutdown(shutdownCtx); err != nil {
		logger.Error("broker shutdown failed", "error", err)
		return err
	}

	logger.Info("tetherd stopped")
	return nil
}
