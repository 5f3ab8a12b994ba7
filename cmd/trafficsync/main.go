package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/smart-traffic/trafficsync/internal/config"
	"github.com/smart-traffic/trafficsync/internal/gateway"
	"github.com/smart-traffic/trafficsync/internal/logging"
	"github.com/smart-traffic/trafficsync/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "trafficsync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, listen, backend, logLevel string

	flagSet := pflag.NewFlagSet("trafficsync", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "YAML file overriding environment settings")
	flagSet.StringVar(&listen, "listen", "", "gateway listen address (overrides LISTEN_ADDR)")
	flagSet.StringVar(&backend, "backend", "", "traffic backend base URL (overrides BACKEND_URL)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// ═══════════════════════════════════════════════════════
	// PHASE 1: Configuration
	// ═══════════════════════════════════════════════════════
	config.LoadEnvFiles(".")
	cfg := config.Load()
	if configPath != "" {
		if err := cfg.Overlay(configPath); err != nil {
			return err
		}
	}
	if listen != "" {
		cfg.ListenAddr = listen
	}
	if backend != "" {
		cfg.SetBackendURL(backend)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log, logCloser, err := logging.New(level, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	log.Info("trafficsync: config loaded",
		"backend", cfg.BackendURL,
		"socket", cfg.SocketURL,
		"listen", cfg.ListenAddr,
		"command_batch", cfg.CommandBatch,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ═══════════════════════════════════════════════════════
	// PHASE 2: Session (journal, relay, stream, pollers)
	// ═══════════════════════════════════════════════════════
	sess, err := session.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer sess.Close()

	// ═══════════════════════════════════════════════════════
	// PHASE 3: Gateway
	// ═══════════════════════════════════════════════════════
	opts := gateway.Options{
		State:   sess.Store,
		Control: sess.Control,
		Health:  func() any { return sess.Health() },
		Origins: cfg.CORSOrigins,
	}
	if sess.Auth != nil {
		opts.Auth = sess.Auth
	}
	if sess.DB != nil {
		opts.Commands = sess.DB
	}
	gw := gateway.New(opts, log)

	// ═══════════════════════════════════════════════════════
	// PHASE 4: Run until SIGINT or SIGTERM
	// ═══════════════════════════════════════════════════════
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sess.Run(gctx) })
	g.Go(func() error { return gw.ListenAndServe(gctx, cfg.ListenAddr) })

	err = g.Wait()
	log.Info("trafficsync: shut down")
	return err
}
