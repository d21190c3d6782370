// Riskwatch — a real-time risk-management service for retail derivatives
// trading. Client accounts on the futures and spot venues are watched
// continuously; when an account's loss breaches its configured daily or
// maximum limit, the service flattens all open positions, blocks the
// account, and fans auditable notifications out through a durable bus.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	engine/engine.go     — coordinator: feed monitors → bounded queues → worker pool → risk evaluation
//	risk/evaluator.go    — pure limit evaluation: loss vs daily/max thresholds, warning band
//	action/executor.go   — close-positions + block workflow with at-most-once semantics per session
//	feed/monitor.go      — per-client balance feed: stream with stale fallback, or poll ticker
//	venue/               — futures/spot REST adapters, HMAC signing, rate limiting, account stream
//	scheduler/           — daily reset cron (00:01 UTC) and the stale-feed detector
//	bus/bus.go           — durable notification outbox: at-least-once dispatch, TTL, DLQ, history
//	state/store.go       — SQLite-backed account state with an append-only event log
//	api/                 — admin HTTP plane and the webhook order gateway
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"riskwatch/internal/action"
	"riskwatch/internal/api"
	"riskwatch/internal/bus"
	"riskwatch/internal/config"
	"riskwatch/internal/directory"
	"riskwatch/internal/engine"
	"riskwatch/internal/scheduler"
	"riskwatch/internal/state"
	"riskwatch/internal/venue"
	"riskwatch/pkg/types"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("RISKWATCH_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	store, err := state.Open(cfg.Store.Path, logger)
	if err != nil {
		logger.Error("failed to open state store", "error", err, "path", cfg.Store.Path)
		os.Exit(1)
	}
	defer store.Close()

	notifier, err := bus.New(store.DB(), bus.Options{
		MessageTTL:       cfg.Bus.MessageTTL,
		MaxAttempts:      cfg.Bus.MaxAttempts,
		DispatchInterval: cfg.Bus.DispatchInterval,
	}, logger, logger)
	if err != nil {
		logger.Error("failed to open notification bus", "error", err)
		os.Exit(1)
	}
	// Delivery channels (chat, email, sockets) subscribe here; the default
	// subscriber mirrors every event into the service log.
	notifier.Subscribe(func(ctx context.Context, n types.Notification) error {
		logger.Info("notification",
			"event_id", n.EventID,
			"event_type", n.Kind,
			"client_id", n.ClientID,
			"priority", n.Priority,
		)
		return nil
	})

	adapters := map[types.Venue]venue.Adapter{
		types.VenueFutures: venue.NewFutures(cfg.Venues.Futures, logger),
		types.VenueSpot:    venue.NewSpot(cfg.Venues.Spot, logger),
	}

	registry := directory.NewMemory()
	var dir directory.Directory = registry
	if cfg.Directory.BaseURL != "" {
		dir = directory.NewHTTP(cfg.Directory.BaseURL, cfg.Directory.Timeout)
	}

	exec := action.New(store, dir, adapters, notifier,
		cfg.Risk.CloseRetryMax, cfg.Risk.CloseRetryBackoff, logger)
	eng := engine.New(*cfg, store, dir, adapters, exec, notifier, logger)

	sched, err := scheduler.New(*cfg, store, notifier, logger)
	if err != nil {
		logger.Error("failed to create scheduler", "error", err)
		os.Exit(1)
	}

	apiServer := api.NewServer(cfg.Server, eng, registry, adapters, notifier, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := notifier.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("notification dispatcher stopped", "error", err)
		}
	}()

	if err := eng.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("admin api failed", "error", err)
		}
	}()

	logger.Info("riskwatch started",
		"port", cfg.Server.Port,
		"workers", cfg.Engine.Workers,
		"store", cfg.Store.Path,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop admin api", "error", err)
	}
	sched.Stop()
	eng.Stop()
	cancel()

	// Flush whatever the dispatcher can still deliver.
	if err := notifier.DispatchOnce(context.Background()); err != nil {
		logger.Error("final notification drain failed", "error", err)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
