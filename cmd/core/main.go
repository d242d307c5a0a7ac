// Pebble trading core — the off-chain matching and settlement engine for a
// binary prediction market backed by a Canton ledger.
//
// Architecture:
//
//	main.go               — entry point: loads config, assembles the app, waits for SIGINT/SIGTERM
//	app/app.go            — wiring: store, ledger client, services, loops, API server
//	engine/engine.go      — price-time priority matching with binary cross-matching
//	book/book.go          — in-memory per-market order books and snapshots
//	orders/service.go     — order lifecycle: validate, lock, match, persist, emit
//	markets/service.go    — market lifecycle: create, close, resolve
//	accounts/service.go   — onboarding, deposits, withdrawals, faucet
//	positions/service.go  — holdings, redemption, pair merging
//	settlement/batcher.go — three-phase on-ledger settlement of matched trades
//	events/processor.go   — ledger transaction stream → local projections
//	reconcile/            — periodic balance reconciliation against the ledger
//	hub/                  — websocket fan-out for books, trades, and portfolios
//	store/                — SQLite persistence for every projection
//	ledger/               — Canton JSON Ledger API client
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"pebble-core/internal/app"
	"pebble-core/internal/config"
)

func main() {
	cfg, err := config.Load(os.Getenv("PEBBLE_CONFIG"))
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	core, err := app.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to assemble core", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := core.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("core exited", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
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
