// Package app wires the trading core: store, ledger client, services,
// background loops, and the API server.
//
// Startup order matters: the store opens and migrates first, the order
// service rehydrates its books from durable orders, then the loops and the
// transport come up together under one errgroup. Shutdown is the reverse:
// stop accepting requests, notify websocket clients, cancel the loops, and
// close the store last.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"pebble-core/internal/accounts"
	"pebble-core/internal/api"
	"pebble-core/internal/book"
	"pebble-core/internal/config"
	"pebble-core/internal/events"
	"pebble-core/internal/hub"
	"pebble-core/internal/ledger"
	"pebble-core/internal/markets"
	"pebble-core/internal/orders"
	"pebble-core/internal/positions"
	"pebble-core/internal/ratelimit"
	"pebble-core/internal/reconcile"
	"pebble-core/internal/settlement"
	"pebble-core/internal/store"
)

// App is the assembled trading core.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store      *store.Store
	hub        *hub.Hub
	orders     *orders.Service
	accounts   *accounts.Service
	markets    *markets.Service
	settlement *settlement.Batcher
	events     *events.Processor
	reconciler *reconcile.Reconciler
	server     *api.Server
}

// New assembles the core from configuration. The ledger client defaults to
// Canton; tests inject a fake through NewWithLedger.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	lc := ledger.NewCantonClient(cfg.Canton.BaseURL(), cfg.Canton.JWTToken, logger)
	return NewWithLedger(cfg, lc, logger)
}

// NewWithLedger assembles the core around an explicit ledger client.
func NewWithLedger(cfg config.Config, lc ledger.Client, logger *slog.Logger) (*App, error) {
	st, err := store.Open(cfg.Database.Path, cfg.Database.WALMode, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	h := hub.New(logger)
	verifier := hub.NewVerifier(cfg.AdminKey)
	books := book.NewRegistry()
	operator := cfg.Parties.Admin

	ordersSvc := orders.NewService(st, books, lc, h, operator, logger)
	accountsSvc := accounts.NewService(st, lc, h, operator, logger)
	marketsSvc := markets.NewService(st, books, lc, h, operator, cfg.Parties.Oracle, logger)
	positionsSvc := positions.NewService(st, lc, h, operator, logger)

	batcher := settlement.NewBatcher(st, lc, h, operator, settlement.Config{
		Interval:        cfg.Settlement.BatchInterval,
		MaxBatchSize:    cfg.Settlement.MaxBatchSize,
		MaxRetries:      cfg.Settlement.MaxRetries,
		ProposalTimeout: cfg.Settlement.ProposalTimeout,
		RoundDelay:      cfg.Settlement.RoundDelay,
	}, logger)
	processor := events.NewProcessor(st, lc, h, operator, events.Config{
		InitialBackoff: cfg.EventProcessor.InitialReconnectDelay,
		MaxBackoff:     cfg.EventProcessor.MaxReconnectDelay,
		Multiplier:     cfg.EventProcessor.ReconnectMultiplier,
	}, logger)
	reconciler := reconcile.NewReconciler(st, lc, operator, reconcile.Config{
		Interval:       cfg.Reconciliation.Interval,
		StaleThreshold: cfg.Reconciliation.StaleThreshold,
		Tolerance:      decimal.NewFromFloat(cfg.Reconciliation.DriftTolerance),
	}, logger)

	server := api.NewServer(cfg, api.Services{
		Orders:     ordersSvc,
		Markets:    marketsSvc,
		Accounts:   accountsSvc,
		Positions:  positionsSvc,
		Settlement: batcher,
		Events:     processor,
		Store:      st,
		Hub:        h,
		Verifier:   verifier,
		Limiter:    ratelimit.New(nil),
	}, logger)

	return &App{
		cfg:        cfg,
		logger:     logger.With("component", "app"),
		store:      st,
		hub:        h,
		orders:     ordersSvc,
		accounts:   accountsSvc,
		markets:    marketsSvc,
		settlement: batcher,
		events:     processor,
		reconciler: reconciler,
		server:     server,
	}, nil
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.orders.Initialize(ctx); err != nil {
		return fmt.Errorf("rehydrate order books: %w", err)
	}
	if a.cfg.BootstrapTestParties {
		if err := a.accounts.BootstrapTestParties(ctx); err != nil {
			a.logger.Warn("test party bootstrap failed", "error", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.hub.Start(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(a.settlement.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(a.events.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(a.reconciler.Run(ctx)) })
	g.Go(func() error {
		// Market stats refresh is cheap; piggyback on a minute tick.
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := a.markets.RefreshStats(); err != nil {
					a.logger.Warn("stats refresh failed", "error", err)
				}
			}
		}
	})
	g.Go(a.server.Start)
	g.Go(func() error {
		<-ctx.Done()
		return a.server.Stop()
	})

	a.logger.Info("trading core started",
		"addr", fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port),
		"env", a.cfg.Env)

	err := g.Wait()
	a.hub.Shutdown()
	if closeErr := a.store.Close(); closeErr != nil {
		a.logger.Error("store close failed", "error", closeErr)
	}
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
