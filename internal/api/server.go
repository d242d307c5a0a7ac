// Package api is the HTTP and WebSocket transport for the trading core.
//
// The REST surface maps one-to-one onto the service layer; handlers do
// authentication, rate limiting, and shape translation, never business
// logic. Authenticated endpoints take a bearer session token; admin
// endpoints take the operator key.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"pebble-core/internal/accounts"
	"pebble-core/internal/config"
	"pebble-core/internal/events"
	"pebble-core/internal/hub"
	"pebble-core/internal/markets"
	"pebble-core/internal/orders"
	"pebble-core/internal/positions"
	"pebble-core/internal/ratelimit"
	"pebble-core/internal/settlement"
	"pebble-core/internal/store"
)

// Services bundles the collaborators the transport exposes.
type Services struct {
	Orders     *orders.Service
	Markets    *markets.Service
	Accounts   *accounts.Service
	Positions  *positions.Service
	Settlement *settlement.Batcher
	Events     *events.Processor
	Store      *store.Store
	Hub        *hub.Hub
	Verifier   *hub.Verifier
	Limiter    *ratelimit.Limiter
}

// Server runs the HTTP/WebSocket API.
type Server struct {
	cfg      config.Config
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the API server and wires its routes.
func NewServer(cfg config.Config, svcs Services, logger *slog.Logger) *Server {
	handlers := NewHandlers(cfg, svcs, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/status", handlers.HandleStatus)
	mux.HandleFunc("POST /api/auth/token", handlers.HandleIssueToken)

	mux.HandleFunc("GET /api/markets", handlers.HandleListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", handlers.HandleGetMarket)
	mux.HandleFunc("GET /api/markets/{id}/book", handlers.HandleBook)
	mux.HandleFunc("GET /api/markets/{id}/trades", handlers.HandleMarketTrades)
	mux.HandleFunc("POST /api/markets", handlers.HandleCreateMarket)
	mux.HandleFunc("POST /api/markets/{id}/close", handlers.HandleCloseMarket)
	mux.HandleFunc("POST /api/markets/{id}/resolve", handlers.HandleResolveMarket)

	mux.HandleFunc("POST /api/orders", handlers.HandlePlaceOrder)
	mux.HandleFunc("GET /api/orders", handlers.HandleListOrders)
	mux.HandleFunc("GET /api/orders/{id}", handlers.HandleGetOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", handlers.HandleCancelOrder)

	mux.HandleFunc("POST /api/accounts/onboard", handlers.HandleOnboard)
	mux.HandleFunc("GET /api/account", handlers.HandleGetAccount)
	mux.HandleFunc("POST /api/account/deposit", handlers.HandleDeposit)
	mux.HandleFunc("POST /api/account/withdraw", handlers.HandleWithdraw)
	mux.HandleFunc("POST /api/account/faucet", handlers.HandleFaucet)

	mux.HandleFunc("GET /api/positions", handlers.HandleListPositions)
	mux.HandleFunc("POST /api/positions/redeem", handlers.HandleRedeem)
	mux.HandleFunc("POST /api/positions/merge", handlers.HandleMerge)
	mux.HandleFunc("GET /api/trades", handlers.HandleUserTrades)

	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start blocks serving requests until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Handler exposes the routed mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
