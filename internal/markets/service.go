// Package markets manages the market lifecycle: create, close, resolve.
// Status transitions are enforced here; the transport layer only handles
// admin authentication.
package markets

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pebble-core/internal/book"
	"pebble-core/internal/hub"
	"pebble-core/internal/ledger"
	"pebble-core/internal/store"
	"pebble-core/pkg/apperr"
	"pebble-core/pkg/types"
)

// Service is the market lifecycle service.
type Service struct {
	store  *store.Store
	books  *book.Registry
	ledger ledger.Client
	hub    *hub.Hub
	admin  string // operator party
	oracle string
	logger *slog.Logger
}

// NewService wires the market service.
func NewService(st *store.Store, books *book.Registry, lc ledger.Client, h *hub.Hub, admin, oracle string, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		books:  books,
		ledger: lc,
		hub:    h,
		admin:  admin,
		oracle: oracle,
		logger: logger.With("component", "markets"),
	}
}

// CreateRequest carries the admin-supplied market parameters.
type CreateRequest struct {
	Question       string    `json:"question"`
	Description    string    `json:"description"`
	ResolutionTime time.Time `json:"resolutionTime"`
}

// Create opens a new market at even odds and mirrors it onto the ledger.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*types.Market, error) {
	if req.Question == "" {
		return nil, apperr.New(apperr.Validation, apperr.CodeInvalidRequest, "question is required")
	}
	if req.ResolutionTime.Before(time.Now()) {
		return nil, apperr.New(apperr.Validation, apperr.CodeInvalidRequest, "resolution time must be in the future")
	}

	now := time.Now().UTC()
	m := &types.Market{
		ID:             uuid.NewString(),
		Question:       req.Question,
		Description:    req.Description,
		Status:         types.MarketOpen,
		YesPrice:       decimal.RequireFromString("0.5"),
		NoPrice:        decimal.RequireFromString("0.5"),
		Version:        1,
		ResolutionTime: req.ResolutionTime.UTC(),
		CreatedAt:      now,
	}

	result, err := s.ledger.SubmitCommand(ctx, ledger.CommandRequest{
		CommandID:  "market-create-" + m.ID,
		Kind:       ledger.CommandCreate,
		TemplateID: ledger.TplMarket,
		ActAs:      []string{s.admin},
		Payload: ledger.MarketPayload{
			MarketID:       m.ID,
			Question:       m.Question,
			Description:    m.Description,
			Status:         string(m.Status),
			Version:        m.Version,
			ResolutionTime: m.ResolutionTime.Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, err
	}
	m.ContractID = result.ContractID

	if err := s.store.InsertMarket(m); err != nil {
		return nil, err
	}
	s.logger.Info("market created", "market_id", m.ID, "question", m.Question)
	return m, nil
}

// Close stops trading on an open market.
func (s *Service) Close(ctx context.Context, marketID string) (*types.Market, error) {
	m, err := s.store.GetMarket(marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != types.MarketOpen {
		return nil, apperr.New(apperr.Conflict, apperr.CodeMarketNotOpen, "market %s is %s", marketID, m.Status)
	}

	if m.ContractID != "" {
		_, err = s.ledger.SubmitCommand(ctx, ledger.CommandRequest{
			CommandID:  "market-close-" + marketID,
			Kind:       ledger.CommandExercise,
			TemplateID: ledger.TplMarket,
			ContractID: m.ContractID,
			Choice:     ledger.ChoiceCloseMarket,
			ActAs:      []string{s.admin},
		})
		if err != nil {
			return nil, err
		}
	}

	m.Status = types.MarketClosed
	m.Version++
	if err := s.store.UpdateMarketState(marketID, m.Status, nil, m.Version); err != nil {
		return nil, err
	}

	s.hub.Broadcast(hub.OrderbookChannel(marketID), hub.Event{Type: "market_closed", Data: m})
	s.logger.Info("market closed", "market_id", marketID)
	return m, nil
}

// Resolve settles a closed market to an outcome. The oracle party signs the
// resolution on the ledger.
func (s *Service) Resolve(ctx context.Context, marketID string, outcome bool) (*types.Market, error) {
	m, err := s.store.GetMarket(marketID)
	if err != nil {
		return nil, err
	}
	if m.Status == types.MarketResolved {
		return nil, apperr.New(apperr.Conflict, apperr.CodeMarketAlreadyResolved,
			"market %s already resolved", marketID)
	}
	if m.Status != types.MarketClosed {
		return nil, apperr.New(apperr.Conflict, apperr.CodeMarketNotClosed,
			"market %s must be closed before resolution", marketID)
	}

	if m.ContractID != "" {
		_, err = s.ledger.SubmitCommand(ctx, ledger.CommandRequest{
			CommandID:  "market-resolve-" + marketID,
			Kind:       ledger.CommandExercise,
			TemplateID: ledger.TplMarket,
			ContractID: m.ContractID,
			Choice:     ledger.ChoiceResolveMarket,
			ActAs:      []string{s.oracle},
			Payload:    map[string]bool{"outcome": outcome},
		})
		if err != nil {
			return nil, err
		}
	}

	m.Status = types.MarketResolved
	m.Outcome = &outcome
	m.Version++
	if err := s.store.UpdateMarketState(marketID, m.Status, m.Outcome, m.Version); err != nil {
		return nil, err
	}
	// Resolved markets need no book; resting orders are dead.
	s.books.Drop(marketID)

	s.hub.Broadcast(hub.OrderbookChannel(marketID), hub.Event{Type: "market_resolved", Data: m})
	s.logger.Info("market resolved", "market_id", marketID, "outcome", outcome)
	return m, nil
}

// Get returns one market.
func (s *Service) Get(marketID string) (*types.Market, error) {
	return s.store.GetMarket(marketID)
}

// List returns markets, optionally filtered by status.
func (s *Service) List(status types.MarketStatus) ([]*types.Market, error) {
	return s.store.ListMarkets(status)
}

// RefreshStats recomputes each open market's 24h rolling volume.
func (s *Service) RefreshStats() error {
	open, err := s.store.ListMarkets(types.MarketOpen)
	if err != nil {
		return err
	}
	since := time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339Nano)
	for _, m := range open {
		if err := s.store.RefreshVolume24h(m.ID, since); err != nil {
			s.logger.Warn("volume refresh failed", "market_id", m.ID, "error", err)
		}
	}
	return nil
}
