// Package positions exposes holdings and the two share-burning operations:
// redemption of winning shares after resolution, and merging matched
// YES/NO pairs back into collateral.
package positions

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pebble-core/internal/hub"
	"pebble-core/internal/ledger"
	"pebble-core/internal/store"
	"pebble-core/pkg/apperr"
	"pebble-core/pkg/types"
)

// Service is the position service.
type Service struct {
	store    *store.Store
	ledger   ledger.Client
	hub      *hub.Hub
	operator string
	logger   *slog.Logger
}

// NewService wires the position service.
func NewService(st *store.Store, lc ledger.Client, h *hub.Hub, operator string, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		ledger:   lc,
		hub:      h,
		operator: operator,
		logger:   logger.With("component", "positions"),
	}
}

// List returns a user's active positions.
func (s *Service) List(userID string) ([]*types.Position, error) {
	return s.store.ListPositions(userID)
}

// RedeemResult reports the outcome of a redemption.
type RedeemResult struct {
	MarketID string          `json:"marketId"`
	Side     types.Side      `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Payout   decimal.Decimal `json:"payout"`
}

// Redeem converts a user's free winning shares into cash at 1.00 per share.
// The market must be resolved; losing shares redeem nothing and expire on
// their own.
func (s *Service) Redeem(ctx context.Context, userID, marketID string) (*RedeemResult, error) {
	m, err := s.store.GetMarket(marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != types.MarketResolved || m.Outcome == nil {
		return nil, apperr.New(apperr.Conflict, apperr.CodeMarketNotResolved,
			"market %s is not resolved", marketID)
	}
	winning := types.SideNo
	if *m.Outcome {
		winning = types.SideYes
	}

	account, err := s.store.GetAccount(userID)
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetActivePosition(userID, marketID, winning)
	if err != nil {
		return nil, err
	}
	qty := p.Free()
	if !qty.IsPositive() {
		return nil, apperr.New(apperr.Conflict, apperr.CodePositionLocked,
			"no free %s shares to redeem", winning)
	}
	payout := qty.Mul(types.One)

	if err := s.submitRedeem(ctx, account.PartyID, marketID, p, qty); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = s.store.Transact(func(tx *store.Tx) error {
		if err := tx.ReducePosition(userID, marketID, winning, qty, now); err != nil {
			return err
		}
		if err := tx.CreditAvailable(userID, payout, now); err != nil {
			return err
		}
		return tx.ReduceOpenInterest(marketID, qty)
	})
	if err != nil {
		return nil, err
	}

	s.notify(userID)
	s.logger.Info("position redeemed",
		"user_id", userID, "market_id", marketID, "side", winning,
		"quantity", qty, "payout", payout)
	return &RedeemResult{MarketID: marketID, Side: winning, Quantity: qty, Payout: payout}, nil
}

// MergeResult reports the outcome of a pair merge.
type MergeResult struct {
	MarketID string          `json:"marketId"`
	Pairs    decimal.Decimal `json:"pairs"`
	Payout   decimal.Decimal `json:"payout"`
}

// Merge burns matched YES/NO pairs back into 1.00 of collateral per pair.
// Only free shares on both sides participate; the pair count is the smaller
// free quantity.
func (s *Service) Merge(ctx context.Context, userID, marketID string) (*MergeResult, error) {
	m, err := s.store.GetMarket(marketID)
	if err != nil {
		return nil, err
	}
	if m.Status == types.MarketResolved {
		return nil, apperr.New(apperr.Conflict, apperr.CodeMarketAlreadyResolved,
			"market %s is resolved; redeem instead", marketID)
	}

	account, err := s.store.GetAccount(userID)
	if err != nil {
		return nil, err
	}
	yes, err := s.store.GetActivePosition(userID, marketID, types.SideYes)
	if err != nil {
		return nil, err
	}
	no, err := s.store.GetActivePosition(userID, marketID, types.SideNo)
	if err != nil {
		return nil, err
	}
	pairs := decimal.Min(yes.Free(), no.Free())
	if !pairs.IsPositive() {
		return nil, apperr.New(apperr.InsufficientPosition, apperr.CodeInsufficientPositions,
			"no free matched pairs in market %s", marketID)
	}
	payout := pairs.Mul(types.One)

	if err := s.submitMerge(ctx, account.PartyID, marketID, pairs); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	err = s.store.Transact(func(tx *store.Tx) error {
		if err := tx.ReducePosition(userID, marketID, types.SideYes, pairs, now); err != nil {
			return err
		}
		if err := tx.ReducePosition(userID, marketID, types.SideNo, pairs, now); err != nil {
			return err
		}
		if err := tx.CreditAvailable(userID, payout, now); err != nil {
			return err
		}
		return tx.ReduceOpenInterest(marketID, pairs)
	})
	if err != nil {
		return nil, err
	}

	s.notify(userID)
	s.logger.Info("pairs merged",
		"user_id", userID, "market_id", marketID, "pairs", pairs, "payout", payout)
	return &MergeResult{MarketID: marketID, Pairs: pairs, Payout: payout}, nil
}

// submitRedeem exercises RedeemPosition on the market's settlement contract.
// Absent a settlement contract (dev mode, or before the event stream caught
// up) the redemption proceeds on the projection alone and reconciliation
// squares it later.
func (s *Service) submitRedeem(ctx context.Context, party, marketID string, p *types.Position, qty decimal.Decimal) error {
	contracts, err := s.ledger.GetActiveContracts(ctx, ledger.ContractFilter{
		TemplateID: ledger.TplMarketSettlement,
		Party:      s.operator,
	})
	if err != nil {
		return err
	}
	var settlementCID string
	for _, c := range contracts {
		var payload ledger.MarketSettlementPayload
		if json.Unmarshal(c.Payload, &payload) == nil && payload.MarketID == marketID {
			settlementCID = c.ContractID
			break
		}
	}
	if settlementCID == "" {
		s.logger.Warn("no settlement contract for market, redeeming off-ledger", "market_id", marketID)
		return nil
	}

	_, err = s.ledger.SubmitCommand(ctx, ledger.CommandRequest{
		CommandID:  "redeem-" + uuid.NewString(),
		Kind:       ledger.CommandExercise,
		TemplateID: ledger.TplMarketSettlement,
		ContractID: settlementCID,
		Choice:     ledger.ChoiceRedeemPosition,
		ActAs:      []string{s.operator},
		Payload: map[string]string{
			"holder":             party,
			"positionContractId": p.ContractID,
			"quantity":           qty.String(),
		},
	})
	return err
}

// submitMerge creates a PositionMerge proposal and immediately executes it.
func (s *Service) submitMerge(ctx context.Context, party, marketID string, pairs decimal.Decimal) error {
	mergeID := uuid.NewString()
	created, err := s.ledger.SubmitCommand(ctx, ledger.CommandRequest{
		CommandID:  "merge-propose-" + mergeID,
		Kind:       ledger.CommandCreate,
		TemplateID: ledger.TplPositionMerge,
		ActAs:      []string{party},
		Payload: map[string]string{
			"owner":    party,
			"operator": s.operator,
			"marketId": marketID,
			"quantity": pairs.String(),
		},
	})
	if err != nil {
		return err
	}
	_, err = s.ledger.SubmitCommand(ctx, ledger.CommandRequest{
		CommandID:  "merge-execute-" + mergeID,
		Kind:       ledger.CommandExercise,
		TemplateID: ledger.TplPositionMerge,
		ContractID: created.ContractID,
		Choice:     ledger.ChoiceExecuteMerge,
		ActAs:      []string{s.operator},
	})
	return err
}

func (s *Service) notify(userID string) {
	if account, err := s.store.GetAccount(userID); err == nil {
		s.hub.SendToUser(userID, "balance", hub.Event{Type: "balance_update", Data: account})
	}
	if positions, err := s.store.ListPositions(userID); err == nil {
		s.hub.SendToUser(userID, "positions", hub.Event{Type: "positions_update", Data: positions})
	}
}
