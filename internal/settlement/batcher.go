// Package settlement drives on-ledger settlement of matched trades.
//
// The batcher periodically claims pending trades into a batch and walks the
// batch through the three-phase Canton workflow: propose a settlement per
// trade, collect buyer and seller acceptances, then execute. Only after the
// ledger confirms execution do balances and positions move in the
// projection: locked collateral is consumed, sellers are paid, and share
// holdings are adjusted. A failed batch returns its trades to the pending
// pool until the per-trade retry budget runs out; after that the trade is
// terminally failed, its locks are released, and a compensation row is left
// for manual review.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pebble-core/internal/hub"
	"pebble-core/internal/ledger"
	"pebble-core/internal/store"
	"pebble-core/pkg/types"
)

// Config tunes the batcher.
type Config struct {
	Interval        time.Duration // time between batch claims
	MaxBatchSize    int           // trades per batch
	MaxRetries      int           // per-trade attempts before terminal failure
	ProposalTimeout time.Duration // deadline per ledger call within a batch
	RoundDelay      time.Duration // pause between workflow phases
}

// DefaultConfig matches the production cadence.
func DefaultConfig() Config {
	return Config{
		Interval:        2 * time.Second,
		MaxBatchSize:    10,
		MaxRetries:      3,
		ProposalTimeout: 30 * time.Second,
		RoundDelay:      100 * time.Millisecond,
	}
}

// Batcher is the settlement loop.
type Batcher struct {
	store    *store.Store
	ledger   ledger.Client
	hub      *hub.Hub
	operator string
	cfg      Config
	logger   *slog.Logger
}

// NewBatcher wires the settlement batcher.
func NewBatcher(st *store.Store, lc ledger.Client, h *hub.Hub, operator string, cfg Config, logger *slog.Logger) *Batcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultConfig().MaxBatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.ProposalTimeout <= 0 {
		cfg.ProposalTimeout = DefaultConfig().ProposalTimeout
	}
	return &Batcher{
		store:    st,
		ledger:   lc,
		hub:      h,
		operator: operator,
		cfg:      cfg,
		logger:   logger.With("component", "settlement"),
	}
}

// Run processes batches until ctx is cancelled.
func (b *Batcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	b.logger.Info("settlement batcher started",
		"interval", b.cfg.Interval, "max_batch_size", b.cfg.MaxBatchSize)
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("settlement batcher stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := b.ProcessOnce(ctx); err != nil {
				b.logger.Error("batch processing failed", "error", err)
			}
		}
	}
}

// ProcessOnce claims and settles at most one batch. Exposed for tests and
// for a final drain during shutdown.
func (b *Batcher) ProcessOnce(ctx context.Context) error {
	trades, err := b.store.ListPendingTrades(b.cfg.MaxBatchSize)
	if err != nil {
		return fmt.Errorf("claim trades: %w", err)
	}
	if len(trades) == 0 {
		return nil
	}

	batch := &types.SettlementBatch{
		ID:        uuid.NewString(),
		Status:    types.BatchPending,
		TradeIDs:  tradeIDs(trades),
		CreatedAt: time.Now().UTC(),
	}
	if err := b.store.InsertBatch(batch); err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	if err := b.store.SetTradesSettlementStatus(batch.TradeIDs, types.SettlementSettling, batch.ID, nil); err != nil {
		return fmt.Errorf("mark settling: %w", err)
	}
	b.logger.Info("batch claimed", "batch_id", batch.ID, "trades", len(trades))

	if err := b.settle(ctx, batch, trades); err != nil {
		b.fail(ctx, batch, trades, err)
		return err
	}
	return b.complete(batch, trades)
}

// settle walks the batch through propose, accept, execute.
func (b *Batcher) settle(ctx context.Context, batch *types.SettlementBatch, trades []*types.Trade) error {
	accounts, err := b.partyFor(trades)
	if err != nil {
		return err
	}

	// Phase 1: one proposal per trade.
	b.phase(batch, types.BatchProposing, "proposing settlements")
	proposals := make(map[string]string, len(trades)) // tradeID -> proposal contract
	for _, tr := range trades {
		result, err := b.submit(ctx, ledger.CommandRequest{
			CommandID:  fmt.Sprintf("settle-propose-%s-%s", batch.ID, tr.ID),
			Kind:       ledger.CommandCreate,
			TemplateID: ledger.TplSettlementProposal,
			ActAs:      []string{b.operator},
			Payload: ledger.SettlementProposalPayload{
				SettlementID: batch.ID,
				Buyer:        accounts[tr.BuyerID],
				Seller:       accounts[tr.SellerID],
				MarketID:     tr.MarketID,
				TradeType:    string(tr.Type),
				Price:        tr.Price,
				Quantity:     tr.Quantity,
				Operator:     b.operator,
			},
		})
		if err != nil {
			return fmt.Errorf("propose trade %s: %w", tr.ID, err)
		}
		proposals[tr.ID] = result.ContractID
	}
	if err := b.pause(ctx); err != nil {
		return err
	}

	// Phase 2: buyer then seller accept each proposal.
	b.phase(batch, types.BatchAccepting, "collecting acceptances")
	accepted := make(map[string]string, len(trades)) // tradeID -> accepted contract
	for _, tr := range trades {
		buyerRes, err := b.submit(ctx, ledger.CommandRequest{
			CommandID:  fmt.Sprintf("settle-buyer-%s-%s", batch.ID, tr.ID),
			Kind:       ledger.CommandExercise,
			TemplateID: ledger.TplSettlementProposal,
			ContractID: proposals[tr.ID],
			Choice:     ledger.ChoiceBuyerAccept,
			ActAs:      []string{accounts[tr.BuyerID]},
		})
		if err != nil {
			return fmt.Errorf("buyer accept trade %s: %w", tr.ID, err)
		}
		sellerRes, err := b.submit(ctx, ledger.CommandRequest{
			CommandID:  fmt.Sprintf("settle-seller-%s-%s", batch.ID, tr.ID),
			Kind:       ledger.CommandExercise,
			TemplateID: ledger.TplSettlementAccepted,
			ContractID: buyerRes.ContractID,
			Choice:     ledger.ChoiceSellerAccept,
			ActAs:      []string{accounts[tr.SellerID]},
		})
		if err != nil {
			return fmt.Errorf("seller accept trade %s: %w", tr.ID, err)
		}
		accepted[tr.ID] = sellerRes.ContractID
	}
	if err := b.pause(ctx); err != nil {
		return err
	}

	// Phase 3: execute.
	b.phase(batch, types.BatchExecuting, "executing settlements")
	for _, tr := range trades {
		_, err := b.submit(ctx, ledger.CommandRequest{
			CommandID:  fmt.Sprintf("settle-execute-%s-%s", batch.ID, tr.ID),
			Kind:       ledger.CommandExercise,
			TemplateID: ledger.TplSettlement,
			ContractID: accepted[tr.ID],
			Choice:     ledger.ChoiceExecuteSettlement,
			ActAs:      []string{b.operator},
		})
		if err != nil {
			return fmt.Errorf("execute trade %s: %w", tr.ID, err)
		}
	}
	return nil
}

// complete applies the settled batch to the projection in one transaction.
func (b *Batcher) complete(batch *types.SettlementBatch, trades []*types.Trade) error {
	now := time.Now().UTC()
	err := b.store.Transact(func(tx *store.Tx) error {
		if err := tx.SetTradesSettlementStatus(batch.TradeIDs, types.SettlementSettled, batch.ID, &now); err != nil {
			return err
		}
		for _, tr := range trades {
			if err := applyTrade(tx, tr, now); err != nil {
				return fmt.Errorf("apply trade %s: %w", tr.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete batch %s: %w", batch.ID, err)
	}
	if err := b.store.UpdateBatch(batch.ID, types.BatchCompleted, batch.RetryCount, "", &now); err != nil {
		return err
	}
	b.store.InsertSettlementEvent(batch.ID, string(types.BatchCompleted), fmt.Sprintf("%d trades settled", len(trades)), now)

	for _, tr := range trades {
		b.hub.Broadcast(hub.TradesChannel(tr.MarketID), hub.Event{Type: "trade_settled", Data: tr})
		b.notifyUser(tr.BuyerID)
		if tr.SellerID != tr.BuyerID {
			b.notifyUser(tr.SellerID)
		}
	}
	b.logger.Info("batch completed", "batch_id", batch.ID, "trades", len(trades))
	return nil
}

// applyTrade moves money and shares for one settled trade. Each leg follows
// its own order: a buy leg consumes locked collateral and gains shares, a
// sell leg gives up locked shares and is paid. share_creation trades are
// YES-normalised, so the NO leg's price is the complement of the trade
// price.
func applyTrade(tx *store.Tx, tr *types.Trade, now time.Time) error {
	sellLegs := 0
	for _, leg := range []struct {
		userID  string
		orderID string
	}{
		{tr.BuyerID, tr.BuyerOrderID},
		{tr.SellerID, tr.SellerOrderID},
	} {
		order, err := tx.GetOrder(leg.orderID)
		if err != nil {
			return err
		}
		price := legPrice(tr, order.Side)
		value := price.Mul(tr.Quantity)

		switch order.Action {
		case types.ActionBuy:
			if err := tx.ConsumeLocked(leg.userID, value, now); err != nil {
				return err
			}
			if _, err := tx.AddToPosition(leg.userID, tr.MarketID, order.Side, tr.Quantity, price, now); err != nil {
				return err
			}
		case types.ActionSell:
			sellLegs++
			if err := tx.ReducePosition(leg.userID, tr.MarketID, order.Side, tr.Quantity, now); err != nil {
				return err
			}
			if err := tx.CreditAvailable(leg.userID, value, now); err != nil {
				return err
			}
		}
	}
	// Two sell legs on a cross-match mean a burn: a matched pair left
	// circulation.
	if tr.Type == types.TradeShareCreation && sellLegs == 2 {
		return tx.ReduceOpenInterest(tr.MarketID, tr.Quantity)
	}
	return nil
}

// legPrice returns the execution price for the leg trading the given side.
// share_trade carries the match price for both legs; share_creation is
// YES-normalised so the NO leg pays or receives the complement.
func legPrice(tr *types.Trade, side types.Side) decimal.Decimal {
	if tr.Type == types.TradeShare || side == types.SideYes {
		return tr.Price
	}
	return types.One.Sub(tr.Price)
}

// fail records the failure, retries recoverable trades, and compensates the
// rest.
func (b *Batcher) fail(ctx context.Context, batch *types.SettlementBatch, trades []*types.Trade, cause error) {
	now := time.Now().UTC()
	if err := b.store.UpdateBatch(batch.ID, types.BatchFailed, batch.RetryCount, cause.Error(), &now); err != nil {
		b.logger.Error("batch failure not recorded", "batch_id", batch.ID, "error", err)
	}
	b.store.InsertSettlementEvent(batch.ID, string(types.BatchFailed), cause.Error(), now)

	retries, err := b.store.BumpTradeRetries(batch.TradeIDs)
	if err != nil {
		b.logger.Error("retry bump failed", "batch_id", batch.ID, "error", err)
		return
	}

	var retry, exhausted []string
	byID := make(map[string]*types.Trade, len(trades))
	for _, tr := range trades {
		byID[tr.ID] = tr
		if retries[tr.ID] < b.cfg.MaxRetries {
			retry = append(retry, tr.ID)
		} else {
			exhausted = append(exhausted, tr.ID)
		}
	}

	if len(retry) > 0 {
		if err := b.store.SetTradesSettlementStatus(retry, types.SettlementPending, "", nil); err != nil {
			b.logger.Error("trade requeue failed", "batch_id", batch.ID, "error", err)
		}
		b.logger.Warn("trades requeued for retry", "batch_id", batch.ID, "count", len(retry))
	}
	for _, id := range exhausted {
		b.compensate(batch.ID, byID[id], cause, now)
	}
}

// compensate terminally fails a trade: release both legs' locks and leave an
// audit row for the operator.
func (b *Batcher) compensate(batchID string, tr *types.Trade, cause error, now time.Time) {
	err := b.store.Transact(func(tx *store.Tx) error {
		if err := tx.SetTradesSettlementStatus([]string{tr.ID}, types.SettlementFailed, batchID, nil); err != nil {
			return err
		}
		for _, leg := range []struct {
			userID  string
			orderID string
		}{
			{tr.BuyerID, tr.BuyerOrderID},
			{tr.SellerID, tr.SellerOrderID},
		} {
			order, err := tx.GetOrder(leg.orderID)
			if err != nil {
				return err
			}
			price := legPrice(tr, order.Side)
			value := price.Mul(tr.Quantity)
			switch order.Action {
			case types.ActionBuy:
				if err := tx.UnlockFunds(leg.userID, value, now); err != nil {
					return err
				}
			case types.ActionSell:
				if err := tx.UnlockPosition(leg.userID, tr.MarketID, order.Side, tr.Quantity, now); err != nil {
					return err
				}
			}
			if err := tx.InsertCompensationFailure(&types.CompensationFailure{
				BatchID:   batchID,
				TradeID:   tr.ID,
				UserID:    leg.userID,
				Amount:    value,
				Reason:    cause.Error(),
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.logger.Error("compensation failed, manual intervention required",
			"batch_id", batchID, "trade_id", tr.ID, "error", err)
		return
	}
	b.logger.Error("trade terminally failed, locks released",
		"batch_id", batchID, "trade_id", tr.ID, "cause", cause)
}

// Stats reports settlement progress for the ops endpoint.
type Stats struct {
	Batches map[types.BatchStatus]int      `json:"batches"`
	Trades  map[types.SettlementStatus]int `json:"trades"`
}

// Stats returns batch and trade counts by status.
func (b *Batcher) Stats() (*Stats, error) {
	batches, err := b.store.CountBatchesByStatus()
	if err != nil {
		return nil, err
	}
	trades, err := b.store.CountTradesBySettlementStatus()
	if err != nil {
		return nil, err
	}
	return &Stats{Batches: batches, Trades: trades}, nil
}

func (b *Batcher) phase(batch *types.SettlementBatch, status types.BatchStatus, detail string) {
	now := time.Now().UTC()
	if err := b.store.UpdateBatch(batch.ID, status, batch.RetryCount, "", nil); err != nil {
		b.logger.Warn("batch phase not recorded", "batch_id", batch.ID, "phase", status, "error", err)
	}
	b.store.InsertSettlementEvent(batch.ID, string(status), detail, now)
	batch.Status = status
}

// submit sends one ledger command under the per-call deadline. A hung
// ledger fails the batch instead of wedging the loop.
func (b *Batcher) submit(ctx context.Context, req ledger.CommandRequest) (*ledger.CommandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ProposalTimeout)
	defer cancel()
	return b.ledger.SubmitCommand(ctx, req)
}

func (b *Batcher) pause(ctx context.Context) error {
	if b.cfg.RoundDelay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.cfg.RoundDelay):
		return nil
	}
}

// partyFor maps each trade participant to their ledger party.
func (b *Batcher) partyFor(trades []*types.Trade) (map[string]string, error) {
	parties := make(map[string]string)
	for _, tr := range trades {
		for _, userID := range []string{tr.BuyerID, tr.SellerID} {
			if _, ok := parties[userID]; ok {
				continue
			}
			account, err := b.store.GetAccount(userID)
			if err != nil {
				return nil, fmt.Errorf("party for %s: %w", userID, err)
			}
			parties[userID] = account.PartyID
		}
	}
	return parties, nil
}

func (b *Batcher) notifyUser(userID string) {
	if account, err := b.store.GetAccount(userID); err == nil {
		b.hub.SendToUser(userID, "balance", hub.Event{Type: "balance_update", Data: account})
	}
	if positions, err := b.store.ListPositions(userID); err == nil {
		b.hub.SendToUser(userID, "positions", hub.Event{Type: "positions_update", Data: positions})
	}
}

func tradeIDs(trades []*types.Trade) []string {
	ids := make([]string, len(trades))
	for i, tr := range trades {
		ids[i] = tr.ID
	}
	return ids
}
