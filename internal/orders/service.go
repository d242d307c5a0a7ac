// Package orders implements order placement, cancellation, and book
// recovery.
//
// PlaceOrder runs the full "validate → lock → match → persist → emit"
// transition under a per-market mutex, which makes the book plus the store
// a serial state machine per market. Everything multi-row lands in one
// store transaction.
package orders

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pebble-core/internal/book"
	"pebble-core/internal/engine"
	"pebble-core/internal/hub"
	"pebble-core/internal/ledger"
	"pebble-core/internal/store"
	"pebble-core/pkg/apperr"
	"pebble-core/pkg/types"
)

const idempotencyTTL = 24 * time.Hour

// Service is the order lifecycle service.
type Service struct {
	store    *store.Store
	books    *book.Registry
	ledger   ledger.Client
	hub      *hub.Hub
	operator string
	logger   *slog.Logger

	mu          sync.Mutex
	marketLocks map[string]*sync.Mutex
}

// NewService wires the order service.
func NewService(st *store.Store, books *book.Registry, lc ledger.Client, h *hub.Hub, operator string, logger *slog.Logger) *Service {
	return &Service{
		store:       st,
		books:       books,
		ledger:      lc,
		hub:         h,
		operator:    operator,
		logger:      logger.With("component", "orders"),
		marketLocks: make(map[string]*sync.Mutex),
	}
}

// marketLock returns the mutex serializing one market's match transitions.
func (s *Service) marketLock(marketID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.marketLocks[marketID]
	if !ok {
		l = &sync.Mutex{}
		s.marketLocks[marketID] = l
	}
	return l
}

// Initialize rehydrates the in-memory books from durable orders. Orders
// touching a trade that may already be on the ledger are excluded and
// reported; re-matching them could double-settle.
func (s *Service) Initialize(ctx context.Context) error {
	resting, err := s.store.ListRestingOrders()
	if err != nil {
		return err
	}
	inFlight, err := s.store.OrderIDsWithInFlightTrades()
	if err != nil {
		return err
	}

	restored, excluded := 0, 0
	for _, o := range resting {
		if inFlight[o.ID] {
			excluded++
			s.logger.Warn("order excluded from rehydration, needs manual review",
				"order_id", o.ID, "market_id", o.MarketID, "user_id", o.UserID)
			continue
		}
		// Direct insert, no re-matching: the book state is restored as it
		// was, in arrival order.
		s.books.Get(o.MarketID).Add(o)
		restored++
	}
	s.logger.Info("order books rehydrated", "restored", restored, "excluded", excluded)
	return nil
}

// PlaceOrder validates, locks collateral, matches, persists, and emits.
func (s *Service) PlaceOrder(ctx context.Context, userID string, req types.PlaceOrderRequest, idempotencyKey string) (*types.PlaceResult, error) {
	now := time.Now().UTC()

	if err := s.validate(req); err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		if len(idempotencyKey) > 128 {
			return nil, apperr.New(apperr.Validation, apperr.CodeInvalidIdempotencyKey,
				"idempotency key exceeds 128 chars")
		}
		state, cached, err := s.store.LookupIdempotency(userID, idempotencyKey, now)
		if err != nil {
			return nil, err
		}
		switch state {
		case store.IdempotencyHit:
			var res types.PlaceResult
			if err := json.Unmarshal(cached, &res); err != nil {
				return nil, apperr.Wrap(err, apperr.Internal, apperr.CodeInternal, "decode cached response")
			}
			return &res, nil
		case store.IdempotencyPending:
			return nil, apperr.New(apperr.Conflict, apperr.CodeInvalidIdempotencyKey,
				"request with key %q is already in flight", idempotencyKey)
		}
		reserved, err := s.store.ReserveIdempotency(userID, idempotencyKey, now.Add(idempotencyTTL))
		if err != nil {
			return nil, err
		}
		if !reserved {
			return nil, apperr.New(apperr.Conflict, apperr.CodeInvalidIdempotencyKey,
				"request with key %q is already in flight", idempotencyKey)
		}
	}

	order := &types.Order{
		ID:             uuid.NewString(),
		MarketID:       req.MarketID,
		UserID:         userID,
		Side:           req.Side,
		Action:         req.Action,
		Type:           req.Type,
		Price:          req.Price,
		Quantity:       req.Quantity,
		FilledQuantity: decimal.Zero,
		Status:         types.OrderPending,
		LockedAmount:   decimal.Zero,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	result, err := s.place(ctx, order, now)
	if err != nil {
		if idempotencyKey != "" {
			if relErr := s.store.ReleaseIdempotency(userID, idempotencyKey); relErr != nil {
				s.logger.Error("failed to release idempotency key", "key", idempotencyKey, "error", relErr)
			}
		}
		return nil, err
	}

	if idempotencyKey != "" {
		result.IdempotencyKey = idempotencyKey
		body, err := json.Marshal(result)
		if err == nil {
			err = s.store.StoreIdempotencyResponse(userID, idempotencyKey, body)
		}
		if err != nil {
			s.logger.Error("failed to cache placement response", "key", idempotencyKey, "error", err)
		}
	}
	return result, nil
}

func (s *Service) validate(req types.PlaceOrderRequest) error {
	if !req.Side.Valid() {
		return apperr.New(apperr.Validation, apperr.CodeInvalidSide, "side must be yes or no")
	}
	if !req.Action.Valid() {
		return apperr.New(apperr.Validation, apperr.CodeInvalidOrderType, "action must be buy or sell")
	}
	if !req.Type.Valid() {
		return apperr.New(apperr.Validation, apperr.CodeInvalidOrderType, "type must be limit or market")
	}
	if !req.Quantity.IsPositive() {
		return apperr.New(apperr.Validation, apperr.CodeInvalidQuantity, "quantity must be positive")
	}
	if req.Quantity.GreaterThan(types.MaxOrderQuantity) {
		return apperr.New(apperr.Validation, apperr.CodeQuantityTooLarge,
			"quantity exceeds %s", types.MaxOrderQuantity)
	}
	if req.Type == types.OrderTypeLimit {
		if req.Price == nil {
			return apperr.New(apperr.Validation, apperr.CodeInvalidPrice, "limit orders require a price")
		}
		if !types.PriceInRange(*req.Price) {
			return apperr.New(apperr.Validation, apperr.CodeInvalidPrice,
				"price must be between %s and %s", types.MinPrice, types.MaxPrice)
		}
	}

	market, err := s.store.GetMarket(req.MarketID)
	if err != nil {
		return err
	}
	if market.Status != types.MarketOpen {
		return apperr.New(apperr.Conflict, apperr.CodeMarketNotOpen, "market %s is %s", market.ID, market.Status)
	}
	return nil
}

// lockPerShare is the collateral reserved per share for a buy. Market buys
// without a price lock the worst case: one full unit per share.
func lockPerShare(o *types.Order) decimal.Decimal {
	if o.Action != types.ActionBuy {
		return decimal.Zero
	}
	if o.Price != nil {
		return *o.Price
	}
	return types.One
}

func (s *Service) place(ctx context.Context, order *types.Order, now time.Time) (*types.PlaceResult, error) {
	lock := s.marketLock(order.MarketID)
	lock.Lock()
	defer lock.Unlock()

	// Collateral locks precede matching so a fill can never overdraw.
	if order.Action == types.ActionBuy {
		order.LockedAmount = lockPerShare(order).Mul(order.Quantity)
		if err := s.store.LockFunds(order.UserID, order.LockedAmount, now); err != nil {
			return nil, err
		}
	} else {
		if err := s.store.LockPosition(order.UserID, order.MarketID, order.Side, order.Quantity, now); err != nil {
			return nil, err
		}
	}

	b := s.books.Get(order.MarketID)
	res := engine.Match(b, order, now)

	if err := s.persistMatch(order, res, now); err != nil {
		// The match mutated the in-memory book; restore it and release the
		// locks so the failed placement leaves no trace.
		s.rollbackBook(b, order, res)
		s.releaseLocks(order, now)
		return nil, err
	}

	if order.Status == types.OrderRejected {
		// Market order with nothing to fill: release immediately.
		s.releaseLocks(order, now)
	} else if !res.Rested && order.Remaining().IsPositive() {
		// Partially filled market order: the unfilled remainder never rests,
		// so its share of the lock is returned.
		s.releaseRemainder(order, now)
	}

	s.submitLedgerLock(ctx, order)
	s.emit(order, res)

	return &types.PlaceResult{
		OrderID:           order.ID,
		Status:            order.Status,
		FilledQuantity:    order.FilledQuantity,
		RemainingQuantity: order.Remaining(),
		Trades:            deref(res.Trades),
		LockedAmount:      order.LockedAmount,
	}, nil
}

// persistMatch writes the taker, its trades, the maker updates, and the
// proportional lock consumption in one transaction.
func (s *Service) persistMatch(order *types.Order, res *engine.Result, now time.Time) error {
	participants := map[string]*types.Order{order.ID: order}
	for _, m := range res.PartialMakers {
		participants[m.ID] = m
	}
	for _, m := range res.FilledMakers {
		participants[m.ID] = m
	}

	return s.store.Transact(func(tx *store.Tx) error {
		for _, tr := range res.Trades {
			if err := s.applyFill(tx, participants, tr, now); err != nil {
				return err
			}
			if err := tx.InsertTrade(tr); err != nil {
				return err
			}
			// A cross-match mints pairs only when both legs buy; a
			// sell-sell cross burns at settlement instead.
			buyer, ok := participants[tr.BuyerOrderID]
			mint := ok && buyer.Action == types.ActionBuy
			if err := tx.ApplyTradeToMarket(tr, mint); err != nil {
				return err
			}
		}
		if err := tx.InsertOrder(order); err != nil {
			return err
		}
		for _, m := range res.PartialMakers {
			if err := tx.UpdateOrderFill(m, now); err != nil {
				return err
			}
		}
		for _, m := range res.FilledMakers {
			if err := tx.UpdateOrderFill(m, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// applyFill releases the price-improvement slice of each buyer's lock. The
// executed value stays locked until settlement debits it; only the gap
// between the locked price and the execution price returns to available.
func (s *Service) applyFill(tx *store.Tx, participants map[string]*types.Order, tr *types.Trade, now time.Time) error {
	parties := []struct {
		orderID string
		// price actually paid per share by this party
		paid decimal.Decimal
	}{
		{tr.BuyerOrderID, tr.Price},
		{tr.SellerOrderID, types.One.Sub(tr.Price)},
	}

	for _, p := range parties {
		o, ok := participants[p.orderID]
		if !ok {
			s.logger.Error("trade references an order outside the match", "order_id", p.orderID)
			continue
		}
		if o.Action != types.ActionBuy {
			continue // sell locks are consumed by settlement
		}

		per := lockPerShare(o)
		improvement := per.Sub(p.paid)
		o.LockedAmount = o.LockedAmount.Sub(per.Mul(tr.Quantity)).Add(p.paid.Mul(tr.Quantity))
		if improvement.IsPositive() {
			if err := tx.UnlockFunds(o.UserID, improvement.Mul(tr.Quantity), now); err != nil {
				return err
			}
		}
	}
	return nil
}

// rollbackBook undoes the in-memory mutations after a failed persist.
// Maker quantities are restored from their durable rows.
func (s *Service) rollbackBook(b *book.Book, order *types.Order, res *engine.Result) {
	b.Remove(order.ID)
	for _, m := range append(res.PartialMakers, res.FilledMakers...) {
		if durable, err := s.store.GetOrder(m.ID); err == nil {
			m.FilledQuantity = durable.FilledQuantity
			m.Status = durable.Status
			if m.Status.Resting() {
				b.Add(m)
			}
		}
	}
}

func (s *Service) releaseRemainder(order *types.Order, now time.Time) {
	remaining := order.Remaining()
	var err error
	if order.Action == types.ActionBuy {
		slice := lockPerShare(order).Mul(remaining)
		order.LockedAmount = order.LockedAmount.Sub(slice)
		err = s.store.UnlockFunds(order.UserID, slice, now)
	} else {
		err = s.store.UnlockPosition(order.UserID, order.MarketID, order.Side, remaining, now)
	}
	if err == nil {
		err = s.store.UpdateOrderFill(order, now)
	}
	if err != nil {
		s.logger.Error("failed to release remainder lock", "order_id", order.ID, "error", err)
	}
}

func (s *Service) releaseLocks(order *types.Order, now time.Time) {
	var err error
	if order.Action == types.ActionBuy {
		if order.LockedAmount.IsPositive() {
			err = s.store.UnlockFunds(order.UserID, order.LockedAmount, now)
			order.LockedAmount = decimal.Zero
		}
	} else {
		if remaining := order.Remaining(); remaining.IsPositive() {
			err = s.store.UnlockPosition(order.UserID, order.MarketID, order.Side, remaining, now)
		}
	}
	if err == nil {
		err = s.store.UpdateOrderFill(order, time.Now().UTC())
	}
	if err != nil {
		s.logger.Error("failed to release locks", "order_id", order.ID, "error", err)
	}
}

// submitLedgerLock mirrors the fund lock onto the ledger, best effort. The
// off-chain lock is authoritative for matching; the ledger converges via
// settlement and reconciliation.
func (s *Service) submitLedgerLock(ctx context.Context, order *types.Order) {
	if order.Action != types.ActionBuy || !order.LockedAmount.IsPositive() {
		return
	}
	account, err := s.store.GetAccount(order.UserID)
	if err != nil || account.AccountContractID == "" {
		return
	}
	_, err = s.ledger.SubmitCommand(ctx, ledger.CommandRequest{
		CommandID:  "lock-" + order.ID,
		Kind:       ledger.CommandExercise,
		TemplateID: ledger.TplTradingAccount,
		ContractID: account.AccountContractID,
		Choice:     ledger.ChoiceLockFunds,
		ActAs:      []string{s.operator},
		Payload:    map[string]string{"amount": order.LockedAmount.String()},
	})
	if err != nil {
		s.logger.Warn("ledger fund lock failed, projection remains authoritative",
			"order_id", order.ID, "error", err)
	}
}

func (s *Service) emit(order *types.Order, res *engine.Result) {
	s.hub.SendToUser(order.UserID, "orders", hub.Event{Type: "order_update", Data: order})
	balanceTouched := map[string]bool{}
	if order.Action == types.ActionBuy {
		balanceTouched[order.UserID] = true
	}

	for _, tr := range res.Trades {
		s.hub.Broadcast(hub.TradesChannel(tr.MarketID), hub.Event{Type: "trade", Data: tr})
		balanceTouched[tr.BuyerID] = true
	}
	for _, m := range append(res.PartialMakers, res.FilledMakers...) {
		s.hub.SendToUser(m.UserID, "orders", hub.Event{Type: "order_update", Data: m})
	}

	if len(res.Trades) > 0 || res.Rested {
		snapshot := s.books.Get(order.MarketID).Snapshot(0)
		s.hub.Broadcast(hub.OrderbookChannel(order.MarketID), hub.Event{Type: "orderbook", Data: snapshot})
	}

	for userID := range balanceTouched {
		if account, err := s.store.GetAccount(userID); err == nil {
			s.hub.SendToUser(userID, "balance", hub.Event{Type: "balance_update", Data: account})
		}
	}
}

// CancelOrder removes a resting order and releases its remaining locks.
// Another user's order reads as not found.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (*types.Order, error) {
	now := time.Now().UTC()

	order, err := s.store.GetOrderForUser(orderID, userID)
	if err != nil {
		return nil, err
	}

	lock := s.marketLock(order.MarketID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a concurrent match may have filled it.
	order, err = s.store.GetOrderForUser(orderID, userID)
	if err != nil {
		return nil, err
	}
	if !order.Status.Resting() {
		return nil, apperr.New(apperr.Conflict, apperr.CodeOrderNotCancellable,
			"order %s is %s", orderID, order.Status)
	}

	b := s.books.Get(order.MarketID)
	if live, ok := b.Get(orderID); ok {
		order = live
		b.Remove(orderID)
	}

	order.Status = types.OrderCancelled
	err = s.store.Transact(func(tx *store.Tx) error {
		if err := tx.UpdateOrderFill(order, now); err != nil {
			return err
		}
		if order.Action == types.ActionBuy {
			if order.LockedAmount.IsPositive() {
				if err := tx.UnlockFunds(order.UserID, order.LockedAmount, now); err != nil {
					return err
				}
			}
		} else if remaining := order.Remaining(); remaining.IsPositive() {
			if err := tx.UnlockPosition(order.UserID, order.MarketID, order.Side, remaining, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Cancel failed durably: put the order back so the book and store
		// stay consistent.
		order.Status = types.OrderOpen
		if order.FilledQuantity.IsPositive() {
			order.Status = types.OrderPartial
		}
		b.Add(order)
		return nil, err
	}
	if order.Action == types.ActionBuy {
		order.LockedAmount = decimal.Zero
	}

	s.submitLedgerUnlock(ctx, order)
	s.hub.SendToUser(userID, "orders", hub.Event{Type: "order_update", Data: order})
	if account, err := s.store.GetAccount(userID); err == nil {
		s.hub.SendToUser(userID, "balance", hub.Event{Type: "balance_update", Data: account})
	}
	s.hub.Broadcast(hub.OrderbookChannel(order.MarketID),
		hub.Event{Type: "orderbook", Data: b.Snapshot(0)})

	return order, nil
}

func (s *Service) submitLedgerUnlock(ctx context.Context, order *types.Order) {
	if order.Action != types.ActionBuy {
		return
	}
	account, err := s.store.GetAccount(order.UserID)
	if err != nil || account.AccountContractID == "" {
		return
	}
	_, err = s.ledger.SubmitCommand(ctx, ledger.CommandRequest{
		CommandID:  "unlock-" + order.ID,
		Kind:       ledger.CommandExercise,
		TemplateID: ledger.TplTradingAccount,
		ContractID: account.AccountContractID,
		Choice:     ledger.ChoiceUnlockFunds,
		ActAs:      []string{s.operator},
		Payload:    map[string]string{"amount": lockPerShare(order).Mul(order.Remaining()).String()},
	})
	if err != nil {
		s.logger.Warn("ledger fund unlock failed", "order_id", order.ID, "error", err)
	}
}

// GetOrder returns one of the user's orders.
func (s *Service) GetOrder(userID, orderID string) (*types.Order, error) {
	return s.store.GetOrderForUser(orderID, userID)
}

// ListOrders returns the user's orders, filtered.
func (s *Service) ListOrders(userID string, filter store.OrderFilter) ([]*types.Order, error) {
	return s.store.ListOrders(userID, filter)
}

// Snapshot returns the aggregated book for a market.
func (s *Service) Snapshot(marketID string) *types.BookSnapshot {
	return s.books.Get(marketID).Snapshot(0)
}

func deref(trades []*types.Trade) []types.Trade {
	out := make([]types.Trade, len(trades))
	for i, t := range trades {
		out[i] = *t
	}
	return out
}
