// Package events projects the ledger transaction stream into the local
// read model.
//
// The processor resumes from the last durably processed offset, applies each
// ledger transaction atomically together with the offset advance, and
// reconnects with exponential backoff when the stream drops. Contract
// evolution on the ledger is archive+create; projections therefore upsert
// on stable business keys and only archive rows that are genuinely empty.
package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"pebble-core/internal/hub"
	"pebble-core/internal/ledger"
	"pebble-core/internal/store"
	"pebble-core/pkg/apperr"
	"pebble-core/pkg/types"
)

// Config tunes stream reconnection backoff.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultConfig matches the production cadence.
func DefaultConfig() Config {
	return Config{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
	}
}

// Status is a snapshot of processor health for the ops endpoint.
type Status struct {
	Running           bool      `json:"running"`
	CurrentOffset     int64     `json:"currentOffset"`
	LastEventTime     time.Time `json:"lastEventTime"`
	ReconnectAttempts int       `json:"reconnectAttempts"`
	EventsProcessed   int64     `json:"eventsProcessed"`
	Errors            int64     `json:"errors"`
}

// Processor consumes the ledger transaction stream.
type Processor struct {
	store    *store.Store
	ledger   ledger.Client
	hub      *hub.Hub
	operator string
	cfg      Config
	logger   *slog.Logger

	mu     sync.Mutex
	status Status
}

// NewProcessor wires the event processor.
func NewProcessor(st *store.Store, lc ledger.Client, h *hub.Hub, operator string, cfg Config, logger *slog.Logger) *Processor {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig().InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultConfig().Multiplier
	}
	return &Processor{
		store:    st,
		ledger:   lc,
		hub:      h,
		operator: operator,
		cfg:      cfg,
		logger:   logger.With("component", "events"),
	}
}

// Status returns a snapshot of processor health.
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Run streams and projects transactions until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.setRunning(true)
	defer p.setRunning(false)

	backoff := p.cfg.InitialBackoff
	for {
		err := p.consume(ctx, &backoff)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, io.EOF) {
			p.countError()
			p.logger.Warn("stream dropped, reconnecting", "backoff", backoff, "error", err)
		}

		p.mu.Lock()
		p.status.ReconnectAttempts++
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * p.cfg.Multiplier)
		if backoff > p.cfg.MaxBackoff {
			backoff = p.cfg.MaxBackoff
		}
	}
}

// consume opens one stream from the durable offset and drains it. The
// backoff resets after the first successfully applied transaction.
func (p *Processor) consume(ctx context.Context, backoff *time.Duration) error {
	offset, err := p.store.GetLastProcessedOffset()
	if err != nil {
		return err
	}
	stream, err := p.ledger.StreamTransactions(ctx, ledger.StreamFilter{
		BeginOffset: offset,
		TemplateIDs: []string{
			ledger.TplTradingAccount,
			ledger.TplPosition,
			ledger.TplMarket,
			ledger.TplMarketSettlement,
		},
		Parties: []string{p.operator},
	})
	if err != nil {
		return err
	}
	defer stream.Close()
	p.logger.Info("stream opened", "from_offset", offset)

	for {
		tx, err := stream.Recv()
		if err != nil {
			return err
		}
		if err := p.Apply(tx); err != nil {
			p.countError()
			p.logger.Error("transaction not applied",
				"transaction_id", tx.TransactionID, "offset", tx.Offset, "error", err)
			return err
		}
		*backoff = p.cfg.InitialBackoff
	}
}

// Apply projects one ledger transaction and advances the offset in the same
// database transaction. Replays below the durable offset are no-ops.
func (p *Processor) Apply(txe *ledger.TransactionEvent) error {
	var notify []func()
	err := p.store.Transact(func(tx *store.Tx) error {
		for _, ev := range txe.Events {
			fn, err := p.applyEvent(tx, ev)
			if err != nil {
				return err
			}
			if fn != nil {
				notify = append(notify, fn)
			}
		}
		return tx.SetLastProcessedOffset(txe.Offset)
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	if txe.Offset > p.status.CurrentOffset {
		p.status.CurrentOffset = txe.Offset
	}
	p.status.LastEventTime = time.Now().UTC()
	p.status.EventsProcessed += int64(len(txe.Events))
	p.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

func (p *Processor) applyEvent(tx *store.Tx, ev ledger.Event) (func(), error) {
	switch {
	case ev.TemplateID == ledger.TplTradingAccount && ev.Kind == ledger.EventCreated:
		return p.applyAccount(tx, ev)
	case ev.TemplateID == ledger.TplPosition && ev.Kind == ledger.EventCreated:
		return p.applyPosition(tx, ev)
	case ev.TemplateID == ledger.TplPosition && ev.Kind == ledger.EventArchived:
		archived, err := tx.ArchivePositionByContract(ev.ContractID, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if archived {
			p.logger.Debug("position archived", "contract_id", ev.ContractID)
		}
		return nil, nil
	case ev.TemplateID == ledger.TplMarket && ev.Kind == ledger.EventCreated:
		return p.applyMarket(tx, ev)
	case ev.TemplateID == ledger.TplMarketSettlement && ev.Kind == ledger.EventCreated:
		return p.applySettlement(tx, ev)
	default:
		// Archives of accounts and markets are evolution steps; the
		// replacing create carries the new state.
		return nil, nil
	}
}

// applyAccount overwrites the balance projection with on-ledger values. The
// ledger is authoritative; local drift is expected between settlements.
func (p *Processor) applyAccount(tx *store.Tx, ev ledger.Event) (func(), error) {
	var payload ledger.TradingAccountPayload
	if err := ledger.DecodePayload(p.logger, ev.TemplateID, ev.Payload, &payload); err != nil {
		return nil, err
	}
	account, err := tx.GetAccountByParty(payload.Owner)
	if apperr.IsKind(err, apperr.NotFound) {
		// Account created outside this core instance; nothing to project
		// onto until onboarding registers the user.
		p.logger.Debug("account event for unknown party", "party", payload.Owner)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	account.AccountContractID = ev.ContractID
	account.AvailableBalance = payload.AvailableBalance
	account.LockedBalance = payload.LockedBalance
	account.LastUpdated = time.Now().UTC()
	if err := tx.UpsertAccount(account); err != nil {
		return nil, err
	}

	userID := account.UserID
	snapshot := *account
	return func() {
		p.hub.SendToUser(userID, "balance", hub.Event{Type: "balance_update", Data: &snapshot})
	}, nil
}

func (p *Processor) applyPosition(tx *store.Tx, ev ledger.Event) (func(), error) {
	var payload ledger.PositionPayload
	if err := ledger.DecodePayload(p.logger, ev.TemplateID, ev.Payload, &payload); err != nil {
		return nil, err
	}
	account, err := tx.GetAccountByParty(payload.Owner)
	if apperr.IsKind(err, apperr.NotFound) {
		p.logger.Debug("position event for unknown party", "party", payload.Owner)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	pos := &types.Position{
		UserID:         account.UserID,
		MarketID:       payload.MarketID,
		Side:           types.Side(payload.Side),
		Quantity:       payload.Quantity,
		LockedQuantity: payload.LockedQuantity,
		AvgCostBasis:   payload.AvgCostBasis,
		ContractID:     ev.ContractID,
		LastUpdated:    time.Now().UTC(),
	}
	if err := tx.ApplyPositionEvent(pos); err != nil {
		return nil, err
	}

	userID := account.UserID
	return func() {
		if positions, err := p.store.ListPositions(userID); err == nil {
			p.hub.SendToUser(userID, "positions", hub.Event{Type: "positions_update", Data: positions})
		}
	}, nil
}

// applyMarket upserts the market projection, last-write-wins on version.
func (p *Processor) applyMarket(tx *store.Tx, ev ledger.Event) (func(), error) {
	var payload ledger.MarketPayload
	if err := ledger.DecodePayload(p.logger, ev.TemplateID, ev.Payload, &payload); err != nil {
		return nil, err
	}
	resolutionTime, _ := time.Parse(time.RFC3339, payload.ResolutionTime)
	m := &types.Market{
		ID:             payload.MarketID,
		Question:       payload.Question,
		Description:    payload.Description,
		Status:         types.MarketStatus(payload.Status),
		Outcome:        payload.Outcome,
		ContractID:     ev.ContractID,
		Version:        payload.Version,
		ResolutionTime: resolutionTime,
	}
	changed, err := tx.ApplyMarketEvent(m)
	if err != nil {
		return nil, err
	}
	if !changed {
		p.logger.Debug("stale market event dropped",
			"market_id", m.ID, "version", m.Version)
		return nil, nil
	}

	marketID := m.ID
	return func() {
		if m, err := p.store.GetMarket(marketID); err == nil {
			p.hub.Broadcast(hub.OrderbookChannel(marketID), hub.Event{Type: "market_update", Data: m})
		}
	}, nil
}

// applySettlement marks the market resolved when the oracle's settlement
// contract appears, covering resolutions initiated outside this core.
func (p *Processor) applySettlement(tx *store.Tx, ev ledger.Event) (func(), error) {
	var payload ledger.MarketSettlementPayload
	if err := ledger.DecodePayload(p.logger, ev.TemplateID, ev.Payload, &payload); err != nil {
		return nil, err
	}
	m, err := tx.GetMarket(payload.MarketID)
	if apperr.IsKind(err, apperr.NotFound) {
		p.logger.Warn("settlement for unknown market", "market_id", payload.MarketID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if m.Status == types.MarketResolved {
		return nil, nil
	}
	outcome := payload.Outcome
	if err := tx.UpdateMarketState(m.ID, types.MarketResolved, &outcome, m.Version+1); err != nil {
		return nil, err
	}

	marketID := m.ID
	return func() {
		if m, err := p.store.GetMarket(marketID); err == nil {
			p.hub.Broadcast(hub.OrderbookChannel(marketID), hub.Event{Type: "market_resolved", Data: m})
		}
	}, nil
}

func (p *Processor) setRunning(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Running = v
}

func (p *Processor) countError() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Errors++
}
