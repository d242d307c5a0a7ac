// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading core — markets,
// orders, trades, positions, accounts, and settlement batches. It has no
// dependencies on internal packages, so it can be imported by any layer.
// All monetary values are decimal.Decimal; binary floats are never used
// for money.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side identifies which outcome of a binary market an order trades.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Opposite returns the other outcome.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Action is the direction of an order: buy or sell.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool { return a == ActionBuy || a == ActionSell }

// OrderType enumerates the supported order lifecycles.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"  // rests on the book at its limit price
	OrderTypeMarket OrderType = "market" // fills against available liquidity, never rests
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool { return t == OrderTypeLimit || t == OrderTypeMarket }

// OrderStatus tracks an order through its lifecycle.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderOpen      OrderStatus = "open"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
)

// Resting reports whether an order with this status belongs on the book.
func (s OrderStatus) Resting() bool { return s == OrderOpen || s == OrderPartial }

// TradeType distinguishes standard fills from cross-matches.
type TradeType string

const (
	// TradeShare is a standard same-side fill: shares change hands.
	TradeShare TradeType = "share_trade"
	// TradeShareCreation is a cross-match: a YES buy and a NO buy whose
	// prices sum to at least 1 mint a complementary pair of positions.
	TradeShareCreation TradeType = "share_creation"
)

// SettlementStatus tracks a trade through on-ledger settlement.
type SettlementStatus string

const (
	SettlementPending  SettlementStatus = "pending"
	SettlementSettling SettlementStatus = "settling"
	SettlementSettled  SettlementStatus = "settled"
	SettlementFailed   SettlementStatus = "failed"
)

// InFlight reports whether the trade may already have been submitted to the
// ledger. Orders touching such trades are excluded from book rehydration.
func (s SettlementStatus) InFlight() bool {
	return s == SettlementPending || s == SettlementSettling
}

// MarketStatus is the market lifecycle state.
type MarketStatus string

const (
	MarketOpen     MarketStatus = "open"
	MarketClosed   MarketStatus = "closed"
	MarketResolved MarketStatus = "resolved"
)

// BatchStatus is the settlement batch state machine. Any state may
// transition to failed; the happy path is
// pending → proposing → accepting → executing → completed.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchProposing BatchStatus = "proposing"
	BatchAccepting BatchStatus = "accepting"
	BatchExecuting BatchStatus = "executing"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// ————————————————————————————————————————————————————————————————————————
// Price and quantity bounds
// ————————————————————————————————————————————————————————————————————————

var (
	// MinPrice and MaxPrice bound limit prices for binary shares.
	MinPrice = decimal.RequireFromString("0.01")
	MaxPrice = decimal.RequireFromString("0.99")
	// One is the redemption value of a winning share.
	One = decimal.NewFromInt(1)
	// MaxOrderQuantity caps a single order's size.
	MaxOrderQuantity = decimal.NewFromInt(1_000_000)
)

// PriceInRange reports whether p is a valid limit price.
func PriceInRange(p decimal.Decimal) bool {
	return p.GreaterThanOrEqual(MinPrice) && p.LessThanOrEqual(MaxPrice)
}

// ————————————————————————————————————————————————————————————————————————
// Markets
// ————————————————————————————————————————————————————————————————————————

// Market is a binary prediction market. YesPrice + NoPrice = 1 at all times.
// Version increases monotonically with each on-ledger state transition;
// projection updates are last-write-wins keyed by the highest version.
type Market struct {
	ID             string          `json:"id"`
	Question       string          `json:"question"`
	Description    string          `json:"description"`
	Status         MarketStatus    `json:"status"`
	Outcome        *bool           `json:"outcome,omitempty"` // nil until resolved
	YesPrice       decimal.Decimal `json:"yesPrice"`
	NoPrice        decimal.Decimal `json:"noPrice"`
	Volume24h      decimal.Decimal `json:"volume24h"`
	TotalVolume    decimal.Decimal `json:"totalVolume"`
	OpenInterest   decimal.Decimal `json:"openInterest"`
	ContractID     string          `json:"contractId,omitempty"`
	Version        int64           `json:"version"`
	ResolutionTime time.Time       `json:"resolutionTime"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Accounts
// ————————————————————————————————————————————————————————————————————————

// Account is the off-chain projection of a user's TradingAccount contract.
// The ledger is authoritative; the reconciliation loop converges drift.
type Account struct {
	UserID                  string          `json:"userId"`
	PartyID                 string          `json:"partyId"`
	AccountContractID       string          `json:"accountContractId,omitempty"`
	AuthorizationContractID string          `json:"authorizationContractId,omitempty"`
	AvailableBalance        decimal.Decimal `json:"availableBalance"`
	LockedBalance           decimal.Decimal `json:"lockedBalance"`
	LastUpdated             time.Time       `json:"lastUpdated"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// Order is a request to buy or sell outcome shares. Price is nil for pure
// market orders. LockedAmount is the collateral (buy) reserved when the
// order was accepted; sell orders lock shares on the position instead.
type Order struct {
	ID             string           `json:"id"`
	MarketID       string           `json:"marketId"`
	UserID         string           `json:"userId"`
	Side           Side             `json:"side"`
	Action         Action           `json:"action"`
	Type           OrderType        `json:"type"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	Quantity       decimal.Decimal  `json:"quantity"`
	FilledQuantity decimal.Decimal  `json:"filledQuantity"`
	Status         OrderStatus      `json:"status"`
	LockedAmount   decimal.Decimal  `json:"lockedAmount"`
	IdempotencyKey string           `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// LimitPrice returns the order's price, or zero for pure market orders.
func (o *Order) LimitPrice() decimal.Decimal {
	if o.Price == nil {
		return decimal.Zero
	}
	return *o.Price
}

// PlaceOrderRequest is the transport-facing order placement payload.
type PlaceOrderRequest struct {
	MarketID string           `json:"marketId"`
	Side     Side             `json:"side"`
	Action   Action           `json:"action"`
	Type     OrderType        `json:"type"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Quantity decimal.Decimal  `json:"quantity"`
}

// PlaceResult is returned by OrderService.PlaceOrder and cached verbatim
// under the request's idempotency key.
type PlaceResult struct {
	OrderID           string          `json:"orderId"`
	Status            OrderStatus     `json:"status"`
	FilledQuantity    decimal.Decimal `json:"filledQuantity"`
	RemainingQuantity decimal.Decimal `json:"remainingQuantity"`
	Trades            []Trade         `json:"trades"`
	LockedAmount      decimal.Decimal `json:"lockedAmount"`
	IdempotencyKey    string          `json:"idempotencyKey,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// Trade is one match between two orders. For share_trade, Side is the
// outcome whose shares change hands and Price is the match price on that
// side's book. For share_creation the trade is normalised to YES: the
// YES-buyer is recorded as buyer, the NO-buyer as seller, and Price is the
// implied YES price (1 minus the NO-buyer's price); the "seller" pays the
// complement and receives NO shares.
type Trade struct {
	ID               string           `json:"id"`
	MarketID         string           `json:"marketId"`
	BuyerID          string           `json:"buyerId"`
	SellerID         string           `json:"sellerId"`
	Side             Side             `json:"side"`
	Price            decimal.Decimal  `json:"price"`
	Quantity         decimal.Decimal  `json:"quantity"`
	BuyerOrderID     string           `json:"buyerOrderId"`
	SellerOrderID    string           `json:"sellerOrderId"`
	Type             TradeType        `json:"type"`
	SettlementStatus SettlementStatus `json:"settlementStatus"`
	SettlementID     string           `json:"settlementId,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	SettledAt        *time.Time       `json:"settledAt,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Position is a user's holding of one outcome in one market. At most one
// active (non-archived) row exists per (user, market, side); ledger
// positions evolve archive+create, so the projection keys on that triple
// rather than on contract id.
type Position struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	MarketID       string          `json:"marketId"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	LockedQuantity decimal.Decimal `json:"lockedQuantity"`
	AvgCostBasis   decimal.Decimal `json:"avgCostBasis"`
	ContractID     string          `json:"contractId,omitempty"`
	IsArchived     bool            `json:"isArchived"`
	LastUpdated    time.Time       `json:"lastUpdated"`
}

// Free returns the quantity not locked under a resting sell order.
func (p *Position) Free() decimal.Decimal {
	return p.Quantity.Sub(p.LockedQuantity)
}

// ————————————————————————————————————————————————————————————————————————
// Settlement
// ————————————————————————————————————————————————————————————————————————

// SettlementBatch groups pending trades for one three-phase settlement
// round against the ledger. A trade belongs to at most one non-failed batch.
type SettlementBatch struct {
	ID          string      `json:"id"`
	Status      BatchStatus `json:"status"`
	TradeIDs    []string    `json:"tradeIds"`
	RetryCount  int         `json:"retryCount"`
	LastError   string      `json:"lastError,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
	ProcessedAt *time.Time  `json:"processedAt,omitempty"`
}

// CompensationFailure records a trade whose settlement terminally failed
// after funds were locked. Operators resolve these manually.
type CompensationFailure struct {
	ID        int64           `json:"id"`
	BatchID   string          `json:"batchId"`
	TradeID   string          `json:"tradeId"`
	UserID    string          `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"createdAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Reconciliation
// ————————————————————————————————————————————————————————————————————————

// ReconciliationRecord is one audit row from the balance reconciliation
// loop. Reconciled is true when drift exceeded tolerance and the projection
// was overwritten with on-chain values.
type ReconciliationRecord struct {
	ID                int64           `json:"id"`
	UserID            string          `json:"userId"`
	PreviousAvailable decimal.Decimal `json:"previousAvailable"`
	PreviousLocked    decimal.Decimal `json:"previousLocked"`
	OnchainAvailable  decimal.Decimal `json:"onchainAvailable"`
	OnchainLocked     decimal.Decimal `json:"onchainLocked"`
	Drift             decimal.Decimal `json:"drift"`
	RelativeDrift     decimal.Decimal `json:"relativeDrift"`
	Reconciled        bool            `json:"reconciled"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Order book snapshots
// ————————————————————————————————————————————————————————————————————————

// BookLevel is one aggregated price level: total remaining quantity and
// order count across all resting orders at that price.
type BookLevel struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	OrderCount int             `json:"orderCount"`
}

// BookSnapshot is a point-in-time aggregated view of a market's book.
type BookSnapshot struct {
	MarketID  string      `json:"marketId"`
	YesBids   []BookLevel `json:"yesBids"`
	YesAsks   []BookLevel `json:"yesAsks"`
	NoBids    []BookLevel `json:"noBids"`
	NoAsks    []BookLevel `json:"noAsks"`
	Timestamp time.Time   `json:"timestamp"`
}
