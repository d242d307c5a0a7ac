package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
)

// Template identifiers, format #<packageName>:<Module.Path>:<Template>.
const (
	TplTradingAccount        = "#pebble:Pebble.Account:TradingAccount"
	TplTradingAccountRequest = "#pebble:Pebble.Account:TradingAccountRequest"
	TplAuthorization         = "#pebble:Pebble.Account:PebbleAuthorization"
	TplMarket                = "#pebble:Pebble.Market:Market"
	TplMarketSettlement      = "#pebble:Pebble.Market:MarketSettlement"
	TplPosition              = "#pebble:Pebble.Position:Position"
	TplPositionMerge         = "#pebble:Pebble.Position:PositionMerge"
	TplSettlementProposal    = "#pebble:Pebble.Settlement:SettlementProposal"
	TplSettlementAccepted    = "#pebble:Pebble.Settlement:SettlementProposalAccepted"
	TplSettlement            = "#pebble:Pebble.Settlement:Settlement"
)

// Choice names per template.
const (
	ChoiceLockFunds           = "LockFunds"
	ChoiceUnlockFunds         = "UnlockFunds"
	ChoiceDebitForSettlement  = "DebitForSettlement"
	ChoiceCreditForSettlement = "CreditForSettlement"
	ChoiceCreditFromDeposit   = "CreditFromDeposit"
	ChoiceWithdrawFunds       = "WithdrawFunds"
	ChoiceAcceptRequest       = "AcceptAccountRequest"
	ChoiceCloseMarket         = "CloseMarket"
	ChoiceResolveMarket       = "ResolveMarket"
	ChoicePositionLock        = "Lock"
	ChoicePositionUnlock      = "Unlock"
	ChoicePositionAdd         = "Add"
	ChoicePositionReduce      = "Reduce"
	ChoiceExecuteMerge        = "ExecuteMerge"
	ChoiceBuyerAccept         = "BuyerAccept"
	ChoiceSellerAccept        = "SellerAccept"
	ChoiceExecuteSettlement   = "ExecuteSettlement"
	ChoiceRedeemPosition      = "RedeemPosition"
)

// TradingAccountPayload mirrors the TradingAccount template arguments.
type TradingAccountPayload struct {
	Owner            string          `json:"owner"`
	Operator         string          `json:"operator"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	LockedBalance    decimal.Decimal `json:"lockedBalance"`
}

// PositionPayload mirrors the Position template arguments.
type PositionPayload struct {
	Owner          string          `json:"owner"`
	MarketID       string          `json:"marketId"`
	Side           string          `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	LockedQuantity decimal.Decimal `json:"lockedQuantity"`
	AvgCostBasis   decimal.Decimal `json:"avgCostBasis"`
}

// MarketPayload mirrors the Market template arguments.
type MarketPayload struct {
	MarketID       string `json:"marketId"`
	Question       string `json:"question"`
	Description    string `json:"description"`
	Status         string `json:"status"`
	Outcome        *bool  `json:"outcome,omitempty"`
	Version        int64  `json:"version"`
	ResolutionTime string `json:"resolutionTime"`
}

// MarketSettlementPayload mirrors the MarketSettlement template arguments.
type MarketSettlementPayload struct {
	MarketID string `json:"marketId"`
	Outcome  bool   `json:"outcome"`
	Oracle   string `json:"oracle"`
}

// SettlementProposalPayload is the per-counterparty-pair settlement proposal.
type SettlementProposalPayload struct {
	SettlementID string          `json:"settlementId"`
	Buyer        string          `json:"buyer"`
	Seller       string          `json:"seller"`
	MarketID     string          `json:"marketId"`
	TradeType    string          `json:"tradeType"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Operator     string          `json:"operator"`
}

// DecodePayload strictly decodes a template payload into dst. Unknown fields
// are tolerated but logged once per decode, never silently absorbed.
func DecodePayload(logger *slog.Logger, templateID string, raw json.RawMessage, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err == nil {
		return nil
	}
	// Retry tolerantly and warn; a schema drift on the ledger side should
	// degrade loudly, not break the stream.
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", templateID, err)
	}
	logger.Warn("payload carried unknown fields, dropped", "template", templateID)
	return nil
}
