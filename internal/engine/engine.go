// Package engine implements binary cross-matching for two-outcome markets.
//
// Matching is purely computational: given an incoming order and a book, it
// produces trades and order mutations and never performs I/O. The caller
// owns the per-market critical section and persists the result.
package engine

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pebble-core/internal/book"
	"pebble-core/pkg/types"
)

// Result is the outcome of matching one incoming order.
type Result struct {
	Taker  *types.Order
	Trades []*types.Trade

	// FilledMakers left the book; PartialMakers were mutated and remain.
	FilledMakers  []*types.Order
	PartialMakers []*types.Order

	// Rested is true when the taker was placed on the book.
	Rested bool
}

// candidate is one maker viewed through its effective price: the per-share
// cost on the taker's own side. Same-side makers cost their book price;
// cross-side makers cost the complement.
type candidate struct {
	order     *types.Order
	effective decimal.Decimal
	cross     bool
}

// Match runs the incoming order against the book and applies the fills.
// The taker's status, the makers' fill state, and the book contents are all
// mutated; the caller persists them atomically.
func Match(b *book.Book, taker *types.Order, now time.Time) *Result {
	res := &Result{Taker: taker}

	candidates := collect(b, taker)
	for _, c := range candidates {
		if taker.Remaining().IsZero() {
			break
		}
		maker := c.order
		if maker.UserID == taker.UserID {
			continue // self-match prevention
		}
		if taker.Type == types.OrderTypeLimit && !crossable(taker, c.effective) {
			break // sorted by effective price, nothing further can match
		}

		qty := decimal.Min(taker.Remaining(), maker.Remaining())
		res.Trades = append(res.Trades, buildTrade(taker, maker, c, qty, now))

		taker.FilledQuantity = taker.FilledQuantity.Add(qty)
		maker.FilledQuantity = maker.FilledQuantity.Add(qty)
		maker.UpdatedAt = now
		if maker.Remaining().IsZero() {
			maker.Status = types.OrderFilled
			b.Remove(maker.ID)
			res.FilledMakers = append(res.FilledMakers, maker)
		} else {
			maker.Status = types.OrderPartial
			res.PartialMakers = append(res.PartialMakers, maker)
		}
	}

	finalize(b, taker, now, res)
	return res
}

// collect builds the merged candidate list for the taker: same-side
// liquidity plus cross-side liquidity at complement prices, sorted by
// effective price (cheapest first for buys, richest first for sells) with
// FIFO tie-break.
func collect(b *book.Book, taker *types.Order) []candidate {
	var same, cross []*types.Order
	if taker.Action == types.ActionBuy {
		same = b.Asks(taker.Side)
		cross = b.Bids(taker.Side.Opposite())
	} else {
		same = b.Bids(taker.Side)
		cross = b.Asks(taker.Side.Opposite())
	}

	out := make([]candidate, 0, len(same)+len(cross))
	for _, o := range same {
		out = append(out, candidate{order: o, effective: o.LimitPrice()})
	}
	for _, o := range cross {
		out = append(out, candidate{order: o, effective: types.One.Sub(o.LimitPrice()), cross: true})
	}

	buying := taker.Action == types.ActionBuy
	sort.SliceStable(out, func(i, j int) bool {
		a, c := out[i], out[j]
		if !a.effective.Equal(c.effective) {
			if buying {
				return a.effective.LessThan(c.effective)
			}
			return a.effective.GreaterThan(c.effective)
		}
		return a.order.CreatedAt.Before(c.order.CreatedAt)
	})
	return out
}

// crossable reports whether a limit taker accepts the effective price.
func crossable(taker *types.Order, effective decimal.Decimal) bool {
	if taker.Action == types.ActionBuy {
		return effective.LessThanOrEqual(taker.LimitPrice())
	}
	return effective.GreaterThanOrEqual(taker.LimitPrice())
}

// buildTrade emits one fill. Same-side fills trade at the maker's book
// price on the matched side. Cross fills are normalised to the YES frame:
// the party gaining YES exposure is recorded as buyer and the price is the
// implied YES price, which is the YES-side party's execution price.
func buildTrade(taker, maker *types.Order, c candidate, qty decimal.Decimal, now time.Time) *types.Trade {
	t := &types.Trade{
		ID:               uuid.NewString(),
		MarketID:         taker.MarketID,
		Quantity:         qty,
		SettlementStatus: types.SettlementPending,
		CreatedAt:        now,
	}

	if !c.cross {
		t.Type = types.TradeShare
		t.Side = taker.Side
		t.Price = maker.LimitPrice()
		if taker.Action == types.ActionBuy {
			t.BuyerID, t.BuyerOrderID = taker.UserID, taker.ID
			t.SellerID, t.SellerOrderID = maker.UserID, maker.ID
		} else {
			t.BuyerID, t.BuyerOrderID = maker.UserID, maker.ID
			t.SellerID, t.SellerOrderID = taker.UserID, taker.ID
		}
		return t
	}

	t.Type = types.TradeShareCreation
	t.Side = types.SideYes

	yesParty, noParty := taker, maker
	yesPrice := c.effective
	if taker.Side == types.SideNo {
		yesParty, noParty = maker, taker
		yesPrice = maker.LimitPrice()
	}
	t.Price = yesPrice

	if taker.Action == types.ActionBuy {
		// Both parties buy: a complementary pair is minted. The YES-buyer
		// pays price, the NO-buyer pays the complement.
		t.BuyerID, t.BuyerOrderID = yesParty.UserID, yesParty.ID
		t.SellerID, t.SellerOrderID = noParty.UserID, noParty.ID
	} else {
		// Both parties sell: a pair is burned. The YES-seller receives
		// price, the NO-seller the complement; roles swap so the price
		// still reads in the YES frame.
		t.BuyerID, t.BuyerOrderID = noParty.UserID, noParty.ID
		t.SellerID, t.SellerOrderID = yesParty.UserID, yesParty.ID
	}
	return t
}

func finalize(b *book.Book, taker *types.Order, now time.Time, res *Result) {
	taker.UpdatedAt = now
	switch {
	case taker.Remaining().IsZero():
		taker.Status = types.OrderFilled
	case taker.Type == types.OrderTypeMarket:
		if taker.FilledQuantity.IsZero() {
			taker.Status = types.OrderRejected
		} else {
			taker.Status = types.OrderPartial
		}
	case taker.FilledQuantity.IsZero():
		taker.Status = types.OrderOpen
		b.Add(taker)
		res.Rested = true
	default:
		taker.Status = types.OrderPartial
		b.Add(taker)
		res.Rested = true
	}
}
