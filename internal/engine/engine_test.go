package engine

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pebble-core/internal/book"
	"pebble-core/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func order(user string, side types.Side, action types.Action, price, qty string, at time.Time) *types.Order {
	o := &types.Order{
		ID:        uuid.NewString(),
		MarketID:  "m1",
		UserID:    user,
		Side:      side,
		Action:    action,
		Type:      types.OrderTypeLimit,
		Quantity:  dec(qty),
		Status:    types.OrderPending,
		CreatedAt: at,
	}
	if price != "" {
		p := dec(price)
		o.Price = &p
	} else {
		o.Type = types.OrderTypeMarket
	}
	return o
}

// Same-side match: a resting yes bid fills against an incoming yes sell at
// the maker's price.
func TestSameSideMatch(t *testing.T) {
	t.Parallel()
	b := book.New("m1")
	t0 := time.Now()

	alice := order("alice", types.SideYes, types.ActionBuy, "0.60", "10", t0)
	res := Match(b, alice, t0)
	if len(res.Trades) != 0 || alice.Status != types.OrderOpen || !res.Rested {
		t.Fatalf("alice should rest open, got %s", alice.Status)
	}

	bob := order("bob", types.SideYes, types.ActionSell, "0.55", "6", t0.Add(time.Second))
	res = Match(b, bob, t0.Add(time.Second))

	if len(res.Trades) != 1 {
		t.Fatalf("trades: %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.Type != types.TradeShare || tr.Side != types.SideYes {
		t.Fatalf("trade %+v", tr)
	}
	if !tr.Price.Equal(dec("0.60")) || !tr.Quantity.Equal(dec("6")) {
		t.Fatalf("price=%s qty=%s", tr.Price, tr.Quantity)
	}
	if tr.BuyerID != "alice" || tr.SellerID != "bob" {
		t.Fatalf("buyer=%s seller=%s", tr.BuyerID, tr.SellerID)
	}
	if alice.Status != types.OrderPartial || !alice.FilledQuantity.Equal(dec("6")) {
		t.Fatalf("alice %s filled=%s", alice.Status, alice.FilledQuantity)
	}
	if bob.Status != types.OrderFilled {
		t.Fatalf("bob %s", bob.Status)
	}
}

// Cross-match: buy yes @0.70 against buy no @0.30 mints a pair; the trade
// reads in the YES frame at the YES-buyer's price.
func TestCrossMatchCreatesShares(t *testing.T) {
	t.Parallel()
	b := book.New("m1")
	t0 := time.Now()

	alice := order("alice", types.SideYes, types.ActionBuy, "0.70", "5", t0)
	Match(b, alice, t0)

	bob := order("bob", types.SideNo, types.ActionBuy, "0.30", "5", t0.Add(time.Second))
	res := Match(b, bob, t0.Add(time.Second))

	if len(res.Trades) != 1 {
		t.Fatalf("trades: %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.Type != types.TradeShareCreation || tr.Side != types.SideYes {
		t.Fatalf("trade %+v", tr)
	}
	if !tr.Price.Equal(dec("0.70")) || !tr.Quantity.Equal(dec("5")) {
		t.Fatalf("price=%s qty=%s", tr.Price, tr.Quantity)
	}
	if tr.BuyerID != "alice" || tr.SellerID != "bob" {
		t.Fatalf("buyer=%s seller=%s", tr.BuyerID, tr.SellerID)
	}
	if alice.Status != types.OrderFilled || bob.Status != types.OrderFilled {
		t.Fatalf("alice=%s bob=%s", alice.Status, bob.Status)
	}
	if b.Len() != 0 {
		t.Fatalf("book not empty: %d", b.Len())
	}
}

// Prices summing below 1 must not cross.
func TestCrossMatchRequiresPriceSum(t *testing.T) {
	t.Parallel()
	b := book.New("m1")
	t0 := time.Now()

	Match(b, order("alice", types.SideYes, types.ActionBuy, "0.60", "5", t0), t0)
	bob := order("bob", types.SideNo, types.ActionBuy, "0.30", "5", t0.Add(time.Second))
	res := Match(b, bob, t0.Add(time.Second))

	// 0.60 + 0.30 < 1: effective price 0.40 exceeds Bob's 0.30 limit.
	if len(res.Trades) != 0 {
		t.Fatalf("unexpected cross at sum < 1")
	}
	if bob.Status != types.OrderOpen || b.Len() != 2 {
		t.Fatalf("bob=%s len=%d", bob.Status, b.Len())
	}
}

// Self-match prevention: a user's own resting order is skipped.
func TestSelfMatchPrevented(t *testing.T) {
	t.Parallel()
	b := book.New("m1")
	t0 := time.Now()

	Match(b, order("alice", types.SideYes, types.ActionSell, "0.60", "10", t0), t0)
	buy := order("alice", types.SideYes, types.ActionBuy, "0.60", "5", t0.Add(time.Second))
	res := Match(b, buy, t0.Add(time.Second))

	if len(res.Trades) != 0 {
		t.Fatal("self-match emitted a trade")
	}
	if buy.Status != types.OrderOpen || !res.Rested {
		t.Fatalf("buy should rest, got %s", buy.Status)
	}

	// A third party still matches past the skipped order.
	bob := order("bob", types.SideYes, types.ActionBuy, "0.60", "4", t0.Add(2*time.Second))
	res = Match(b, bob, t0.Add(2*time.Second))
	if len(res.Trades) != 1 || res.Trades[0].SellerID != "alice" {
		t.Fatalf("trades=%d", len(res.Trades))
	}
	if res.Trades[0].BuyerID == res.Trades[0].SellerID {
		t.Fatal("buyer equals seller")
	}
}

// Partial fill with price improvement: remainder rests at the limit price.
func TestPartialFillRests(t *testing.T) {
	t.Parallel()
	b := book.New("m1")
	t0 := time.Now()

	Match(b, order("carol", types.SideYes, types.ActionSell, "0.50", "3", t0), t0)
	bob := order("bob", types.SideYes, types.ActionBuy, "0.55", "7", t0.Add(time.Second))
	res := Match(b, bob, t0.Add(time.Second))

	if len(res.Trades) != 1 {
		t.Fatalf("trades: %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if !tr.Price.Equal(dec("0.50")) || !tr.Quantity.Equal(dec("3")) {
		t.Fatalf("price=%s qty=%s", tr.Price, tr.Quantity)
	}
	if bob.Status != types.OrderPartial || !bob.Remaining().Equal(dec("4")) || !res.Rested {
		t.Fatalf("bob %s remaining=%s", bob.Status, bob.Remaining())
	}
	if got := b.Bids(types.SideYes); len(got) != 1 || got[0].ID != bob.ID {
		t.Fatalf("bob not resting")
	}
}

// Time priority at equal effective price: the earlier maker fills first.
func TestPriceTimePriorityAcrossSides(t *testing.T) {
	t.Parallel()
	b := book.New("m1")
	t0 := time.Now()

	// Same effective price 0.60 for a yes buyer: a yes ask at 0.60 and a
	// no bid at 0.40. The ask arrived first.
	first := order("maker1", types.SideYes, types.ActionSell, "0.60", "5", t0)
	Match(b, first, t0)
	second := order("maker2", types.SideNo, types.ActionBuy, "0.40", "5", t0.Add(time.Second))
	Match(b, second, t0.Add(time.Second))

	taker := order("taker", types.SideYes, types.ActionBuy, "0.60", "5", t0.Add(2*time.Second))
	res := Match(b, taker, t0.Add(2*time.Second))

	if len(res.Trades) != 1 {
		t.Fatalf("trades: %d", len(res.Trades))
	}
	if res.Trades[0].SellerID != "maker1" || res.Trades[0].Type != types.TradeShare {
		t.Fatalf("wrong maker won: %+v", res.Trades[0])
	}
}

// Cheaper cross liquidity beats pricier same-side liquidity.
func TestBestEffectivePriceWins(t *testing.T) {
	t.Parallel()
	b := book.New("m1")
	t0 := time.Now()

	Match(b, order("maker1", types.SideYes, types.ActionSell, "0.65", "5", t0), t0)
	// No bid at 0.40 means effective yes cost 0.60: better for the taker.
	Match(b, order("maker2", types.SideNo, types.ActionBuy, "0.40", "5", t0.Add(time.Second)), t0.Add(time.Second))

	taker := order("taker", types.SideYes, types.ActionBuy, "0.65", "5", t0.Add(2*time.Second))
	res := Match(b, taker, t0.Add(2*time.Second))

	if len(res.Trades) != 1 || res.Trades[0].Type != types.TradeShareCreation {
		t.Fatalf("expected cross fill, got %+v", res.Trades)
	}
	if !res.Trades[0].Price.Equal(dec("0.60")) {
		t.Fatalf("price=%s", res.Trades[0].Price)
	}
}

// Market orders sweep the book and never rest; empty book rejects.
func TestMarketOrder(t *testing.T) {
	t.Parallel()
	b := book.New("m1")
	t0 := time.Now()

	empty := order("bob", types.SideYes, types.ActionBuy, "", "5", t0)
	res := Match(b, empty, t0)
	if empty.Status != types.OrderRejected || len(res.Trades) != 0 {
		t.Fatalf("empty-book market order: %s", empty.Status)
	}

	Match(b, order("carol", types.SideYes, types.ActionSell, "0.50", "3", t0), t0)
	partial := order("bob", types.SideYes, types.ActionBuy, "", "5", t0.Add(time.Second))
	res = Match(b, partial, t0.Add(time.Second))
	if partial.Status != types.OrderPartial || res.Rested {
		t.Fatalf("market partial: %s rested=%v", partial.Status, res.Rested)
	}
	if len(res.Trades) != 1 || !res.Trades[0].Quantity.Equal(dec("3")) {
		t.Fatalf("trades %+v", res.Trades)
	}
	if b.Len() != 0 {
		t.Fatal("market order rested")
	}
}

// Sell-side cross: yes seller and no seller burn a pair.
func TestSellCrossBurnsPair(t *testing.T) {
	t.Parallel()
	b := book.New("m1")
	t0 := time.Now()

	// Carol asks no @ 0.35; effective for a yes seller is 0.65.
	Match(b, order("carol", types.SideNo, types.ActionSell, "0.35", "5", t0), t0)
	alice := order("alice", types.SideYes, types.ActionSell, "0.60", "5", t0.Add(time.Second))
	res := Match(b, alice, t0.Add(time.Second))

	if len(res.Trades) != 1 || res.Trades[0].Type != types.TradeShareCreation {
		t.Fatalf("trades %+v", res.Trades)
	}
	tr := res.Trades[0]
	// YES frame: the yes-seller receives the implied yes price 0.65.
	if !tr.Price.Equal(dec("0.65")) || tr.SellerID != "alice" || tr.BuyerID != "carol" {
		t.Fatalf("trade %+v", tr)
	}
}

// Quantity conservation: fills never exceed either participant's quantity.
func TestFillNeverExceedsQuantity(t *testing.T) {
	t.Parallel()
	b := book.New("m1")
	t0 := time.Now()

	makers := []*types.Order{
		order("m1", types.SideYes, types.ActionSell, "0.50", "2", t0),
		order("m2", types.SideYes, types.ActionSell, "0.52", "3", t0.Add(time.Millisecond)),
		order("m3", types.SideNo, types.ActionBuy, "0.47", "4", t0.Add(2*time.Millisecond)),
	}
	for _, m := range makers {
		Match(b, m, m.CreatedAt)
	}

	taker := order("taker", types.SideYes, types.ActionBuy, "0.55", "20", t0.Add(time.Second))
	res := Match(b, taker, t0.Add(time.Second))

	total := decimal.Zero
	for _, tr := range res.Trades {
		total = total.Add(tr.Quantity)
		if tr.BuyerID == tr.SellerID {
			t.Fatal("self trade")
		}
	}
	if !total.Equal(taker.FilledQuantity) {
		t.Fatalf("trade sum %s != filled %s", total, taker.FilledQuantity)
	}
	for _, o := range append(makers, taker) {
		if o.FilledQuantity.GreaterThan(o.Quantity) {
			t.Fatalf("order %s overfilled: %s > %s", o.ID, o.FilledQuantity, o.Quantity)
		}
	}
	// 2 + 3 + 4 = 9 available, taker wanted 20, rests with 11.
	if !taker.FilledQuantity.Equal(dec("9")) || taker.Status != types.OrderPartial {
		t.Fatalf("filled=%s status=%s", taker.FilledQuantity, taker.Status)
	}
}
