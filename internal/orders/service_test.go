package orders

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pebble-core/internal/book"
	"pebble-core/internal/hub"
	"pebble-core/internal/ledger/ledgertest"
	"pebble-core/internal/store"
	"pebble-core/pkg/apperr"
	"pebble-core/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	svc    *Service
	store  *store.Store
	ledger *ledgertest.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), true, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	fake := ledgertest.New()
	svc := NewService(st, book.NewRegistry(), fake, hub.New(slog.Default()), "operator::test", slog.Default())
	return &fixture{svc: svc, store: st, ledger: fake}
}

func (f *fixture) seedMarket(t *testing.T, id string, status types.MarketStatus) {
	t.Helper()
	err := f.store.InsertMarket(&types.Market{
		ID: id, Question: "q", Status: status,
		YesPrice: dec("0.5"), NoPrice: dec("0.5"),
		ResolutionTime: time.Now().Add(24 * time.Hour), CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) seedAccount(t *testing.T, userID, available string) {
	t.Helper()
	err := f.store.UpsertAccount(&types.Account{
		UserID: userID, PartyID: userID + "::party",
		AvailableBalance: dec(available), LastUpdated: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func limitReq(marketID string, side types.Side, action types.Action, price, qty string) types.PlaceOrderRequest {
	p := dec(price)
	return types.PlaceOrderRequest{
		MarketID: marketID, Side: side, Action: action,
		Type: types.OrderTypeLimit, Price: &p, Quantity: dec(qty),
	}
}

func TestPlaceOrderLocksFundsAndRests(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedMarket(t, "m1", types.MarketOpen)
	f.seedAccount(t, "alice", "100")

	res, err := f.svc.PlaceOrder(context.Background(), "alice", limitReq("m1", types.SideYes, types.ActionBuy, "0.60", "10"), "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != types.OrderOpen || !res.LockedAmount.Equal(dec("6")) {
		t.Fatalf("status=%s locked=%s", res.Status, res.LockedAmount)
	}

	a, _ := f.store.GetAccount("alice")
	if !a.AvailableBalance.Equal(dec("94")) || !a.LockedBalance.Equal(dec("6")) {
		t.Fatalf("available=%s locked=%s", a.AvailableBalance, a.LockedBalance)
	}

	// Durable row and book entry both exist.
	if _, err := f.store.GetOrder(res.OrderID); err != nil {
		t.Fatal(err)
	}
	if f.svc.Snapshot("m1").YesBids == nil {
		t.Fatal("order not on book")
	}
}

func TestPlaceOrderInsufficientFunds(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedMarket(t, "m1", types.MarketOpen)
	f.seedAccount(t, "alice", "1")

	_, err := f.svc.PlaceOrder(context.Background(), "alice", limitReq("m1", types.SideYes, types.ActionBuy, "0.60", "10"), "")
	if !apperr.IsKind(err, apperr.InsufficientFunds) {
		t.Fatalf("got %v", err)
	}
	a, _ := f.store.GetAccount("alice")
	if !a.AvailableBalance.Equal(dec("1")) || !a.LockedBalance.IsZero() {
		t.Fatalf("balances changed: %+v", a)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedMarket(t, "m1", types.MarketOpen)
	f.seedMarket(t, "m-closed", types.MarketClosed)
	f.seedAccount(t, "alice", "1000000000")

	cases := []struct {
		name string
		req  types.PlaceOrderRequest
		code string
	}{
		{"price below floor", limitReq("m1", types.SideYes, types.ActionBuy, "0.009", "10"), apperr.CodeInvalidPrice},
		{"price above cap", limitReq("m1", types.SideYes, types.ActionBuy, "0.991", "10"), apperr.CodeInvalidPrice},
		{"zero quantity", limitReq("m1", types.SideYes, types.ActionBuy, "0.50", "0"), apperr.CodeInvalidQuantity},
		{"oversized quantity", limitReq("m1", types.SideYes, types.ActionBuy, "0.50", "1000001"), apperr.CodeQuantityTooLarge},
		{"closed market", limitReq("m-closed", types.SideYes, types.ActionBuy, "0.50", "10"), apperr.CodeMarketNotOpen},
		{"unknown market", limitReq("nope", types.SideYes, types.ActionBuy, "0.50", "10"), apperr.CodeMarketNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.PlaceOrder(context.Background(), "alice", tc.req, "")
			if apperr.CodeOf(err) != tc.code {
				t.Fatalf("got %v, want code %s", err, tc.code)
			}
		})
	}

	// Boundary prices are accepted.
	for _, price := range []string{"0.01", "0.99"} {
		if _, err := f.svc.PlaceOrder(context.Background(), "alice",
			limitReq("m1", types.SideYes, types.ActionBuy, price, "1"), ""); err != nil {
			t.Fatalf("boundary price %s rejected: %v", price, err)
		}
	}
}

func TestPlaceOrderIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedMarket(t, "m1", types.MarketOpen)
	f.seedAccount(t, "alice", "100")

	req := limitReq("m1", types.SideYes, types.ActionBuy, "0.60", "10")
	first, err := f.svc.PlaceOrder(context.Background(), "alice", req, "k1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.PlaceOrder(context.Background(), "alice", req, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if second.OrderID != first.OrderID || second.Status != first.Status {
		t.Fatalf("replay diverged: %+v vs %+v", first, second)
	}

	// Exactly one order row and one fund lock.
	orders, _ := f.store.ListOrders("alice", store.OrderFilter{})
	if len(orders) != 1 {
		t.Fatalf("orders: %d", len(orders))
	}
	a, _ := f.store.GetAccount("alice")
	if !a.LockedBalance.Equal(dec("6")) {
		t.Fatalf("locked=%s", a.LockedBalance)
	}
}

func TestIdempotencyKeyReleasedOnFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedMarket(t, "m1", types.MarketOpen)
	f.seedAccount(t, "alice", "1")

	req := limitReq("m1", types.SideYes, types.ActionBuy, "0.60", "10")
	if _, err := f.svc.PlaceOrder(context.Background(), "alice", req, "k1"); err == nil {
		t.Fatal("expected insufficient funds")
	}

	// After topping up, the same key works.
	f.seedAccount(t, "alice", "100")
	if _, err := f.svc.PlaceOrder(context.Background(), "alice", req, "k1"); err != nil {
		t.Fatalf("retry with same key: %v", err)
	}
}

func TestMatchMovesFundsAndRecordsTrade(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedMarket(t, "m1", types.MarketOpen)
	f.seedAccount(t, "alice", "100")
	f.seedAccount(t, "bob", "100")

	// Alice rests buy yes @0.70 qty 5; Bob crosses with buy no @0.30.
	if _, err := f.svc.PlaceOrder(context.Background(), "alice", limitReq("m1", types.SideYes, types.ActionBuy, "0.70", "5"), ""); err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.PlaceOrder(context.Background(), "bob", limitReq("m1", types.SideNo, types.ActionBuy, "0.30", "5"), "")
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Trades) != 1 || res.Trades[0].Type != types.TradeShareCreation {
		t.Fatalf("trades %+v", res.Trades)
	}
	tr := res.Trades[0]
	if tr.BuyerID != "alice" || tr.SellerID != "bob" || !tr.Price.Equal(dec("0.70")) {
		t.Fatalf("trade %+v", tr)
	}
	if tr.SettlementStatus != types.SettlementPending {
		t.Fatalf("settlement status %s", tr.SettlementStatus)
	}

	// Both sides keep their executed value locked pending settlement.
	alice, _ := f.store.GetAccount("alice")
	bob, _ := f.store.GetAccount("bob")
	if !alice.LockedBalance.Equal(dec("3.5")) || !bob.LockedBalance.Equal(dec("1.5")) {
		t.Fatalf("alice locked=%s bob locked=%s", alice.LockedBalance, bob.LockedBalance)
	}

	// Market stats updated: last yes price and open interest.
	m, _ := f.store.GetMarket("m1")
	if !m.YesPrice.Equal(dec("0.70")) || !m.OpenInterest.Equal(dec("5")) {
		t.Fatalf("yes=%s oi=%s", m.YesPrice, m.OpenInterest)
	}
}

func TestNoSideTradeUpdatesYesFrame(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedMarket(t, "m1", types.MarketOpen)
	f.seedAccount(t, "alice", "100")
	f.seedAccount(t, "bob", "100")

	// Same-side NO match: alice bids no @0.40, bob sells his no shares into
	// it. The trade carries the NO price; the stored prices must read in the
	// YES frame.
	if _, err := f.svc.PlaceOrder(context.Background(), "alice", limitReq("m1", types.SideNo, types.ActionBuy, "0.40", "5"), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.AddToPosition("bob", "m1", types.SideNo, dec("5"), dec("0.5"), time.Now()); err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.PlaceOrder(context.Background(), "bob", limitReq("m1", types.SideNo, types.ActionSell, "0.40", "5"), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 1 || res.Trades[0].Type != types.TradeShare || res.Trades[0].Side != types.SideNo {
		t.Fatalf("trades %+v", res.Trades)
	}

	m, _ := f.store.GetMarket("m1")
	if !m.YesPrice.Equal(dec("0.60")) || !m.NoPrice.Equal(dec("0.40")) {
		t.Fatalf("yes=%s no=%s", m.YesPrice, m.NoPrice)
	}
	// Same-side trades never change open interest.
	if !m.OpenInterest.IsZero() {
		t.Fatalf("oi=%s", m.OpenInterest)
	}
}

func TestSellCrossKeepsOpenInterestUntilSettlement(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	err := f.store.InsertMarket(&types.Market{
		ID: "m1", Question: "q", Status: types.MarketOpen,
		YesPrice: dec("0.5"), NoPrice: dec("0.5"), OpenInterest: dec("10"),
		ResolutionTime: time.Now().Add(24 * time.Hour), CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	f.seedAccount(t, "alice", "100")
	f.seedAccount(t, "bob", "100")
	if _, err := f.store.AddToPosition("alice", "m1", types.SideYes, dec("10"), dec("0.5"), time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.AddToPosition("bob", "m1", types.SideNo, dec("10"), dec("0.5"), time.Now()); err != nil {
		t.Fatal(err)
	}

	// Both sides sell: the pair leaves circulation at settlement, not here.
	if _, err := f.svc.PlaceOrder(context.Background(), "alice", limitReq("m1", types.SideYes, types.ActionSell, "0.60", "10"), ""); err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.PlaceOrder(context.Background(), "bob", limitReq("m1", types.SideNo, types.ActionSell, "0.40", "10"), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 1 || res.Trades[0].Type != types.TradeShareCreation {
		t.Fatalf("trades %+v", res.Trades)
	}

	m, _ := f.store.GetMarket("m1")
	if !m.OpenInterest.Equal(dec("10")) {
		t.Fatalf("oi=%s", m.OpenInterest)
	}
	if !m.YesPrice.Equal(dec("0.60")) {
		t.Fatalf("yes=%s", m.YesPrice)
	}
}

func TestPriceImprovementReleasesLockSlice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedMarket(t, "m1", types.MarketOpen)
	f.seedAccount(t, "alice", "100")
	f.seedAccount(t, "bob", "100")

	// Alice holds 3 yes shares to sell at 0.50.
	if _, err := f.store.AddToPosition("alice", "m1", types.SideYes, dec("3"), dec("0.4"), time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.PlaceOrder(context.Background(), "alice", limitReq("m1", types.SideYes, types.ActionSell, "0.50", "3"), ""); err != nil {
		t.Fatal(err)
	}

	// Bob bids 0.55 for 7: fills 3 @ 0.50, rests 4 @ 0.55.
	res, err := f.svc.PlaceOrder(context.Background(), "bob", limitReq("m1", types.SideYes, types.ActionBuy, "0.55", "7"), "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != types.OrderPartial || !res.FilledQuantity.Equal(dec("3")) {
		t.Fatalf("status=%s filled=%s", res.Status, res.FilledQuantity)
	}

	// Bob locked 0.55×7 = 3.85; paid 0.50×3 = 1.50; 4 shares still rest at
	// 0.55 (2.20). Improvement 0.05×3 = 0.15 returned.
	bob, _ := f.store.GetAccount("bob")
	if !bob.LockedBalance.Equal(dec("3.7")) || !bob.AvailableBalance.Equal(dec("96.3")) {
		t.Fatalf("locked=%s available=%s", bob.LockedBalance, bob.AvailableBalance)
	}
}

func TestSellRequiresFreePosition(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedMarket(t, "m1", types.MarketOpen)
	f.seedAccount(t, "alice", "100")

	_, err := f.svc.PlaceOrder(context.Background(), "alice", limitReq("m1", types.SideYes, types.ActionSell, "0.60", "5"), "")
	if !apperr.IsKind(err, apperr.InsufficientPosition) {
		t.Fatalf("got %v", err)
	}
}

func TestCancelUnlocksRemainder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedMarket(t, "m1", types.MarketOpen)
	f.seedAccount(t, "alice", "100")

	res, err := f.svc.PlaceOrder(context.Background(), "alice", limitReq("m1", types.SideYes, types.ActionBuy, "0.60", "10"), "")
	if err != nil {
		t.Fatal(err)
	}

	cancelled, err := f.svc.CancelOrder(context.Background(), "alice", res.OrderID)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != types.OrderCancelled {
		t.Fatalf("status %s", cancelled.Status)
	}
	a, _ := f.store.GetAccount("alice")
	if !a.AvailableBalance.Equal(dec("100")) || !a.LockedBalance.IsZero() {
		t.Fatalf("available=%s locked=%s", a.AvailableBalance, a.LockedBalance)
	}

	// Cancelled orders cannot be cancelled again.
	if _, err := f.svc.CancelOrder(context.Background(), "alice", res.OrderID); apperr.CodeOf(err) != apperr.CodeOrderNotCancellable {
		t.Fatalf("got %v", err)
	}
	// Other users see not-found, not forbidden.
	res2, _ := f.svc.PlaceOrder(context.Background(), "alice", limitReq("m1", types.SideYes, types.ActionBuy, "0.60", "1"), "")
	if _, err := f.svc.CancelOrder(context.Background(), "mallory", res2.OrderID); !apperr.IsKind(err, apperr.NotFound) {
		t.Fatalf("got %v", err)
	}
}

func TestRehydrationExcludesInFlightOrders(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.seedMarket(t, "m1", types.MarketOpen)
	f.seedAccount(t, "alice", "100")
	f.seedAccount(t, "bob", "100")

	// Two resting orders; o1 participates in a pending trade.
	priceA, priceB := dec("0.60"), dec("0.40")
	for _, o := range []*types.Order{
		{ID: "o1", MarketID: "m1", UserID: "alice", Side: types.SideYes, Action: types.ActionBuy,
			Type: types.OrderTypeLimit, Price: &priceA, Quantity: dec("10"), FilledQuantity: dec("5"),
			Status: types.OrderPartial, CreatedAt: time.Now(), UpdatedAt: time.Now()},
		{ID: "o2", MarketID: "m1", UserID: "bob", Side: types.SideNo, Action: types.ActionBuy,
			Type: types.OrderTypeLimit, Price: &priceB, Quantity: dec("10"),
			Status: types.OrderOpen, CreatedAt: time.Now(), UpdatedAt: time.Now()},
	} {
		if err := f.store.InsertOrder(o); err != nil {
			t.Fatal(err)
		}
	}
	err := f.store.InsertTrade(&types.Trade{
		ID: "t1", MarketID: "m1", BuyerID: "alice", SellerID: "carol",
		Side: types.SideYes, Price: dec("0.6"), Quantity: dec("5"),
		BuyerOrderID: "o1", SellerOrderID: "o9", Type: types.TradeShare,
		SettlementStatus: types.SettlementSettling, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.svc.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	snap := f.svc.Snapshot("m1")
	if len(snap.YesBids) != 0 {
		t.Fatal("in-flight order rehydrated")
	}
	if len(snap.NoBids) != 1 {
		t.Fatal("clean order not rehydrated")
	}
}
