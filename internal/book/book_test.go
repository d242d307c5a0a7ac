package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pebble-core/pkg/types"
)

func limitOrder(id string, side types.Side, action types.Action, price string, qty string, at time.Time) *types.Order {
	p := decimal.RequireFromString(price)
	return &types.Order{
		ID:        id,
		MarketID:  "m1",
		UserID:    "u-" + id,
		Side:      side,
		Action:    action,
		Type:      types.OrderTypeLimit,
		Price:     &p,
		Quantity:  decimal.RequireFromString(qty),
		Status:    types.OrderOpen,
		CreatedAt: at,
	}
}

func TestPriceTimePriority(t *testing.T) {
	t.Parallel()
	b := New("m1")
	t0 := time.Now()

	// Bids: highest price first, earlier arrival wins ties.
	b.Add(limitOrder("b1", types.SideYes, types.ActionBuy, "0.50", "10", t0))
	b.Add(limitOrder("b2", types.SideYes, types.ActionBuy, "0.60", "10", t0.Add(time.Second)))
	b.Add(limitOrder("b3", types.SideYes, types.ActionBuy, "0.60", "10", t0.Add(2*time.Second)))

	bids := b.Bids(types.SideYes)
	if got := ids(bids); got != "b2,b3,b1" {
		t.Fatalf("bid order %s", got)
	}

	// Asks: lowest price first.
	b.Add(limitOrder("a1", types.SideYes, types.ActionSell, "0.70", "10", t0))
	b.Add(limitOrder("a2", types.SideYes, types.ActionSell, "0.65", "10", t0.Add(time.Second)))

	asks := b.Asks(types.SideYes)
	if got := ids(asks); got != "a2,a1" {
		t.Fatalf("ask order %s", got)
	}
}

func ids(orders []*types.Order) string {
	out := ""
	for i, o := range orders {
		if i > 0 {
			out += ","
		}
		out += o.ID
	}
	return out
}

func TestRemove(t *testing.T) {
	t.Parallel()
	b := New("m1")
	b.Add(limitOrder("o1", types.SideNo, types.ActionBuy, "0.40", "5", time.Now()))

	o, ok := b.Remove("o1")
	if !ok || o.ID != "o1" {
		t.Fatalf("remove: ok=%v", ok)
	}
	if _, ok := b.Remove("o1"); ok {
		t.Fatal("second remove succeeded")
	}
	if b.Len() != 0 {
		t.Fatalf("len=%d", b.Len())
	}
}

func TestAddIsIdempotentByID(t *testing.T) {
	t.Parallel()
	b := New("m1")
	o := limitOrder("o1", types.SideYes, types.ActionBuy, "0.50", "5", time.Now())
	b.Add(o)
	b.Add(o)
	if b.Len() != 1 || len(b.Bids(types.SideYes)) != 1 {
		t.Fatalf("duplicate add changed book: len=%d", b.Len())
	}
}

func TestSnapshotAggregatesLevels(t *testing.T) {
	t.Parallel()
	b := New("m1")
	t0 := time.Now()

	b.Add(limitOrder("b1", types.SideYes, types.ActionBuy, "0.60", "10", t0))
	b.Add(limitOrder("b2", types.SideYes, types.ActionBuy, "0.60", "15", t0.Add(time.Second)))
	b.Add(limitOrder("b3", types.SideYes, types.ActionBuy, "0.55", "20", t0))
	b.Add(limitOrder("a1", types.SideNo, types.ActionSell, "0.45", "8", t0))

	snap := b.Snapshot(0)
	if len(snap.YesBids) != 2 {
		t.Fatalf("yes bid levels: %d", len(snap.YesBids))
	}
	top := snap.YesBids[0]
	if !top.Price.Equal(decimal.RequireFromString("0.60")) ||
		!top.Quantity.Equal(decimal.RequireFromString("25")) || top.OrderCount != 2 {
		t.Fatalf("top level %+v", top)
	}
	if len(snap.NoAsks) != 1 || len(snap.NoBids) != 0 {
		t.Fatalf("no side: asks=%d bids=%d", len(snap.NoAsks), len(snap.NoBids))
	}

	// Partially filled orders report remaining quantity.
	o, _ := b.Get("b3")
	o.FilledQuantity = decimal.RequireFromString("5")
	snap = b.Snapshot(0)
	if !snap.YesBids[1].Quantity.Equal(decimal.RequireFromString("15")) {
		t.Fatalf("remaining not reflected: %s", snap.YesBids[1].Quantity)
	}

	// Depth cap.
	snap = b.Snapshot(1)
	if len(snap.YesBids) != 1 {
		t.Fatalf("depth cap: %d", len(snap.YesBids))
	}
}

func TestRegistryGetCreatesOnce(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	b1 := r.Get("m1")
	b2 := r.Get("m1")
	if b1 != b2 {
		t.Fatal("registry returned different books for one market")
	}
	r.Drop("m1")
	if r.Get("m1") == b1 {
		t.Fatal("dropped book survived")
	}
}
