// Package book maintains in-memory per-market order books.
//
// A Book holds four price-time sorted queues: bids and asks for each of the
// two outcomes. The book stores live *types.Order values shared with the
// matching path; quantity mutations happen under the owning service's market
// lock, so the book itself only guards its own structure.
package book

import (
	"sort"
	"sync"
	"time"

	"pebble-core/pkg/types"
)

// Book is one market's resting orders.
type Book struct {
	mu       sync.RWMutex
	marketID string

	// Keyed by side. Bids sort best (highest) price first, asks best
	// (lowest) price first; ties break by arrival time.
	bids map[types.Side][]*types.Order
	asks map[types.Side][]*types.Order

	byID map[string]*types.Order
}

// New creates an empty book for a market.
func New(marketID string) *Book {
	return &Book{
		marketID: marketID,
		bids: map[types.Side][]*types.Order{
			types.SideYes: nil, types.SideNo: nil,
		},
		asks: map[types.Side][]*types.Order{
			types.SideYes: nil, types.SideNo: nil,
		},
		byID: make(map[string]*types.Order),
	}
}

// MarketID returns the market this book serves.
func (b *Book) MarketID() string { return b.marketID }

// Add rests an order on the book. Market orders never rest; the caller only
// adds limit orders with remaining quantity.
func (b *Book) Add(o *types.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.byID[o.ID]; ok {
		return
	}
	b.byID[o.ID] = o

	if o.Action == types.ActionBuy {
		b.bids[o.Side] = insertSorted(b.bids[o.Side], o, func(a, c *types.Order) bool {
			if !a.LimitPrice().Equal(c.LimitPrice()) {
				return a.LimitPrice().GreaterThan(c.LimitPrice())
			}
			return a.CreatedAt.Before(c.CreatedAt)
		})
	} else {
		b.asks[o.Side] = insertSorted(b.asks[o.Side], o, func(a, c *types.Order) bool {
			if !a.LimitPrice().Equal(c.LimitPrice()) {
				return a.LimitPrice().LessThan(c.LimitPrice())
			}
			return a.CreatedAt.Before(c.CreatedAt)
		})
	}
}

func insertSorted(queue []*types.Order, o *types.Order, before func(a, c *types.Order) bool) []*types.Order {
	i := sort.Search(len(queue), func(i int) bool { return before(o, queue[i]) })
	queue = append(queue, nil)
	copy(queue[i+1:], queue[i:])
	queue[i] = o
	return queue
}

// Remove takes an order off the book by id.
func (b *Book) Remove(orderID string) (*types.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.byID[orderID]
	if !ok {
		return nil, false
	}
	delete(b.byID, orderID)

	if o.Action == types.ActionBuy {
		b.bids[o.Side] = removeByID(b.bids[o.Side], orderID)
	} else {
		b.asks[o.Side] = removeByID(b.asks[o.Side], orderID)
	}
	return o, true
}

func removeByID(queue []*types.Order, orderID string) []*types.Order {
	for i, o := range queue {
		if o.ID == orderID {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

// Get returns a resting order by id.
func (b *Book) Get(orderID string) (*types.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.byID[orderID]
	return o, ok
}

// Bids returns the bid queue for a side in priority order. The returned
// slice is a copy; the orders are live.
func (b *Book) Bids(side types.Side) []*types.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*types.Order(nil), b.bids[side]...)
}

// Asks returns the ask queue for a side in priority order.
func (b *Book) Asks(side types.Side) []*types.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*types.Order(nil), b.asks[side]...)
}

// Len returns the number of resting orders.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

// Snapshot aggregates the book into price levels, best first, up to depth
// levels per queue (0 means unlimited).
func (b *Book) Snapshot(depth int) *types.BookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return &types.BookSnapshot{
		MarketID:  b.marketID,
		YesBids:   aggregate(b.bids[types.SideYes], depth),
		YesAsks:   aggregate(b.asks[types.SideYes], depth),
		NoBids:    aggregate(b.bids[types.SideNo], depth),
		NoAsks:    aggregate(b.asks[types.SideNo], depth),
		Timestamp: time.Now().UTC(),
	}
}

func aggregate(queue []*types.Order, depth int) []types.BookLevel {
	var levels []types.BookLevel
	for _, o := range queue {
		remaining := o.Remaining()
		if remaining.IsZero() {
			continue
		}
		if n := len(levels); n > 0 && levels[n-1].Price.Equal(o.LimitPrice()) {
			levels[n-1].Quantity = levels[n-1].Quantity.Add(remaining)
			levels[n-1].OrderCount++
			continue
		}
		if depth > 0 && len(levels) == depth {
			break
		}
		levels = append(levels, types.BookLevel{
			Price:      o.LimitPrice(),
			Quantity:   remaining,
			OrderCount: 1,
		})
	}
	return levels
}

// Registry is the set of live books, one per market.
type Registry struct {
	mu    sync.RWMutex
	books map[string]*Book
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{books: make(map[string]*Book)}
}

// Get returns the book for a market, creating it on first use.
func (r *Registry) Get(marketID string) *Book {
	r.mu.RLock()
	b, ok := r.books[marketID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.books[marketID]; ok {
		return b
	}
	b = New(marketID)
	r.books[marketID] = b
	return b
}

// Drop removes a market's book, e.g. after resolution.
func (r *Registry) Drop(marketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.books, marketID)
}
