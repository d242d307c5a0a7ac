// Package ratelimit provides per-user token-bucket rate limiting for the
// trading API.
//
// Each user gets one bucket per operation category. Buckets refill
// continuously rather than in window-sized bursts, so a client pacing at the
// allowed rate never sees a rejection. Inbound requests are rejected rather
// than queued: a trading client is better served by an immediate
// RATE_LIMIT_EXCEEDED than by unbounded latency.
package ratelimit

import (
	"sync"
	"time"

	"pebble-core/pkg/apperr"
)

// Category is an operation class with its own budget.
type Category string

const (
	// CategoryOrder covers order placement.
	CategoryOrder Category = "order"
	// CategoryCancel covers order cancellation.
	CategoryCancel Category = "cancel"
	// CategoryRead covers book, trade, and portfolio reads.
	CategoryRead Category = "read"
)

// Limit is a bucket's burst capacity and sustained refill rate.
type Limit struct {
	Burst float64 // maximum tokens
	Rate  float64 // tokens per second
}

// DefaultLimits is the production budget per category.
var DefaultLimits = map[Category]Limit{
	CategoryOrder:  {Burst: 20, Rate: 5},
	CategoryCancel: {Burst: 30, Rate: 10},
	CategoryRead:   {Burst: 100, Rate: 50},
}

// bucket is a token bucket with continuous refill. Fractional tokens are
// allowed so the refill is smooth at any polling interval.
type bucket struct {
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

func (b *bucket) take(now time.Time) bool {
	elapsed := now.Sub(b.lastTime).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastTime = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Limiter tracks per-user buckets across categories. Idle users are pruned
// so the map does not grow with the all-time user count.
type Limiter struct {
	mu     sync.Mutex
	limits map[Category]Limit
	users  map[string]map[Category]*bucket
	seen   map[string]time.Time
}

// New creates a limiter with the given per-category limits; nil means
// DefaultLimits.
func New(limits map[Category]Limit) *Limiter {
	if limits == nil {
		limits = DefaultLimits
	}
	return &Limiter{
		limits: limits,
		users:  make(map[string]map[Category]*bucket),
		seen:   make(map[string]time.Time),
	}
}

// Allow consumes one token from the user's bucket for the category. It
// returns a RateLimited error when the budget is exhausted.
func (l *Limiter) Allow(userID string, category Category) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	buckets, ok := l.users[userID]
	if !ok {
		buckets = make(map[Category]*bucket, len(l.limits))
		l.users[userID] = buckets
	}
	b, ok := buckets[category]
	if !ok {
		limit, known := l.limits[category]
		if !known {
			limit = DefaultLimits[CategoryRead]
		}
		b = &bucket{tokens: limit.Burst, capacity: limit.Burst, rate: limit.Rate, lastTime: now}
		buckets[category] = b
	}
	l.seen[userID] = now

	if !b.take(now) {
		return apperr.New(apperr.RateLimited, apperr.CodeRateLimitExceeded,
			"%s rate limit exceeded", category)
	}
	return nil
}

// Prune drops bucket state for users idle longer than maxIdle and returns
// how many were removed.
func (l *Limiter) Prune(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	removed := 0
	for userID, last := range l.seen {
		if last.Before(cutoff) {
			delete(l.seen, userID)
			delete(l.users, userID)
			removed++
		}
	}
	return removed
}
