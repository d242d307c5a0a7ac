package ratelimit

import (
	"testing"
	"time"

	"pebble-core/pkg/apperr"
)

func TestBurstThenReject(t *testing.T) {
	t.Parallel()
	l := New(map[Category]Limit{CategoryOrder: {Burst: 3, Rate: 0.001}})

	for i := 0; i < 3; i++ {
		if err := l.Allow("alice", CategoryOrder); err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
	}
	err := l.Allow("alice", CategoryOrder)
	if !apperr.IsKind(err, apperr.RateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if apperr.CodeOf(err) != apperr.CodeRateLimitExceeded {
		t.Fatalf("code: %s", apperr.CodeOf(err))
	}
}

func TestUsersAreIsolated(t *testing.T) {
	t.Parallel()
	l := New(map[Category]Limit{CategoryOrder: {Burst: 1, Rate: 0.001}})

	if err := l.Allow("alice", CategoryOrder); err != nil {
		t.Fatalf("alice: %v", err)
	}
	if err := l.Allow("alice", CategoryOrder); err == nil {
		t.Fatal("alice should be limited")
	}
	if err := l.Allow("bob", CategoryOrder); err != nil {
		t.Fatalf("bob must have his own bucket: %v", err)
	}
}

func TestCategoriesAreIsolated(t *testing.T) {
	t.Parallel()
	l := New(map[Category]Limit{
		CategoryOrder: {Burst: 1, Rate: 0.001},
		CategoryRead:  {Burst: 1, Rate: 0.001},
	})

	if err := l.Allow("alice", CategoryOrder); err != nil {
		t.Fatalf("order: %v", err)
	}
	if err := l.Allow("alice", CategoryRead); err != nil {
		t.Fatalf("exhausted order budget must not affect reads: %v", err)
	}
}

func TestRefill(t *testing.T) {
	t.Parallel()
	// 1000 tokens/sec: a drained bucket refills within a few milliseconds.
	l := New(map[Category]Limit{CategoryOrder: {Burst: 1, Rate: 1000}})

	if err := l.Allow("alice", CategoryOrder); err != nil {
		t.Fatalf("first: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for {
		if err := l.Allow("alice", CategoryOrder); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("bucket never refilled")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	l := New(nil)
	if err := l.Allow("alice", CategoryRead); err != nil {
		t.Fatalf("allow: %v", err)
	}
	if removed := l.Prune(time.Hour); removed != 0 {
		t.Fatalf("fresh user pruned: %d", removed)
	}
	if removed := l.Prune(0); removed != 1 {
		t.Fatalf("idle user kept: %d", removed)
	}
}
