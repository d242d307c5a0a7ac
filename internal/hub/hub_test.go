package hub

import (
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeSender records delivered events and can be scripted to fail.
type fakeSender struct {
	mu     sync.Mutex
	events []Event
	closed bool
	fail   bool
}

func (f *fakeSender) Send(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send failed")
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSender) Close(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeSender) last() Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[len(f.events)-1]
}

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return New(slog.Default())
}

func TestBroadcastReachesSubscribersOnly(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)

	sub, other := &fakeSender{}, &fakeSender{}
	h.Add("c1", sub)
	h.Add("c2", other)
	if err := h.Subscribe("c1", "trades:m1"); err != nil {
		t.Fatal(err)
	}

	h.Broadcast("trades:m1", Event{Type: "trade"})
	if sub.count() != 1 || other.count() != 0 {
		t.Fatalf("sub=%d other=%d", sub.count(), other.count())
	}
	if ev := sub.last(); ev.Channel != "trades:m1" || ev.Timestamp.IsZero() {
		t.Fatalf("event %+v", ev)
	}
}

func TestPrivateChannelRequiresAuth(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	h.Add("c1", &fakeSender{})

	if err := h.Subscribe("c1", "balance"); err == nil {
		t.Fatal("unauthenticated private subscribe succeeded")
	}
	if err := h.Authenticate("c1", "alice"); err != nil {
		t.Fatal(err)
	}
	if err := h.Subscribe("c1", "balance"); err != nil {
		t.Fatalf("post-auth subscribe: %v", err)
	}
}

func TestUnknownChannelRejected(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	h.Add("c1", &fakeSender{})

	for _, ch := range []string{"bogus", "orderbook:", "trades:"} {
		if err := h.Subscribe("c1", ch); err == nil {
			t.Fatalf("channel %q accepted", ch)
		}
	}
}

func TestSendToUserScopesByConnectionAndChannel(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)

	withSub, withoutSub, otherUser := &fakeSender{}, &fakeSender{}, &fakeSender{}
	h.Add("c1", withSub)
	h.Add("c2", withoutSub)
	h.Add("c3", otherUser)
	h.Authenticate("c1", "alice")
	h.Authenticate("c2", "alice")
	h.Authenticate("c3", "bob")
	h.Subscribe("c1", "orders")
	h.Subscribe("c3", "orders")

	h.SendToUser("alice", "orders", Event{Type: "order_update"})
	if withSub.count() != 1 || withoutSub.count() != 0 || otherUser.count() != 0 {
		t.Fatalf("c1=%d c2=%d c3=%d", withSub.count(), withoutSub.count(), otherUser.count())
	}
}

func TestFailedSendEvicts(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)

	bad := &fakeSender{fail: true}
	h.Add("c1", bad)
	h.Subscribe("c1", "trades:m1")

	h.Broadcast("trades:m1", Event{Type: "trade"})
	if h.ConnectionCount() != 0 || !bad.closed {
		t.Fatalf("count=%d closed=%v", h.ConnectionCount(), bad.closed)
	}
}

func TestRemoveClearsAllIndices(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)

	s := &fakeSender{}
	h.Add("c1", s)
	h.Authenticate("c1", "alice")
	h.Subscribe("c1", "orderbook:m1")
	h.Subscribe("c1", "orders")

	h.Remove("c1")
	if h.ConnectionCount() != 0 || h.SubscriberCount("orderbook:m1") != 0 {
		t.Fatal("indices not cleared")
	}
	// Post-removal sends are silently dropped.
	h.SendToUser("alice", "orders", Event{Type: "order_update"})
	if s.count() != 0 {
		t.Fatal("removed connection received event")
	}
}

func TestIdleEviction(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)

	idle, fresh := &fakeSender{}, &fakeSender{}
	h.Add("c1", idle)
	h.Add("c2", fresh)

	// Age c1 past the idle window, keep c2 fresh.
	h.mu.Lock()
	h.conns["c1"].lastActivity = time.Now().Add(-2 * idleTimeout)
	h.mu.Unlock()

	h.evictIdle(time.Now())
	if !idle.closed || fresh.closed {
		t.Fatalf("idle=%v fresh=%v", idle.closed, fresh.closed)
	}
	if h.ConnectionCount() != 1 {
		t.Fatalf("count=%d", h.ConnectionCount())
	}
}

func TestShutdownNotifiesAndCloses(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)

	s := &fakeSender{}
	h.Add("c1", s)
	h.Shutdown()

	if s.count() != 1 || s.last().Type != "shutdown" || !s.closed {
		t.Fatalf("events=%d closed=%v", s.count(), s.closed)
	}
	if err := h.Add("c2", &fakeSender{}); err == nil {
		t.Fatal("add succeeded after shutdown")
	}
}

func TestVerifierRoundTrip(t *testing.T) {
	t.Parallel()
	v := NewVerifier("test-key")

	token, err := v.Issue("alice", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	userID, err := v.Verify(token)
	if err != nil || userID != "alice" {
		t.Fatalf("user=%s err=%v", userID, err)
	}

	// Wrong key fails.
	if _, err := NewVerifier("other-key").Verify(token); err == nil {
		t.Fatal("cross-key token accepted")
	}

	// Expired token fails.
	expired, err := v.Issue("alice", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(expired); err == nil {
		t.Fatal("expired token accepted")
	}
}
