package hub

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// dialConn stands up a real websocket pair and wraps the server side in a
// Conn with running pumps.
func dialConn(t *testing.T, h *Hub) *Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	connCh := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c, err := NewConn(h, NewVerifier("test-key"), ws, slog.Default())
		if err != nil {
			ws.Close()
			return
		}
		connCh <- c
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return <-connCh
}

func TestSendAfterCloseReturnsError(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	c := dialConn(t, h)

	c.Close(websocket.CloseNormalClosure, "bye")
	if err := c.Send(Event{Type: "trade"}); err == nil {
		t.Fatal("send on a closed connection succeeded")
	}
	// Closing again is a no-op.
	c.Close(websocket.CloseNormalClosure, "bye")
}

func TestConcurrentSendAndClose(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	c := dialConn(t, h)

	// Hammer Send from many goroutines while Close lands in the middle.
	// Every Send must return, none may panic.
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 500; j++ {
				c.Send(Event{Type: "trade"})
			}
		}()
	}
	close(start)
	c.Close(websocket.CloseGoingAway, "shutting down")
	wg.Wait()
}
