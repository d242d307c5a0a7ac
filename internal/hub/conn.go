package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// InboundMessage is what clients send over the socket.
type InboundMessage struct {
	Type     string   `json:"type"` // subscribe | unsubscribe | auth | ping
	Channel  string   `json:"channel,omitempty"`
	Channels []string `json:"channels,omitempty"`
	Token    string   `json:"token,omitempty"`
}

// Conn adapts one gorilla websocket connection to the hub. Outbound events
// go through a buffered channel; a full buffer drops the connection rather
// than blocking the producer.
type Conn struct {
	ID string

	hub      *Hub
	verifier *Verifier
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	logger   *slog.Logger

	closeOnce sync.Once
}

// NewConn registers a websocket connection with the hub and starts its
// pumps.
func NewConn(h *Hub, verifier *Verifier, ws *websocket.Conn, logger *slog.Logger) (*Conn, error) {
	c := &Conn{
		ID:       uuid.NewString(),
		hub:      h,
		verifier: verifier,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		logger:   logger.With("component", "ws-conn"),
	}
	if err := h.Add(c.ID, c); err != nil {
		return nil, err
	}

	go c.writePump()
	go c.readPump()
	return c, nil
}

// Send queues an event without blocking. A full buffer is an error so the
// hub evicts the connection; sends racing a close are dropped, never a
// panic. The send channel itself is never closed.
func (c *Conn) Send(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		c.logger.Warn("send buffer full, dropping connection", "conn", c.ID)
		return errSendBufferFull
	}
}

var (
	errSendBufferFull = &websocket.CloseError{Code: websocket.ClosePolicyViolation, Text: "send buffer full"}
	errConnClosed     = &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "connection closed"}
)

// Close tears the socket down with a close frame and signals the write pump
// to exit.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(writeWait)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		c.ws.Close()
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.Remove(c.ID)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.Touch(c.ID)
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "conn", c.ID, "error", err)
			}
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(Event{Type: "error", Error: "malformed message"})
			continue
		}
		c.handle(msg)
	}
}

func (c *Conn) handle(msg InboundMessage) {
	c.hub.Touch(c.ID)

	switch msg.Type {
	case "ping":
		c.reply(Event{Type: "pong"})

	case "auth":
		userID, err := c.verifier.Verify(msg.Token)
		if err != nil {
			c.reply(Event{Type: "auth_error", Error: err.Error()})
			return
		}
		if err := c.hub.Authenticate(c.ID, userID); err != nil {
			c.reply(Event{Type: "auth_error", Error: err.Error()})
			return
		}
		c.reply(Event{Type: "auth_ok"})

	case "subscribe":
		for _, ch := range c.targetChannels(msg) {
			if err := c.hub.Subscribe(c.ID, ch); err != nil {
				c.reply(Event{Type: "error", Channel: ch, Error: err.Error()})
				continue
			}
			c.reply(Event{Type: "subscribed", Channel: ch})
		}

	case "unsubscribe":
		for _, ch := range c.targetChannels(msg) {
			c.hub.Unsubscribe(c.ID, ch)
			c.reply(Event{Type: "unsubscribed", Channel: ch})
		}

	default:
		c.reply(Event{Type: "error", Error: "unknown message type"})
	}
}

func (c *Conn) targetChannels(msg InboundMessage) []string {
	if len(msg.Channels) > 0 {
		return msg.Channels
	}
	if msg.Channel != "" {
		return []string{msg.Channel}
	}
	return nil
}

func (c *Conn) reply(ev Event) {
	ev.Timestamp = time.Now().UTC()
	c.Send(ev)
}
