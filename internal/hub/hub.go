// Package hub implements the process-local pub/sub fanning core events out
// to websocket subscribers.
//
// Channels are either market-scoped and open (orderbook:<marketId>,
// trades:<marketId>) or user-scoped and authenticated (positions, orders,
// balance). Sends are best-effort and non-blocking: a connection that cannot
// keep up is evicted, never waited on.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"pebble-core/pkg/apperr"
)

const (
	heartbeatInterval = 30 * time.Second
	idleTimeout       = 60 * time.Second
)

// Event is one outbound message.
type Event struct {
	Type      string    `json:"type"`
	Channel   string    `json:"channel,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Sender delivers events to one connection. Send must not block; Close
// tears the transport down.
type Sender interface {
	Send(ev Event) error
	Close(code int, reason string)
}

type connection struct {
	id           string
	sender       Sender
	userID       string // empty until authenticated
	channels     map[string]bool
	lastActivity time.Time
}

// Hub is the subscription registry.
type Hub struct {
	mu           sync.RWMutex
	conns        map[string]*connection
	channelSubs  map[string]map[string]bool
	userConns    map[string]map[string]bool
	shuttingDown bool

	logger *slog.Logger
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		conns:       make(map[string]*connection),
		channelSubs: make(map[string]map[string]bool),
		userConns:   make(map[string]map[string]bool),
		logger:      logger.With("component", "hub"),
	}
}

// Start launches the heartbeat loop.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go h.heartbeat(ctx)
}

// Shutdown delivers a shutdown notice, closes every connection, and clears
// all indices.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.shuttingDown = true
	conns := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*connection)
	h.channelSubs = make(map[string]map[string]bool)
	h.userConns = make(map[string]map[string]bool)
	h.mu.Unlock()

	notice := Event{Type: "shutdown", Timestamp: time.Now().UTC()}
	for _, c := range conns {
		c.sender.Send(notice)
		c.sender.Close(1000, "server shutting down")
	}

	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.logger.Info("hub stopped", "closed_connections", len(conns))
}

// Add registers a connection.
func (h *Hub) Add(connID string, sender Sender) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shuttingDown {
		return fmt.Errorf("hub is shutting down")
	}
	h.conns[connID] = &connection{
		id:           connID,
		sender:       sender,
		channels:     make(map[string]bool),
		lastActivity: time.Now(),
	}
	return nil
}

// Remove deregisters a connection from every index.
func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(connID)
}

func (h *Hub) removeLocked(connID string) {
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	delete(h.conns, connID)
	for ch := range c.channels {
		if subs := h.channelSubs[ch]; subs != nil {
			delete(subs, connID)
			if len(subs) == 0 {
				delete(h.channelSubs, ch)
			}
		}
	}
	if c.userID != "" {
		if set := h.userConns[c.userID]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(h.userConns, c.userID)
			}
		}
	}
}

// Authenticate binds a connection to a user.
func (h *Hub) Authenticate(connID, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return fmt.Errorf("unknown connection %s", connID)
	}
	c.userID = userID
	c.lastActivity = time.Now()
	if h.userConns[userID] == nil {
		h.userConns[userID] = make(map[string]bool)
	}
	h.userConns[userID][connID] = true
	return nil
}

// Subscribe adds a connection to a channel. User-scoped channels require a
// prior Authenticate.
func (h *Hub) Subscribe(connID, channel string) error {
	if !validChannel(channel) {
		return apperr.New(apperr.Validation, apperr.CodeInvalidChannel, "unknown channel %q", channel)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return fmt.Errorf("unknown connection %s", connID)
	}
	if privateChannel(channel) && c.userID == "" {
		return apperr.New(apperr.Validation, apperr.CodeAuthRequired,
			"channel %q requires authentication", channel)
	}
	c.channels[channel] = true
	c.lastActivity = time.Now()
	if h.channelSubs[channel] == nil {
		h.channelSubs[channel] = make(map[string]bool)
	}
	h.channelSubs[channel][connID] = true
	return nil
}

// Unsubscribe removes a connection from a channel.
func (h *Hub) Unsubscribe(connID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.conns[connID]
	if !ok {
		return
	}
	delete(c.channels, channel)
	c.lastActivity = time.Now()
	if subs := h.channelSubs[channel]; subs != nil {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(h.channelSubs, channel)
		}
	}
}

// Touch refreshes a connection's activity clock (inbound ping).
func (h *Hub) Touch(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[connID]; ok {
		c.lastActivity = time.Now()
	}
}

// Broadcast fans an event out to every subscriber of a channel. Failed
// sends evict the connection.
func (h *Hub) Broadcast(channel string, ev Event) {
	ev.Channel = channel
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	targets := make([]*connection, 0, len(h.channelSubs[channel]))
	for connID := range h.channelSubs[channel] {
		if c, ok := h.conns[connID]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.sender.Send(ev); err != nil {
			h.logger.Warn("send failed, evicting connection", "conn", c.id, "error", err)
			h.evict(c.id, "send failure")
		}
	}
}

// SendToUser delivers an event only to the user's connections that hold the
// channel subscription.
func (h *Hub) SendToUser(userID, channel string, ev Event) {
	ev.Channel = channel
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	var targets []*connection
	for connID := range h.userConns[userID] {
		if c, ok := h.conns[connID]; ok && c.channels[channel] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.sender.Send(ev); err != nil {
			h.logger.Warn("send failed, evicting connection", "conn", c.id, "error", err)
			h.evict(c.id, "send failure")
		}
	}
}

// SubscriberCount returns how many connections hold a channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channelSubs[channel])
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) evict(connID, reason string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if ok {
		h.removeLocked(connID)
	}
	h.mu.Unlock()
	if ok {
		c.sender.Close(1000, reason)
	}
}

func (h *Hub) heartbeat(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.evictIdle(time.Now())
		}
	}
}

func (h *Hub) evictIdle(now time.Time) {
	h.mu.Lock()
	var idle []string
	for id, c := range h.conns {
		if now.Sub(c.lastActivity) > idleTimeout {
			idle = append(idle, id)
		}
	}
	h.mu.Unlock()

	for _, id := range idle {
		h.logger.Info("evicting idle connection", "conn", id)
		h.evict(id, "idle timeout")
	}
}

func validChannel(channel string) bool {
	if privateChannel(channel) {
		return true
	}
	if rest, ok := strings.CutPrefix(channel, "orderbook:"); ok {
		return rest != ""
	}
	if rest, ok := strings.CutPrefix(channel, "trades:"); ok {
		return rest != ""
	}
	return false
}

func privateChannel(channel string) bool {
	switch channel {
	case "positions", "orders", "balance":
		return true
	}
	return false
}

// OrderbookChannel names the book channel for a market.
func OrderbookChannel(marketID string) string { return "orderbook:" + marketID }

// TradesChannel names the trade channel for a market.
func TradesChannel(marketID string) string { return "trades:" + marketID }
