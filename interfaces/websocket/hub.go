// Package websocket streams vault session events to connected UI clients.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"papervault/application/sessions"
	"papervault/domain/events"

	"go.uber.org/zap"
)

// EventSource is a vault session clients can follow.
type EventSource interface {
	VaultID() string
	UserID() string
	Status() sessions.Status
	Subscribe(o sessions.Observer) func()
}

// Envelope is the wire form of one session event.
type Envelope struct {
	Type      string          `json:"type"`
	VaultID   string          `json:"vault_id"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type topic struct {
	userID  string
	vaultID string
}

// feed is the set of clients following one user's session of a vault. The
// hub observes the session once per feed, not once per client.
type feed struct {
	source      EventSource
	unsubscribe func()
	clients     map[*Client]bool
}

type delivery struct {
	topic topic
	event events.DomainEvent
}

type registration struct {
	client *Client
	source EventSource
}

// Hub maintains active WebSocket connections and fans session events out to
// them.
type Hub struct {
	feeds map[topic]*feed
	mu    sync.RWMutex

	register   chan registration
	unregister chan *Client
	broadcast  chan delivery

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger

	metrics *HubMetrics
}

// HubMetrics tracks WebSocket metrics
type HubMetrics struct {
	ActiveConnections int64
	MessagesSent      int64
	MessagesDropped   int64
	mu                sync.RWMutex
}

// NewHub creates a new WebSocket hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		feeds:      make(map[topic]*feed),
		register:   make(chan registration, 100),
		unregister: make(chan *Client, 100),
		broadcast:  make(chan delivery, 1000),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		logger:     logger,
		metrics:    &HubMetrics{},
	}
}

// Run starts the hub's main event loop
func (h *Hub) Run() {
	defer close(h.done)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("Hub shutting down")
			h.closeAll()
			return

		case reg := <-h.register:
			h.registerClient(reg.client, reg.source)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case d := <-h.broadcast:
			h.deliver(d)

		case <-ticker.C:
			h.mu.RLock()
			feeds := len(h.feeds)
			h.mu.RUnlock()
			h.logger.Debug("Hub status", zap.Int("feeds", feeds), zap.Int64("connections", h.GetMetrics().ActiveConnections))
		}
	}
}

// Stop closes every connection and waits for the loop to exit.
func (h *Hub) Stop() {
	h.logger.Info("Stopping WebSocket hub")
	h.cancel()
	<-h.done
}

// Attach registers client as a follower of source.
func (h *Hub) Attach(client *Client, source EventSource) {
	select {
	case h.register <- registration{client: client, source: source}:
	case <-h.ctx.Done():
		close(client.send)
	}
}

func (h *Hub) detach(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// publish is called from session observers, which must not block.
func (h *Hub) publish(t topic, e events.DomainEvent) {
	select {
	case h.broadcast <- delivery{topic: t, event: e}:
	default:
		h.countDropped(1)
		h.logger.Warn("Broadcast queue full, event dropped",
			zap.String("vault_id", t.vaultID),
			zap.String("event_type", e.GetEventType()),
		)
	}
}

func (h *Hub) registerClient(client *Client, source EventSource) {
	t := topic{userID: client.userID, vaultID: client.vaultID}

	h.mu.Lock()
	f := h.feeds[t]
	if f == nil {
		f = &feed{clients: make(map[*Client]bool)}
		h.feeds[t] = f
	}
	// A reopened vault is a new session object; follow the new one.
	if f.source != source {
		if f.unsubscribe != nil {
			f.unsubscribe()
		}
		f.source = source
		f.unsubscribe = source.Subscribe(func(e events.DomainEvent) { h.publish(t, e) })
	}
	f.clients[client] = true
	count := len(f.clients)
	h.mu.Unlock()

	h.metrics.mu.Lock()
	h.metrics.ActiveConnections++
	h.metrics.mu.Unlock()

	st := source.Status()
	client.enqueue(envelope(events.NewStatusChanged(t.vaultID, string(st.Phase), st.Connected,
		st.RealtimeConnected, st.PendingOperations, time.Now())))

	h.logger.Info("Client registered",
		zap.String("user_id", client.userID),
		zap.String("vault_id", client.vaultID),
		zap.String("connection_id", client.id),
		zap.Int("vault_connections", count),
	)
}

func (h *Hub) unregisterClient(client *Client) {
	t := topic{userID: client.userID, vaultID: client.vaultID}

	h.mu.Lock()
	f := h.feeds[t]
	if f == nil || !f.clients[client] {
		h.mu.Unlock()
		return
	}
	delete(f.clients, client)
	close(client.send)
	remaining := len(f.clients)
	if remaining == 0 {
		if f.unsubscribe != nil {
			f.unsubscribe()
		}
		delete(h.feeds, t)
	}
	h.mu.Unlock()

	h.metrics.mu.Lock()
	h.metrics.ActiveConnections--
	h.metrics.mu.Unlock()

	h.logger.Info("Client unregistered",
		zap.String("user_id", client.userID),
		zap.String("vault_id", client.vaultID),
		zap.String("connection_id", client.id),
		zap.Int("remaining_connections", remaining),
	)
}

func envelope(e events.DomainEvent) []byte {
	data, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	out, err := json.Marshal(Envelope{
		Type:      e.GetEventType(),
		VaultID:   e.GetAggregateID(),
		Timestamp: e.GetTimestamp().UnixMilli(),
		Data:      data,
	})
	if err != nil {
		return nil
	}
	return out
}

func (h *Hub) deliver(d delivery) {
	data := envelope(d.event)
	if data == nil {
		h.logger.Error("Failed to marshal session event", zap.String("event_type", d.event.GetEventType()))
		return
	}

	h.mu.RLock()
	f := h.feeds[d.topic]
	var clients []*Client
	if f != nil {
		for c := range f.clients {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if c.enqueue(data) {
			sent++
			continue
		}
		h.countDropped(1)
		h.logger.Warn("Closing slow client",
			zap.String("user_id", c.userID),
			zap.String("connection_id", c.id),
		)
		h.unregisterClient(c)
		_ = c.conn.Close()
	}

	h.metrics.mu.Lock()
	h.metrics.MessagesSent += int64(sent)
	h.metrics.mu.Unlock()
}

func (h *Hub) countDropped(n int64) {
	h.metrics.mu.Lock()
	h.metrics.MessagesDropped += n
	h.metrics.mu.Unlock()
}

// closeAll closes all active connections during shutdown
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for t, f := range h.feeds {
		if f.unsubscribe != nil {
			f.unsubscribe()
		}
		for c := range f.clients {
			close(c.send)
		}
		delete(h.feeds, t)
	}
	h.metrics.mu.Lock()
	h.metrics.ActiveConnections = 0
	h.metrics.mu.Unlock()
}

// GetMetrics returns current hub metrics
func (h *Hub) GetMetrics() HubMetrics {
	h.metrics.mu.RLock()
	defer h.metrics.mu.RUnlock()
	return HubMetrics{
		ActiveConnections: h.metrics.ActiveConnections,
		MessagesSent:      h.metrics.MessagesSent,
		MessagesDropped:   h.metrics.MessagesDropped,
	}
}

// ConnectionCount returns the number of connections a user has open.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for t, f := range h.feeds {
		if t.userID == userID {
			n += len(f.clients)
		}
	}
	return n
}
