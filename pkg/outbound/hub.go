// Package outbound delivers finished responses to connected chat
// clients over websockets. A client subscribes with optional user and
// group filters; inbound frames from a client are fed into the message
// bus, so the hub doubles as a minimal chat transport.
package outbound

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/drumline/pkg/bus"
	"github.com/tinyland-inc/drumline/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 50 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 32
)

type client struct {
	conn    *websocket.Conn
	send    chan bus.OutboundMessage
	userID  string
	groupID string
}

func (c *client) wants(msg bus.OutboundMessage) bool {
	if c.userID != "" && c.userID != msg.UserID {
		return false
	}
	if c.groupID != "" && c.groupID != msg.GroupID {
		return false
	}
	return true
}

// Hub fans finished responses out to websocket subscribers.
type Hub struct {
	bus      *bus.MessageBus
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub(mb *bus.MessageBus) *Hub {
	return &Hub{
		bus: mb,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		clients: make(map[*client]struct{}),
	}
}

// Run consumes the outbound side of the bus until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	for {
		msg, ok := h.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		h.Deliver(msg)
	}
}

// Deliver broadcasts one response to every matching subscriber. Slow
// clients are dropped rather than allowed to stall the hub.
func (h *Hub) Deliver(msg bus.OutboundMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(msg) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			go h.drop(c)
		}
	}
}

// ServeHTTP upgrades a connection and registers it with the filters
// from the query string (?user=, ?group=).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("outbound", "Websocket upgrade failed", map[string]any{
			"error": err.Error(),
		})
		return
	}

	c := &client{
		conn:    conn,
		send:    make(chan bus.OutboundMessage, sendBuffer),
		userID:  r.URL.Query().Get("user"),
		groupID: r.URL.Query().Get("group"),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	logger.InfoCF("outbound", "Client connected", map[string]any{"clients": n})

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
	c.conn.Close()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()
	for _, c := range clients {
		close(c.send)
		c.conn.Close()
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// readPump feeds inbound frames into the bus. The frame shape matches
// bus.InboundMessage; user and group fall back to the subscription
// filters when omitted. The request context is already canceled once
// the connection is hijacked, so publishes run on their own deadline.
func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg bus.InboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.DebugCF("outbound", "Discarding malformed inbound frame", map[string]any{
				"error": err.Error(),
			})
			continue
		}
		if msg.UserID == "" {
			msg.UserID = c.userID
		}
		if msg.GroupID == "" {
			msg.GroupID = c.groupID
		}
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = time.Now().UTC()
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err = h.bus.PublishInbound(ctx, msg)
		cancel()
		if err != nil {
			return
		}
	}
}
