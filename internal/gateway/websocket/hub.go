// Package websocket is the WebSocket gateway: it upgrades connections,
// routes client commands through the protocol dispatcher and fans
// server-push events out to every connected client.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/pkg/ws"
)

// SnapshotProvider supplies the init payload for newly connected
// clients.
type SnapshotProvider func() map[string]interface{}

// Hub manages all WebSocket client connections.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	dispatcher *ws.Dispatcher
	snapshot   SnapshotProvider

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub routing commands through the given dispatcher.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// SetSnapshotProvider installs the init-payload source.
func (h *Hub) SetSnapshotProvider(fn SnapshotProvider) {
	h.snapshot = fn
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))
			h.sendInit(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case data := <-h.broadcast:
			h.broadcastData(data)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}

// Broadcast pushes an event to every connected client.
func (h *Hub) Broadcast(b *ws.Broadcast) {
	data, err := json.Marshal(b)
	if err != nil {
		h.logger.Error("failed to marshal broadcast",
			zap.String("event_type", b.Type),
			zap.Error(err))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast channel full, dropping event",
			zap.String("event_type", b.Type))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// sendInit delivers the full state snapshot to one client.
func (h *Hub) sendInit(c *Client) {
	if h.snapshot == nil {
		return
	}
	data, err := json.Marshal(ws.NewBroadcast(ws.EventInit, h.snapshot()))
	if err != nil {
		h.logger.Error("failed to marshal init snapshot", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (h *Hub) broadcastData(data []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.enqueue(data)
	}
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.closeSend()
		h.logger.Debug("client unregistered", zap.String("client_id", c.ID))
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.closeSend()
		delete(h.clients, c)
	}
}
