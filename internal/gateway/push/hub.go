// Package push streams team UI events to browser clients over WebSocket.
// Clients connect once and optionally narrow the feed to one deployment.
package push

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
)

// Notification is the frame pushed to clients.
type Notification struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Hub fans notifications out to connected clients.
type Hub struct {
	clients               map[*Client]bool
	deploymentSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Notification

	mu  sync.RWMutex
	log *logger.Logger
}

// NewHub builds an empty hub. Call Run to start it.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:               make(map[*Client]bool),
		deploymentSubscribers: make(map[string]map[*Client]bool),
		register:              make(chan *Client),
		unregister:            make(chan *Client),
		broadcast:             make(chan *Notification, 256),
		log:                   log.WithFields(zap.String("component", "push-hub")),
	}
}

// Run drives client registration and broadcast delivery until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("push hub started")
	defer h.log.Info("push hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("client connected", zap.String("client_id", client.ID))
		case client := <-h.unregister:
			h.remove(client)
		case note := <-h.broadcast:
			h.send(note)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Broadcast queues a notification for every connected client.
func (h *Hub) Broadcast(note *Notification) {
	select {
	case h.broadcast <- note:
	default:
		h.log.Warn("push broadcast queue full, dropping", zap.String("type", note.Type))
	}
}

// BroadcastToDeployment sends a notification only to clients that narrowed
// their feed to the given deployment. Clients with no filter receive
// everything.
func (h *Hub) BroadcastToDeployment(deploymentID string, note *Notification) {
	data, err := json.Marshal(note)
	if err != nil {
		h.log.Error("failed to encode notification", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if len(client.filters) > 0 && !client.filters[deploymentID] {
			continue
		}
		client.enqueue(data)
	}
}

// ClientCount reports how many clients are connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) subscribeDeployment(client *Client, deploymentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.deploymentSubscribers[deploymentID]; !ok {
		h.deploymentSubscribers[deploymentID] = make(map[*Client]bool)
	}
	h.deploymentSubscribers[deploymentID][client] = true
	client.filters[deploymentID] = true
}

func (h *Hub) unsubscribeDeployment(client *Client, deploymentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(client.filters, deploymentID)
	if subs, ok := h.deploymentSubscribers[deploymentID]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.deploymentSubscribers, deploymentID)
		}
	}
}

func (h *Hub) send(note *Notification) {
	data, err := json.Marshal(note)
	if err != nil {
		h.log.Error("failed to encode notification", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.enqueue(data)
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for deploymentID := range client.filters {
		if subs, ok := h.deploymentSubscribers[deploymentID]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.deploymentSubscribers, deploymentID)
			}
		}
	}
	h.log.Debug("client disconnected", zap.String("client_id", client.ID))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.deploymentSubscribers = make(map[string]map[*Client]bool)
}
