// Backdesk - Services Marketplace Operations Dashboard (Realtime Core)
// Copyright 2026 Backdesk Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/backdesk/backdesk

// Package hub fans realtime projections out to dashboard UI clients over
// websocket connections. The hub itself never computes anything: the
// notification feed, the store watcher, and the API layer push already-built
// payloads into it and every connected client receives the same frames.
package hub

import (
	"context"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/backdesk/backdesk/internal/logging"
	"github.com/backdesk/backdesk/internal/metrics"
	"github.com/backdesk/backdesk/internal/models"
)

// Frame types pushed to dashboard clients.
const (
	MessageTypeNotification = "notification"
	MessageTypeUnread       = "unread_count"
	MessageTypeStatus       = "connection_status"
	MessageTypePreviews     = "channel_previews"
	MessageTypeSignOut      = "force_sign_out"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
)

// Message is one websocket frame.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub maintains the set of active clients and broadcasts frames to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	Register   chan *Client
	Unregister chan *Client
	mu         sync.RWMutex

	// markRead is invoked when any client sends a mark_read frame.
	markRead func()
}

// NewHub creates an empty hub. Serve must be running before clients are
// registered.
func NewHub() *Hub {
	return &Hub{
		broadcast:  make(chan Message, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
	}
}

// OnMarkRead sets the callback invoked when a client acknowledges the
// notification list. Must be called before Serve.
func (h *Hub) OnMarkRead(fn func()) {
	h.markRead = fn
}

// Serve runs the hub loop until ctx is cancelled, then closes every client
// and returns ctx.Err(). Designed for suture supervision; a restart never
// leaves orphaned connections behind.
//
// Selection is priority ordered so behavior stays predictable when several
// channels are ready at once: shutdown first, then client lifecycle, then
// broadcasts. Client state is always settled before a frame goes out.
func (h *Hub) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()
		default:
		}

		select {
		case client := <-h.Register:
			h.addClient(client)
			continue
		case client := <-h.Unregister:
			h.removeClient(client)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown(ctx)
			return ctx.Err()

		case client := <-h.Register:
			h.addClient(client)

		case client := <-h.Unregister:
			h.removeClient(client)

		case message := <-h.broadcast:
			h.broadcastToClients(message)
		}
	}
}

// String identifies the service in supervisor logs.
func (h *Hub) String() string {
	return "websocket-hub"
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	metrics.HubClients.Set(float64(count))
	logging.Info().Int("total_clients", count).Msg("dashboard client connected")
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	metrics.HubClients.Set(float64(count))
	logging.Info().Int("total_clients", count).Msg("dashboard client disconnected")
}

// broadcastToClients delivers one frame to every client in id order. A
// client whose send buffer is full gets dropped; a stalled browser tab must
// not hold up the rest of the dashboard.
func (h *Hub) broadcastToClients(message Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			toRemove = append(toRemove, client)
		}
	}

	for _, client := range toRemove {
		close(client.send)
		delete(h.clients, client)
		logging.Warn().Uint64("client_id", client.id).Msg("dropping slow dashboard client")
	}
	if len(toRemove) > 0 {
		metrics.HubClients.Set(float64(len(h.clients)))
	}
}

// shutdown closes all clients and logs the reason. Cancellation is the
// expected path, so it is not logged as an error.
func (h *Hub) shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].id < clients[j].id
	})
	for _, client := range clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	metrics.HubClients.Set(0)

	reason := "context_canceled"
	if ctx.Err() == context.DeadlineExceeded {
		reason = "context_deadline"
	}
	logging.Info().
		Str("component", "websocket-hub").
		Str("reason", reason).
		Int("clients_closed", len(clients)).
		Msg("websocket hub stopped")
}

// enqueue places a frame on the broadcast channel without blocking. Frames
// are dropped when the hub loop cannot keep up; every producer here is a
// periodic or re-triggerable source, so a dropped frame is superseded by the
// next one.
func (h *Hub) enqueue(message Message) {
	select {
	case h.broadcast <- message:
	default:
		metrics.HubMessagesDropped.Inc()
		logging.Warn().Str("message_type", message.Type).Msg("broadcast channel full, dropping frame")
	}
}

// BroadcastNotification pushes one surfaced claim-channel alert.
func (h *Hub) BroadcastNotification(alert models.Notification) {
	h.enqueue(Message{Type: MessageTypeNotification, Data: alert})
}

// BroadcastUnread pushes the current unread counter.
func (h *Hub) BroadcastUnread(count int) {
	h.enqueue(Message{Type: MessageTypeUnread, Data: map[string]int{"unread": count}})
}

// BroadcastStatus pushes the change-feed connection status.
func (h *Hub) BroadcastStatus(status models.ConnectionStatus) {
	h.enqueue(Message{Type: MessageTypeStatus, Data: map[string]string{"status": string(status)}})
}

// BroadcastJSON pushes an arbitrary typed frame.
func (h *Hub) BroadcastJSON(messageType string, data any) {
	h.enqueue(Message{Type: messageType, Data: data})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// MarshalMessage encodes a frame for the wire.
func MarshalMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}
