// Package websocket streams backup events to connected operators.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/graphsafe/internal/model"
)

type EventType string

const (
	EventState    EventType = "backup_state"
	EventArchive  EventType = "archive_created"
	EventDeleted  EventType = "archive_deleted"
	EventRestored EventType = "restore_completed"
	EventAlert    EventType = "backup_alert"
)

// Message is one event on the backup feed.
type Message struct {
	Type    EventType          `json:"type"`
	At      time.Time          `json:"at"`
	State   *model.BackupState `json:"state,omitempty"`
	Archive *model.Archive     `json:"archive,omitempty"`
	Report  *model.Report      `json:"report,omitempty"`
	Key     string             `json:"key,omitempty"`
}

// Hub maintains the set of active WebSocket clients and broadcasts messages.
// The latest worker state is replayed to clients as they connect.
type Hub struct {
	mu        sync.RWMutex
	clients   map[*Client]struct{}
	lastState []byte
	logger    *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	if h.lastState != nil {
		c.send <- h.lastState
	}
	h.mu.Unlock()
}

// Unregister removes a client from the hub and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(msg Message) {
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if msg.Type == EventState {
		h.lastState = data
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, drop rather than block the worker.
		}
	}
}

// PublishState broadcasts a worker state change. Its signature matches
// backup.StateCallback.
func (h *Hub) PublishState(state model.BackupState) {
	h.Broadcast(Message{Type: EventState, State: &state})
}

func (h *Hub) PublishArchive(a model.Archive) {
	h.Broadcast(Message{Type: EventArchive, Archive: &a, Key: a.Key})
}

func (h *Hub) PublishDeleted(key string, safety model.Archive) {
	h.Broadcast(Message{Type: EventDeleted, Key: key, Archive: &safety})
}

func (h *Hub) PublishRestore(r model.Report) {
	h.Broadcast(Message{Type: EventRestored, Report: &r, Key: r.ArchiveKey})
}

// PublishAlert broadcasts a failure alert alongside the email one.
func (h *Hub) PublishAlert(state model.BackupState) {
	h.Broadcast(Message{Type: EventAlert, State: &state})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
