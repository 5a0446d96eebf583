package ws

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"relayrent/backend/services/relay-billing/internal/events"
)

// Hub fans billing events out to every connected dashboard.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	cancels     map[string]context.CancelFunc
	logger      *zap.Logger
}

// NewHub builds an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		cancels:     make(map[string]context.CancelFunc),
		logger:      logger.Named("ws"),
	}
}

var _ events.Publisher = (*Hub)(nil)

// Add registers a connection; cancel stops its pumps on shutdown.
func (h *Hub) Add(conn *Connection, cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn.ID()] = conn
	h.cancels[conn.ID()] = cancel
}

// Remove forgets a connection.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.connections, id)
	delete(h.cancels, id)
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Publish encodes event once and queues it on every subscriber without blocking.
func (h *Hub) Publish(event events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("type", event.Type), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.connections {
		conn.Send(payload)
	}
}

// Run blocks until ctx ends, then disconnects every subscriber. Hijacked
// connections are not closed by http.Server.Shutdown.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()

	h.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(h.cancels))
	for _, cancel := range h.cancels {
		cancels = append(cancels, cancel)
	}
	h.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}
