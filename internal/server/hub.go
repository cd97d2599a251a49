package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"zigbee-ws-server/internal/controller"
)

// Hub tracks open connections and fans controller events out to every
// subscribed one. Events enter through a single bounded channel, so slow
// connections never stall the controller and all connections observe events
// in production order.
type Hub struct {
	clients map[*Client]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *Client
	unregister chan *Client
	broadcast  chan controller.Event

	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a new connection hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		logger:     logger.With("component", "hub"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan controller.Event, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			// Close all remaining clients on shutdown
			h.mu.Lock()
			for client := range h.clients {
				client.closeSend()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client connected", "client", client.ID(), "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", "client", client.ID(), "total", total)

		case event := <-h.broadcast:
			data, err := marshalEvent(event)
			if err != nil {
				h.logger.Error("marshal event", "type", event.Type, "err", err)
				continue
			}
			h.mu.Lock()
			var slow []*Client
			for client := range h.clients {
				if !client.isSubscribed() {
					continue
				}
				if !client.trySend(data) {
					// Client too slow, mark for eviction
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				delete(h.clients, client)
				client.closeSend()
				h.logger.Warn("client evicted (too slow)", "client", client.ID())
			}
			h.mu.Unlock()
		}
	}
}

// marshalEvent flattens the event payload next to the event type, in the
// wire shape {"message_type":"event","event":<type>,...payload}.
func marshalEvent(event controller.Event) ([]byte, error) {
	msg := make(map[string]any, len(event.Data)+2)
	for k, v := range event.Data {
		msg[k] = v
	}
	msg["message_type"] = messageTypeEvent
	msg["event"] = event.Type
	return json.Marshal(msg)
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast queues an event for fan-out to all subscribed connections.
func (h *Hub) Broadcast(event controller.Event) {
	select {
	case h.broadcast <- event:
	case <-h.done:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// add registers a new connection. Returns false if the hub is shut down.
func (h *Hub) add(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// drop unregisters a connection, closing its send queue.
func (h *Hub) drop(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.closeSend()
	}
}
