package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/KevinKickass/SajModbusHub/internal/auth"
	"github.com/KevinKickass/SajModbusHub/internal/devices"
	"github.com/KevinKickass/SajModbusHub/internal/hub"
	"go.uber.org/zap"
)

type outbound struct {
	inverter string
	data     []byte
}

// Hub maintains active WebSocket clients and broadcasts messages
type Hub struct {
	clients map[*Client]bool

	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu     sync.RWMutex
	logger *zap.Logger

	// nil: no authentication required
	jwt *auth.JWTHandler
}

// NewHub creates a new Hub instance. With a nil handler clients are
// registered without an auth message.
func NewHub(logger *zap.Logger, jwt *auth.JWTHandler) *Hub {
	return &Hub{
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		clients:    make(map[*Client]bool),
		logger:     logger.Named("websocket"),
		jwt:        jwt,
	}
}

// Run starts the hub's main event loop and disconnects every client when
// ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket Hub started")
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			close(h.done)
			h.logger.Info("WebSocket Hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("remote_addr", client.remoteAddr()),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.remoteAddr()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(msg.inverter) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Client send channel full - unregister slow/dead client
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("remote_addr", client.remoteAddr()))
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message",
			zap.String("message_type", string(msg.Type)),
			zap.Error(err))
		return
	}

	select {
	case h.broadcast <- outbound{inverter: msg.Inverter, data: data}:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Watch streams snapshots and state changes of a registry entry. It is a
// devices.Hook.
func (h *Hub) Watch(e *devices.Entry) (detach func()) {
	name := e.Config.Name
	h.Broadcast(NewInverterMessage(MessageTypeInverterAdded, e.Info()))

	unsubSnap := e.Hub.Subscribe(func(s *hub.Snapshot) {
		h.Broadcast(NewSnapshotMessage(name, s))
	})
	unsubState := e.Hub.OnStateChange(func(from, to hub.ConnectionState) {
		h.Broadcast(NewConnectionStateMessage(name, from, to))
	})

	return func() {
		unsubSnap()
		unsubState()
		h.Broadcast(NewInverterMessage(MessageTypeInverterRemoved, e.Info()))
	}
}
