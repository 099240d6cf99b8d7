package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/KevinKickass/MachineTending/internal/auth"
	"github.com/KevinKickass/MachineTending/internal/machine"
	"go.uber.org/zap"
)

// MachineStatusProvider interface for getting current machine status
type MachineStatusProvider interface {
	GetStatus() machine.MachineStatus
}

// Hub maintains active WebSocket clients and broadcasts machine events.
// It implements machine.Observer.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Inbound messages to broadcast
	broadcast chan Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Snapshot requests from clients
	status chan *Client

	// Closed when Run returns
	done chan struct{}

	mu sync.RWMutex

	logger *zap.Logger

	authService *auth.AuthService

	// Machine status provider (optional)
	machineStatusProvider MachineStatusProvider
}

var _ machine.Observer = (*Hub)(nil)

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger, authService *auth.AuthService) *Hub {
	return &Hub{
		broadcast:   make(chan Message, 256),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		status:      make(chan *Client),
		done:        make(chan struct{}),
		clients:     make(map[*Client]bool),
		logger:      logger,
		authService: authService,
	}
}

// SetMachineStatusProvider sets the machine status provider
func (h *Hub) SetMachineStatusProvider(provider MachineStatusProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.machineStatusProvider = provider
}

// Run starts the hub's main event loop and returns when ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("WebSocket Hub started")
	defer func() {
		h.closeAll()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("WebSocket Hub stopped")
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("remote_addr", client.conn.RemoteAddr().String()),
				zap.Int("total_clients", total))
			h.sendStatus(client)

		case client := <-h.status:
			h.sendStatus(client)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.conn.RemoteAddr().String()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Client send channel full - unregister slow/dead client
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("Client send buffer full, unregistering",
						zap.String("remote_addr", client.conn.RemoteAddr().String()))
				}
			}
			h.mu.Unlock()
		}
	}
}

// join registers an authenticated client. It fails once the hub stopped.
func (h *Hub) join(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) requestStatus(c *Client) {
	select {
	case h.status <- c:
	case <-h.done:
	}
}

// sendStatus queues a machine status snapshot for one registered client.
func (h *Hub) sendStatus(c *Client) {
	status, ok := h.snapshot()
	if !ok {
		return
	}
	data, err := json.Marshal(NewMessage(MessageTypeSystemStatus, status))
	if err != nil {
		h.logger.Error("Failed to marshal status snapshot", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

// Broadcast queues a message for all connected clients. Safe on a nil hub.
func (h *Hub) Broadcast(msg Message) {
	if h == nil {
		return
	}
	select {
	case h.broadcast <- msg:
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

func (h *Hub) snapshot() (machine.MachineStatus, bool) {
	h.mu.RLock()
	provider := h.machineStatusProvider
	h.mu.RUnlock()
	if provider == nil {
		return machine.MachineStatus{}, false
	}
	return provider.GetStatus(), true
}

func (h *Hub) StateChanged(state, previous machine.CycleState) {
	h.Broadcast(NewMachineStateMessage(string(state), string(previous)))
}

func (h *Hub) JobCountChanged(count, maxJobs int) {
	h.Broadcast(NewJobCountMessage(count, maxJobs))
}

func (h *Hub) CycleCompleted(rec machine.CycleRecord) {
	h.Broadcast(NewMessage(MessageTypeCycleCompleted, rec))
}

func (h *Hub) LinkStateChanged(up bool, sessions int64) {
	h.Broadcast(NewLinkStateMessage("robot", up, sessions))
}
