package devserver

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"salonchat/internal/db"
	"salonchat/internal/models"
)

// Hub tracks connected clients by user and by conversation room.
type Hub struct {
	clients    map[*Client]bool
	Register   chan *Client
	Unregister chan *Client
	userMap    map[string]map[*Client]bool
	rooms      map[string]map[*Client]bool
	mu         sync.RWMutex
	logger     *zap.Logger
	db         *db.DB
	metrics    *Metrics
	stopped    chan struct{}
}

func NewHub(database *db.DB, metrics *Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		userMap:    make(map[string]map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		logger:     logger.Named("hub"),
		db:         database,
		metrics:    metrics,
		stopped:    make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer close(h.stopped)
	for {
		select {
		case client := <-h.Register:
			h.add(client)

		case client := <-h.Unregister:
			h.remove(client)

		case <-ctx.Done():
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.RUnlock()
			for _, c := range clients {
				h.remove(c)
			}
			h.logger.Info("websocket hub stopped")
			return
		}
	}
}

// Done is closed once Run has returned and every client was removed.
func (h *Hub) Done() <-chan struct{} {
	return h.stopped
}

// register hands client to Run, or reports false once the hub stopped.
func (h *Hub) register(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *Hub) unregister(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.stopped:
		h.remove(client)
	}
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// evicted before Run got to it
	if client.closed {
		return
	}
	h.clients[client] = true
	if h.userMap[client.user.ID] == nil {
		h.userMap[client.user.ID] = make(map[*Client]bool)
	}
	h.userMap[client.user.ID][client] = true
	h.metrics.Connections.Inc()
	h.logger.Info("client connected",
		zap.String("user", client.user.Username),
		zap.String("user_id", client.user.ID),
		zap.Int("clients", len(h.clients)))
}

// remove closes the client's send channel exactly once and drops it from
// every index.
func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.closed {
		return
	}
	client.closed = true
	close(client.send)

	for id := range client.rooms {
		h.leaveLocked(client, id)
	}
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		h.metrics.Connections.Dec()
	}
	if set := h.userMap[client.user.ID]; set != nil {
		delete(set, client)
		if len(set) == 0 {
			delete(h.userMap, client.user.ID)
		}
	}
	h.logger.Info("client disconnected",
		zap.String("user", client.user.Username),
		zap.Int("clients", len(h.clients)))
}

func (h *Hub) Join(client *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.closed {
		return
	}
	if h.rooms[conversationID] == nil {
		h.rooms[conversationID] = make(map[*Client]bool)
	}
	h.rooms[conversationID][client] = true
	client.rooms[conversationID] = true
}

func (h *Hub) Leave(client *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(client, conversationID)
}

func (h *Hub) leaveLocked(client *Client, conversationID string) {
	delete(client.rooms, conversationID)
	if room := h.rooms[conversationID]; room != nil {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, conversationID)
		}
	}
}

func (h *Hub) InRoom(client *Client, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return client.rooms[conversationID]
}

func encode(event string, payload any) ([]byte, error) {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// deliver queues data without blocking. Clients whose buffer is full are
// evicted.
func (h *Hub) deliver(client *Client, data []byte) {
	h.mu.RLock()
	if client.closed {
		h.mu.RUnlock()
		return
	}
	var ok bool
	select {
	case client.send <- data:
		ok = true
	default:
	}
	h.mu.RUnlock()

	if !ok {
		h.logger.Warn("send buffer full, removing client", zap.String("user_id", client.user.ID))
		h.remove(client)
	}
}

// SendToUser delivers an event to every connection of a user.
func (h *Hub) SendToUser(userID, event string, payload any) error {
	data, err := encode(event, payload)
	if err != nil {
		h.logger.Error("failed to marshal message", zap.String("event", event), zap.Error(err))
		return err
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.userMap[userID]))
	for c := range h.userMap[userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, data)
	}
	return nil
}

// SendToConversation delivers an event to every client in the
// conversation's room, except the given one when non-nil.
func (h *Hub) SendToConversation(conversationID, event string, payload any, except *Client) error {
	data, err := encode(event, payload)
	if err != nil {
		h.logger.Error("failed to marshal conversation message", zap.String("event", event), zap.Error(err))
		return err
	}

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[conversationID]))
	for c := range h.rooms[conversationID] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.deliver(c, data)
	}
	return nil
}

// ConnectedUsers reports how many distinct users hold a connection.
func (h *Hub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userMap)
}
