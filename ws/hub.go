package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/akinalp/carecall/models"
	"github.com/akinalp/carecall/signaling"
)

// EventPublisher is the part of the Hub that services depend on.
type EventPublisher interface {
	BroadcastToUser(userID string, event Event)
	IsOnline(userID string) bool
}

// Hub tracks the live connections of every participant. A participant may
// hold several connections (tabs, devices); events for them go to all.
//
// Register and unregister are serialized through channels consumed by Run.
// Broadcasts take the read lock and never block: a client whose send buffer
// is full is dropped.
type Hub struct {
	clients map[string]map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once

	seq atomic.Int64

	policy CallPolicy

	// Callbacks are set before Run and only read afterwards.
	onConnect               func(claims *models.TokenClaims)
	onUserFullyDisconnected func(userID string)
	onSignal                func(senderID string, env signaling.Envelope)
}

// NewHub returns a hub that advertises policy in its ready event.
func NewHub(policy CallPolicy) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		policy:     policy,
	}
}

// OnConnect runs for every new connection, after the token was validated.
func (h *Hub) OnConnect(fn func(claims *models.TokenClaims)) { h.onConnect = fn }

// OnUserFullyDisconnected runs on the Run goroutine when a participant's last
// connection closes. It must not block and must not call back into
// registration.
func (h *Hub) OnUserFullyDisconnected(fn func(userID string)) { h.onUserFullyDisconnected = fn }

// OnSignal receives inbound signal envelopes. It is called on the sender's
// read goroutine, so envelopes from one connection arrive in order; it must
// not block.
func (h *Hub) OnSignal(fn func(senderID string, env signaling.Envelope)) { h.onSignal = fn }

// Run processes registrations until Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			// Runs before any later registration is processed, so a quick
			// reconnect cannot have its new calls ended by the old one.
			if h.removeClient(client) && h.onUserFullyDisconnected != nil {
				h.onUserFullyDisconnected(client.userID)
			}
		case <-h.done:
			return
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.userID]; !ok {
		h.clients[client.userID] = make(map[*Client]bool)
	}
	h.clients[client.userID][client] = true

	log.Debug().Str("component", "ws").Str("user", client.userID).
		Int("connections", len(h.clients[client.userID])).Msg("client connected")
}

// removeClient reports whether client was its user's last connection.
func (h *Hub) removeClient(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.clients[client.userID]
	if !ok {
		return false
	}
	if _, exists := clients[client]; !exists {
		return false
	}
	delete(clients, client)
	close(client.send)

	if len(clients) > 0 {
		log.Debug().Str("component", "ws").Str("user", client.userID).
			Int("remaining", len(clients)).Msg("client disconnected")
		return false
	}

	delete(h.clients, client.userID)
	log.Info().Str("component", "ws").Str("user", client.userID).Msg("user fully disconnected")
	return true
}

// BroadcastToUser sends event to every connection of userID.
func (h *Hub) BroadcastToUser(userID string, event Event) {
	event.Seq = h.seq.Add(1)

	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("component", "ws").Str("op", event.Op).Msg("failed to marshal user event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[userID] {
		select {
		case client.send <- data:
		default:
			go h.drop(client)
		}
	}
}

// IsOnline reports whether userID has at least one connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// GetOnlineUserIDs lists the connected participants.
func (h *Hub) GetOnlineUserIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.clients))
	for userID := range h.clients {
		ids = append(ids, userID)
	}
	return ids
}

// sendTo queues data for c if c is still registered. It reports false when
// the buffer was full and c is being dropped.
func (h *Hub) sendTo(c *Client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.clients[c.userID][c] {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		go h.drop(c)
		return false
	}
}

// add registers c unless the hub is shut down.
func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// drop unregisters a client unless the hub is already shut down.
func (h *Hub) drop(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Shutdown closes every connection and stops Run.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		defer h.mu.Unlock()
		for _, clients := range h.clients {
			for client := range clients {
				close(client.send)
			}
		}
		h.clients = make(map[string]map[*Client]bool)
		log.Info().Str("component", "ws").Msg("hub shut down, all connections closed")
	})
}
