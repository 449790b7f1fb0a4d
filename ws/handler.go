package ws

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/akinalp/carecall/models"
)

// TokenValidator verifies the access token passed as ?token=.
type TokenValidator interface {
	ValidateAccessToken(tokenString string) (*models.TokenClaims, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browsers cannot set headers on a WebSocket handshake, so the token
	// travels in the query string and origin checks are left to CORS.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades authenticated requests on GET /ws.
type Handler struct {
	hub            *Hub
	tokenValidator TokenValidator
}

func NewHandler(hub *Hub, tokenValidator TokenValidator) *Handler {
	return &Handler{
		hub:            hub,
		tokenValidator: tokenValidator,
	}
}

// HandleConnection validates the token, upgrades, sends ready and blocks in
// the read pump until the connection closes.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := h.tokenValidator.ValidateAccessToken(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "ws").Str("user", claims.UserID).Msg("upgrade failed")
		return
	}

	client := &Client{
		hub:    h.hub,
		conn:   conn,
		userID: claims.UserID,
		send:   make(chan []byte, sendBufferSize),
	}

	ready, err := json.Marshal(Event{Op: OpReady, Data: ReadyData{
		ParticipantID: claims.UserID,
		DisplayName:   claims.DisplayName,
		Policy:        h.hub.policy,
	}})
	if err == nil {
		client.send <- ready
	}

	if h.hub.onConnect != nil {
		go h.hub.onConnect(claims)
	}

	if !h.hub.add(client) {
		conn.Close()
		return
	}

	go client.WritePump()
	client.ReadPump()
}
