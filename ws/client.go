package ws

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/akinalp/carecall/signaling"
)

const (
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a heartbeat. Clients send one
	// every 30s, so three can be lost before the connection is closed.
	pongWait = 90 * time.Second

	// maxMessageSize fits an SDP offer with audio, video and a few dozen
	// candidates lines.
	maxMessageSize = 64 * 1024

	sendBufferSize = 256
)

// Client is one WebSocket connection. ReadPump and WritePump each run on
// their own goroutine; only WritePump writes to conn.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

// ReadPump reads frames until the connection fails or closes, then
// unregisters the client. Signals are dispatched synchronously so the relay
// sees one sender's envelopes in the order they were written.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Warn().Err(err).Str("component", "ws").Str("user", c.userID).Msg("failed to set read deadline")
		return
	}

	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("component", "ws").Str("user", c.userID).Msg("unexpected close")
			}
			return
		}

		var event RawEvent
		if err := json.Unmarshal(rawMessage, &event); err != nil {
			log.Debug().Err(err).Str("component", "ws").Str("user", c.userID).Msg("invalid frame")
			continue
		}

		if !c.handleEvent(event) {
			return
		}
	}
}

// handleEvent returns false when the connection should be closed.
func (c *Client) handleEvent(event RawEvent) bool {
	switch event.Op {
	case OpHeartbeat:
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			log.Warn().Err(err).Str("component", "ws").Str("user", c.userID).Msg("failed to set read deadline")
			return false
		}
		c.sendEvent(Event{Op: OpHeartbeatAck})

	case OpSignal:
		c.handleSignal(event)

	default:
		log.Debug().Str("component", "ws").Str("user", c.userID).Str("op", event.Op).Msg("unknown op")
	}
	return true
}

func (c *Client) handleSignal(event RawEvent) {
	var env signaling.Envelope
	if err := json.Unmarshal(event.Data, &env); err != nil {
		c.sendEvent(Event{Op: OpSignalError, Data: SignalErrorData{
			Kind:    signaling.KindName(signaling.ErrInvalidEnvelope),
			Message: "malformed signal payload",
		}})
		return
	}

	if c.hub.onSignal != nil {
		c.hub.onSignal(c.userID, env)
	}
}

func (c *Client) sendEvent(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("component", "ws").Str("user", c.userID).Msg("failed to marshal event")
		return
	}

	if !c.hub.sendTo(c, data) {
		log.Warn().Str("component", "ws").Str("user", c.userID).Msg("send buffer full, dropping connection")
	}
}

// WritePump drains send until the hub closes it.
func (c *Client) WritePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.writeMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = c.writeMessage(websocket.CloseMessage, nil)
}

func (c *Client) writeMessage(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}
