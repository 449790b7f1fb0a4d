// Package ws carries signaling envelopes between participants over WebSocket.
//
// Every frame is an Event:
//
//	{"op": "signal", "d": {...envelope...}, "s": 42}
//
// Client → server ops: heartbeat, signal.
// Server → client ops: ready, heartbeat_ack, signal, signal_error.
package ws

import (
	"encoding/json"

	"github.com/akinalp/carecall/signaling"
)

// Event is one WebSocket frame.
type Event struct {
	Op   string `json:"op"`
	Data any    `json:"d,omitempty"`
	Seq  int64  `json:"s,omitempty"`
}

const (
	OpHeartbeat = "heartbeat" // client sends every 30s
	OpSignal    = "signal"    // d is a signaling envelope, in both directions

	OpReady        = "ready" // first frame after the upgrade
	OpHeartbeatAck = "heartbeat_ack"
	OpSignalError  = "signal_error" // the relay refused an inbound signal
)

// SignalData is the payload of a signal event.
type SignalData = signaling.Envelope

// ReadyData tells a fresh connection who it is and which call policy to apply.
type ReadyData struct {
	ParticipantID string     `json:"participant_id"`
	DisplayName   string     `json:"display_name"`
	Policy        CallPolicy `json:"policy"`
}

// CallPolicy mirrors the relay's call timeouts, in milliseconds.
type CallPolicy struct {
	RingTimeoutMS      int64 `json:"ring_timeout_ms"`
	ConnectTimeoutMS   int64 `json:"connect_timeout_ms"`
	ReconnectTimeoutMS int64 `json:"reconnect_timeout_ms"`
	GracePeriodMS      int64 `json:"grace_period_ms"`
}

// SignalErrorData explains why a signal was not relayed.
// Kind uses the snake_case error kind names (session_conflict, ...) plus
// rate_limited.
type SignalErrorData struct {
	SessionID     string `json:"session_id,omitempty"`
	CallID        string `json:"call_id,omitempty"`
	Type          string `json:"type,omitempty"`
	Kind          string `json:"kind"`
	Message       string `json:"message,omitempty"`
	RetryAfterSec int    `json:"retry_after,omitempty"`
}

// Refusal converts d for signaling.Agent.HandleRefusal.
func (d SignalErrorData) Refusal() signaling.Refusal {
	return signaling.Refusal{
		SessionID: d.SessionID,
		CallID:    d.CallID,
		Type:      signaling.MessageType(d.Type),
		Kind:      d.Kind,
		Message:   d.Message,
	}
}

// RawEvent is an Event whose payload is still undecoded.
type RawEvent struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"d,omitempty"`
	Seq  int64           `json:"s,omitempty"`
}
