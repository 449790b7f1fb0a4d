package signaling

import (
	"fmt"
)

// MessageType enumerates the signaling messages.
type MessageType string

const (
	MsgOffer     MessageType = "offer"
	MsgAnswer    MessageType = "answer"
	MsgCandidate MessageType = "candidate"
	MsgReject    MessageType = "reject"
	MsgHangup    MessageType = "hangup"
	MsgError     MessageType = "error"
)

// Valid reports whether t is one of the six known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MsgOffer, MsgAnswer, MsgCandidate, MsgReject, MsgHangup, MsgError:
		return true
	}
	return false
}

// Envelope is the unit carried by the signaling transport.
//
// CallID identifies one attempt within a session. It is stamped by the caller
// on the offer, echoed by the callee, and lets both sides drop messages left
// over from a superseded or retried attempt that reuses the same SessionID.
// Round numbers negotiation rounds starting at 1; zero means "the current round".
type Envelope struct {
	SessionID   string       `json:"session_id"`
	CallID      string       `json:"call_id,omitempty"`
	Type        MessageType  `json:"type"`
	SenderID    string       `json:"sender_id"`
	TargetID    string       `json:"target_id,omitempty"`
	Round       int          `json:"round,omitempty"`
	Description *Description `json:"description,omitempty"`
	Candidate   *Candidate   `json:"candidate,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// Validate checks the fields required for the envelope's type.
func (e Envelope) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidEnvelope)
	}
	if e.SenderID == "" {
		return fmt.Errorf("%w: missing sender_id", ErrInvalidEnvelope)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, e.Type)
	}
	if e.Round < 0 {
		return fmt.Errorf("%w: negative round", ErrInvalidEnvelope)
	}

	switch e.Type {
	case MsgOffer, MsgAnswer:
		if e.Description == nil || e.Description.SDP == "" {
			return fmt.Errorf("%w: %s without description", ErrInvalidEnvelope, e.Type)
		}
		if e.Description.Type != "" && string(e.Description.Type) != string(e.Type) {
			return fmt.Errorf("%w: %s carries a %s description", ErrInvalidEnvelope, e.Type, e.Description.Type)
		}
	case MsgCandidate:
		if e.Candidate == nil {
			return fmt.Errorf("%w: candidate without payload", ErrInvalidEnvelope)
		}
	case MsgError:
		if e.Message == "" {
			return fmt.Errorf("%w: error without message", ErrInvalidEnvelope)
		}
	}
	return nil
}

// Refusal is the relay's answer to an envelope it would not forward.
// Kind is a KindName value, or a relay-only kind such as rate_limited.
type Refusal struct {
	SessionID string
	CallID    string
	Type      MessageType
	Kind      string
	Message   string
}

// fatal reports whether the refused message leaves the call unable to
// progress. A refused candidate or end message is only dropped.
func (r Refusal) fatal() bool {
	return r.Type == MsgOffer || r.Type == MsgAnswer
}

// kind maps the refusal to the error kind reported for the failed call.
func (r Refusal) kind() error {
	if r.Kind == KindName(ErrSessionConflict) {
		return ErrSessionConflict
	}
	return ErrTransportFailure
}
