// Package signaling is the call negotiation core: one Machine per call attempt,
// parameterized by role, driven by signaling envelopes on one side and by a
// MediaBinding on the other.
//
// Flow (caller):
//  1. Agent.StartCall → Registry.TryCreate → MediaFactory → offer → Transport
//  2. answer arrives → remote description set → buffered candidates drained
//  3. MediaBinding reports connectivity → Connecting → Connected
//  4. hangup / reject / error / timeout → Ended or Failed, binding closed
//
// Flow (callee):
//  1. offer arrives for an unknown session → Machine in Ringing (no media yet)
//  2. Agent.AcceptCall → MediaFactory → remote offer applied → answer → Transport
//  3. or Agent.RejectCall → reject → Ended/rejected, media never acquired
//
// Candidates that arrive before their round's remote description are buffered
// and drained in arrival order the moment the description is applied.
package signaling

import (
	"time"
)

// Role is fixed for the lifetime of a session.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// State is the negotiation state of one call attempt.
type State string

const (
	StateIdle       State = "idle"
	StateOffering   State = "offering"
	StateRinging    State = "ringing"
	StateAnswered   State = "answered"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Active reports whether the state counts toward the one-active-session rule.
func (s State) Active() bool {
	return s != StateIdle && !s.Terminal()
}

// EndReason is recorded exactly once, when a session reaches a terminal state.
type EndReason string

const (
	EndLocalHangup  EndReason = "local-hangup"
	EndRemoteHangup EndReason = "remote-hangup"
	EndRejected     EndReason = "rejected"
	EndError        EndReason = "error"
	EndSuperseded   EndReason = "superseded"
)

// SDPType says which half of a round a description is.
type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// Description is an opaque negotiation description. The JSON shape matches
// RTCSessionDescriptionInit so browser peers can exchange it unchanged.
type Description struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Candidate is an opaque connectivity candidate, shaped like RTCIceCandidateInit.
// An empty Candidate string marks end-of-candidates.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Connectivity is what a MediaBinding reports about its transport.
type Connectivity string

const (
	ConnectivityNew          Connectivity = "new"
	ConnectivityConnecting   Connectivity = "connecting"
	ConnectivityConnected    Connectivity = "connected"
	ConnectivityDisconnected Connectivity = "disconnected"
	ConnectivityFailed       Connectivity = "failed"
	ConnectivityClosed       Connectivity = "closed"
)

// RemoteTrack describes a media track received from the counterpart.
// Native carries the binding-specific handle (for example *webrtc.TrackRemote).
type RemoteTrack struct {
	ID       string
	StreamID string
	Kind     string
	Native   any
}

// CallSession is a point-in-time view of one call attempt.
type CallSession struct {
	SessionID         string
	CallID            string
	CallerID          string
	CalleeID          string
	Role              Role
	State             State
	Round             int
	Renegotiating     bool
	Degraded          bool
	LocalDescription  *Description
	RemoteDescription *Description
	PendingCandidates int
	CreatedAt         time.Time
	EndedAt           time.Time
	EndReason         EndReason
	Err               *CallError
}

// StateChange is delivered to OnStateChanged subscribers. From == To with
// Degraded toggled reports a connectivity regression or its recovery.
type StateChange struct {
	SessionID string
	Role      Role
	From      State
	To        State
	Round     int
	Degraded  bool
	EndReason EndReason
}

// TrackEvent is delivered to OnRemoteTrack subscribers.
type TrackEvent struct {
	SessionID string
	Track     RemoteTrack
}
