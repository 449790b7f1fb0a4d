package signaling

import "context"

// MediaBinding is the platform media/connectivity primitive a Machine drives.
//
// CreateLocalDescription may block while the platform prepares the description;
// the Machine calls it without holding its lock. The callbacks may fire on any
// goroutine, but must not be invoked synchronously from inside
// SetRemoteDescription, AddRemoteCandidate or Close.
//
// Close releases every local track the binding acquired. It must be safe to
// call more than once.
type MediaBinding interface {
	CreateLocalDescription(ctx context.Context, kind SDPType) (Description, error)
	SetRemoteDescription(desc Description) error
	AddRemoteCandidate(c Candidate) error

	OnLocalCandidate(fn func(Candidate))
	OnConnectivityChange(fn func(Connectivity))
	OnRemoteTrack(fn func(RemoteTrack))
	OnNegotiationNeeded(fn func())

	Close() error
}

// MediaFactory acquires local media for a session. It is called by the caller
// when a call starts and by the callee only when the call is accepted.
type MediaFactory func(ctx context.Context, sessionID string, role Role) (MediaBinding, error)

// Transport is the outbound half of the signaling channel. Send must deliver
// envelopes from one sender in the order they were sent.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, env Envelope) error

func (f TransportFunc) Send(ctx context.Context, env Envelope) error { return f(ctx, env) }
