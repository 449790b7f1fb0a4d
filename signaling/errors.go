package signaling

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. StaleMessage, UnauthorizedSender, InvalidEnvelope and
// UnknownSession are dropped where they are detected and never reach OnError.
var (
	ErrSessionConflict     = errors.New("session conflict")
	ErrStaleMessage        = errors.New("stale message")
	ErrUnauthorizedSender  = errors.New("unauthorized sender")
	ErrNegotiationTimeout  = errors.New("negotiation timeout")
	ErrConnectivityTimeout = errors.New("connectivity timeout")
	ErrRemoteRejected      = errors.New("remote rejected")
	ErrRemoteError         = errors.New("remote error")
	ErrMediaBindingFailure = errors.New("media binding failure")
	ErrTransportFailure    = errors.New("signaling transport failure")

	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrUnknownSession  = errors.New("unknown session")
	ErrInvalidState    = errors.New("invalid state for operation")
)

// Side says where a failure originated.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// CallError carries enough context to explain a failure to a user.
// errors.Is matches both Kind and the wrapped cause.
type CallError struct {
	Kind        error
	SessionID   string
	Round       int
	Side        Side
	MessageType MessageType
	Message     string
	Err         error
}

func (e *CallError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	fmt.Fprintf(&b, " (session=%s round=%d side=%s", e.SessionID, e.Round, e.Side)
	if e.MessageType != "" {
		fmt.Fprintf(&b, " message=%s", e.MessageType)
	}
	b.WriteString(")")
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *CallError) Is(target error) bool { return target == e.Kind }

func (e *CallError) Unwrap() error { return e.Err }

// Recoverable reports whether err is one of the kinds that are dropped
// silently instead of ending a session.
func Recoverable(err error) bool {
	return errors.Is(err, ErrStaleMessage) ||
		errors.Is(err, ErrUnauthorizedSender) ||
		errors.Is(err, ErrInvalidEnvelope) ||
		errors.Is(err, ErrUnknownSession)
}

// KindName returns a stable snake_case name for the error kind in err, or "".
// Used on the wire and as an i18n key.
func KindName(err error) string {
	for _, k := range []struct {
		kind error
		name string
	}{
		{ErrSessionConflict, "session_conflict"},
		{ErrStaleMessage, "stale_message"},
		{ErrUnauthorizedSender, "unauthorized_sender"},
		{ErrNegotiationTimeout, "negotiation_timeout"},
		{ErrConnectivityTimeout, "connectivity_timeout"},
		{ErrRemoteRejected, "remote_rejected"},
		{ErrRemoteError, "remote_error"},
		{ErrMediaBindingFailure, "media_binding_failure"},
		{ErrTransportFailure, "transport_failure"},
		{ErrInvalidEnvelope, "invalid_envelope"},
		{ErrUnknownSession, "unknown_session"},
		{ErrInvalidState, "invalid_state"},
	} {
		if errors.Is(err, k.kind) {
			return k.name
		}
	}
	return ""
}
