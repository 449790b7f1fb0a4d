package signaling

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallErrorMatching(t *testing.T) {
	cause := errors.New("device busy")
	err := error(&CallError{
		Kind:        ErrMediaBindingFailure,
		SessionID:   "S1",
		Round:       2,
		Side:        SideLocal,
		MessageType: MsgOffer,
		Message:     "create offer",
		Err:         cause,
	})

	assert.ErrorIs(t, err, ErrMediaBindingFailure)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrRemoteError)
	assert.Equal(t, "media binding failure (session=S1 round=2 side=local message=offer): create offer: device busy", err.Error())

	var cerr *CallError
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &cerr))
	assert.Equal(t, "S1", cerr.SessionID)
}

func TestRecoverableAndKindName(t *testing.T) {
	tests := []struct {
		err         error
		recoverable bool
		name        string
	}{
		{&CallError{Kind: ErrStaleMessage}, true, "stale_message"},
		{fmt.Errorf("%w: x", ErrUnknownSession), true, "unknown_session"},
		{&CallError{Kind: ErrUnauthorizedSender}, true, "unauthorized_sender"},
		{fmt.Errorf("%w: x", ErrInvalidEnvelope), true, "invalid_envelope"},
		{&CallError{Kind: ErrNegotiationTimeout}, false, "negotiation_timeout"},
		{&CallError{Kind: ErrConnectivityTimeout}, false, "connectivity_timeout"},
		{&CallError{Kind: ErrSessionConflict}, false, "session_conflict"},
		{&CallError{Kind: ErrTransportFailure}, false, "transport_failure"},
		{errors.New("other"), false, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.recoverable, Recoverable(tt.err), tt.err.Error())
		assert.Equal(t, tt.name, KindName(tt.err), tt.err.Error())
	}
}
