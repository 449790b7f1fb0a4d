package signaling

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeValidate(t *testing.T) {
	desc := &Description{Type: SDPOffer, SDP: "v=0"}

	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{"offer", Envelope{SessionID: "S1", Type: MsgOffer, SenderID: "U1", Description: desc}, false},
		{"offer without sdp", Envelope{SessionID: "S1", Type: MsgOffer, SenderID: "U1", Description: &Description{Type: SDPOffer}}, true},
		{"offer carrying answer", Envelope{SessionID: "S1", Type: MsgOffer, SenderID: "U1", Description: &Description{Type: SDPAnswer, SDP: "v=0"}}, true},
		{"answer with untyped description", Envelope{SessionID: "S1", Type: MsgAnswer, SenderID: "U2", Description: &Description{SDP: "v=0"}}, false},
		{"answer without description", Envelope{SessionID: "S1", Type: MsgAnswer, SenderID: "U2"}, true},
		{"candidate", Envelope{SessionID: "S1", Type: MsgCandidate, SenderID: "U2", Candidate: &Candidate{Candidate: "candidate:1"}}, false},
		{"candidate without payload", Envelope{SessionID: "S1", Type: MsgCandidate, SenderID: "U2"}, true},
		{"hangup", Envelope{SessionID: "S1", Type: MsgHangup, SenderID: "U2"}, false},
		{"reject", Envelope{SessionID: "S1", Type: MsgReject, SenderID: "U2"}, false},
		{"error with message", Envelope{SessionID: "S1", Type: MsgError, SenderID: "U2", Message: "boom"}, false},
		{"error without message", Envelope{SessionID: "S1", Type: MsgError, SenderID: "U2"}, true},
		{"missing session", Envelope{Type: MsgHangup, SenderID: "U2"}, true},
		{"missing sender", Envelope{SessionID: "S1", Type: MsgHangup}, true},
		{"unknown type", Envelope{SessionID: "S1", Type: "bye", SenderID: "U2"}, true},
		{"negative round", Envelope{SessionID: "S1", Type: MsgHangup, SenderID: "U2", Round: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEnvelope)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEnvelopeWireFormat(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	env := Envelope{
		SessionID: "S1",
		CallID:    "call-1",
		Type:      MsgCandidate,
		SenderID:  "U2",
		Round:     1,
		Candidate: &Candidate{Candidate: "candidate:1 1 udp 2122260223 10.0.0.2 54321 typ host", SDPMid: &mid, SDPMLineIndex: &idx},
	}

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "S1", fields["session_id"])
	assert.Equal(t, "candidate", fields["type"])
	assert.NotContains(t, fields, "target_id")
	assert.NotContains(t, fields, "description")

	cand, ok := fields["candidate"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "0", cand["sdpMid"])
	assert.EqualValues(t, 0, cand["sdpMLineIndex"])
}
