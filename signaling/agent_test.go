package signaling

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCallConflict(t *testing.T) {
	h := newHarness(t, "U1")
	ctx := context.Background()

	first, err := h.agent.StartCall(ctx, "S1", "U2")
	require.NoError(t, err)

	_, err = h.agent.StartCall(ctx, "S1", "U2")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionConflict)
	assert.False(t, Recoverable(err))

	assert.Equal(t, StateOffering, first.State(), "the active call is untouched")
	assert.Equal(t, 1, h.media.count())
	assert.Len(t, h.transport.ofType(MsgOffer), 1)
}

func TestStartCallSupersede(t *testing.T) {
	h := newHarness(t, "U1")
	ctx := context.Background()

	old, err := h.agent.StartCall(ctx, "S1", "U2")
	require.NoError(t, err)
	oldBinding := h.media.last()

	next, err := h.agent.StartCall(ctx, "S1", "U2", WithSupersede())
	require.NoError(t, err)
	require.NotEqual(t, old.CallID(), next.CallID())

	assert.Equal(t, StateEnded, old.State())
	assert.Equal(t, EndSuperseded, old.Snapshot().EndReason)
	assert.Equal(t, 1, oldBinding.closeCount())
	assert.Equal(t, StateOffering, next.State())

	hangups := h.transport.ofType(MsgHangup)
	require.Len(t, hangups, 1)
	assert.Equal(t, old.CallID(), hangups[0].CallID)

	live, ok := h.agent.Session("S1")
	require.True(t, ok)
	assert.Same(t, next, live)

	// The superseded attempt's answer must not touch the new one.
	err = h.deliver(answerFrom("U2", "S1", old.CallID(), 1, "old-answer"))
	assert.ErrorIs(t, err, ErrStaleMessage)
	assert.Empty(t, h.media.last().applied())
	assert.Equal(t, StateOffering, next.State())

	require.NoError(t, h.deliver(answerFrom("U2", "S1", next.CallID(), 1, "new-answer")))
	assert.Equal(t, StateAnswered, next.State())
}

func TestCalleeFollowsSupersededAttempt(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	first, err := p.a.agent.StartCall(ctx, "S1", "U2")
	require.NoError(t, err)
	p.pump()

	second, err := p.a.agent.StartCall(ctx, "S1", "U2", WithSupersede())
	require.NoError(t, err)
	p.pump()

	mb, ok := p.b.agent.Session("S1")
	require.True(t, ok)
	assert.Equal(t, second.CallID(), mb.CallID())
	assert.Equal(t, StateRinging, mb.State())
	assert.NotEqual(t, first.CallID(), mb.CallID())
}

func TestWithCallID(t *testing.T) {
	h := newHarness(t, "U1")
	m, err := h.agent.StartCall(context.Background(), "S1", "U2", WithCallID("attempt-7"))
	require.NoError(t, err)
	assert.Equal(t, "attempt-7", m.CallID())
	assert.Equal(t, "attempt-7", h.transport.ofType(MsgOffer)[0].CallID)
}

func TestHandleEnvelopeResolution(t *testing.T) {
	h := newHarness(t, "U2")

	t.Run("only an offer creates a session", func(t *testing.T) {
		err := h.deliver(answerFrom("U1", "S9", "c", 1, "ans"))
		assert.ErrorIs(t, err, ErrUnknownSession)
		err = h.deliver(candidateFrom("U1", "S9", "c", 1, "x"))
		assert.ErrorIs(t, err, ErrUnknownSession)
		_, ok := h.agent.Session("S9")
		assert.False(t, ok)
	})

	t.Run("malformed", func(t *testing.T) {
		err := h.deliver(Envelope{SessionID: "S9", Type: "ping", SenderID: "U1"})
		assert.ErrorIs(t, err, ErrInvalidEnvelope)
	})

	t.Run("misaddressed", func(t *testing.T) {
		env := offerFrom("U1", "S9", "c", 1, "offer")
		env.TargetID = "U3"
		err := h.deliver(env)
		assert.ErrorIs(t, err, ErrInvalidEnvelope)
		_, ok := h.agent.Session("S9")
		assert.False(t, ok)
	})

	t.Run("echo", func(t *testing.T) {
		err := h.deliver(offerFrom("U2", "S9", "c", 1, "offer"))
		assert.ErrorIs(t, err, ErrInvalidEnvelope)
	})

	assert.Zero(t, h.media.count())
	assert.Empty(t, h.failures())
}

func TestDuplicateOfferWhileRinging(t *testing.T) {
	h := newHarness(t, "U2")
	require.NoError(t, h.deliver(offerFrom("U1", "S1", "call-1", 1, "offer")))

	err := h.deliver(offerFrom("U1", "S1", "call-1", 1, "offer"))
	assert.ErrorIs(t, err, ErrStaleMessage)

	m, ok := h.agent.Session("S1")
	require.True(t, ok)
	assert.Equal(t, StateRinging, m.State())
	assert.Equal(t, []State{StateRinging}, h.stateTrail("S1"))
}

func TestOfferFromThirdPartyDuringCall(t *testing.T) {
	h := newHarness(t, "U2")
	require.NoError(t, h.deliver(offerFrom("U1", "S1", "call-1", 1, "offer")))

	err := h.deliver(offerFrom("U3", "S1", "call-9", 1, "offer"))
	assert.ErrorIs(t, err, ErrUnauthorizedSender)
}

func TestLateOfferForEndedAttemptIsStale(t *testing.T) {
	h := newHarness(t, "U2")
	ctx := context.Background()

	require.NoError(t, h.deliver(offerFrom("U1", "S1", "call-1", 1, "offer")))
	require.NoError(t, h.agent.RejectCall(ctx, "S1"))

	err := h.deliver(offerFrom("U1", "S1", "call-1", 1, "offer"))
	assert.ErrorIs(t, err, ErrStaleMessage)
	_, ok := h.agent.Session("S1")
	assert.False(t, ok)

	// A new attempt within the grace period rings again.
	require.NoError(t, h.deliver(offerFrom("U1", "S1", "call-2", 1, "offer")))
	m, ok := h.agent.Session("S1")
	require.True(t, ok)
	assert.Equal(t, "call-2", m.CallID())
}

func TestStaleBecomesUnknownAfterGrace(t *testing.T) {
	h := newHarness(t, "U1")
	ctx := context.Background()

	m, err := h.agent.StartCall(ctx, "S1", "U2")
	require.NoError(t, err)
	require.NoError(t, h.agent.HangUp(ctx, "S1"))

	err = h.deliver(candidateFrom("U2", "S1", m.CallID(), 1, "c"))
	assert.ErrorIs(t, err, ErrStaleMessage)

	h.clock.Advance(testGrace)

	err = h.deliver(candidateFrom("U2", "S1", m.CallID(), 1, "c"))
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.ErrorIs(t, h.agent.HangUp(ctx, "S1"), ErrUnknownSession)
}

func TestHangUpUnknownSession(t *testing.T) {
	h := newHarness(t, "U1")
	assert.ErrorIs(t, h.agent.HangUp(context.Background(), "nope"), ErrUnknownSession)
	assert.ErrorIs(t, h.agent.AcceptCall(context.Background(), "nope"), ErrUnknownSession)
	assert.ErrorIs(t, h.agent.RejectCall(context.Background(), "nope"), ErrUnknownSession)
}

func TestHangUpBeforeAnswerNotifiesCallee(t *testing.T) {
	p := newPair(t)
	ctx := context.Background()

	_, err := p.a.agent.StartCall(ctx, "S1", "U2")
	require.NoError(t, err)
	p.pump()
	mb, _ := p.b.agent.Session("S1")

	require.NoError(t, p.a.agent.HangUp(ctx, "S1"))
	p.pump()

	assert.Equal(t, StateEnded, mb.State())
	assert.Equal(t, EndRemoteHangup, mb.Snapshot().EndReason)
	assert.Zero(t, p.b.media.count())
}

func TestSessionsAndClose(t *testing.T) {
	h := newHarness(t, "U1")
	ctx := context.Background()

	_, err := h.agent.StartCall(ctx, "S2", "U3")
	require.NoError(t, err)
	_, err = h.agent.StartCall(ctx, "S1", "U2")
	require.NoError(t, err)

	sessions := h.agent.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "S1", sessions[0].SessionID)
	assert.Equal(t, "S2", sessions[1].SessionID)
	assert.Equal(t, "U3", sessions[1].CalleeID)

	require.NoError(t, h.agent.Close(ctx))
	assert.Empty(t, h.agent.Sessions())
	assert.Len(t, h.transport.ofType(MsgHangup), 2)
	for _, b := range h.media.bindings {
		assert.Equal(t, 1, b.closeCount())
	}
}

func TestHookMayHangUp(t *testing.T) {
	h := newHarness(t, "U1")
	ctx := context.Background()

	h.agent.OnStateChanged(func(c StateChange) {
		if c.To == StateAnswered {
			require.NoError(t, h.agent.HangUp(ctx, c.SessionID))
		}
	})

	m, err := h.agent.StartCall(ctx, "S1", "U2")
	require.NoError(t, err)
	require.NoError(t, h.deliver(answerFrom("U2", "S1", m.CallID(), 1, "ans")))

	assert.Equal(t, StateEnded, m.State())
	assert.Equal(t, []State{StateOffering, StateAnswered, StateEnded}, h.stateTrail("S1"))
}

func TestNewAgentValidation(t *testing.T) {
	_, err := NewAgent(AgentParams{Transport: &recordingTransport{}, Media: (&fakeMedia{}).factory})
	assert.Error(t, err)
	_, err = NewAgent(AgentParams{ParticipantID: "U1"})
	assert.Error(t, err)
}

func TestHandleRefusal(t *testing.T) {
	ctx := context.Background()

	t.Run("conflicting offer fails the call", func(t *testing.T) {
		h := newHarness(t, "U3")
		m, err := h.agent.StartCall(ctx, "S1", "U2")
		require.NoError(t, err)
		binding := h.media.last()

		err = h.agent.HandleRefusal(ctx, Refusal{
			SessionID: "S1",
			CallID:    m.CallID(),
			Type:      MsgOffer,
			Kind:      "session_conflict",
			Message:   "a call is already active for this session",
		})
		assert.ErrorIs(t, err, ErrSessionConflict)

		assert.Equal(t, StateFailed, m.State())
		assert.Equal(t, EndError, m.Snapshot().EndReason)
		assert.Equal(t, 1, binding.closeCount())
		require.Len(t, h.failures(), 1)
		assert.ErrorIs(t, h.failures()[0], ErrSessionConflict)
		assert.Equal(t, MsgOffer, h.failures()[0].MessageType)

		assert.Len(t, h.transport.all(), 1, "only the refused offer went out")
		_, ok := h.agent.Session("S1")
		assert.False(t, ok)
	})

	t.Run("refused answer is a transport failure", func(t *testing.T) {
		h := newHarness(t, "U2")
		require.NoError(t, h.deliver(offerFrom("U1", "S1", "c1", 1, "offer")))
		require.NoError(t, h.agent.AcceptCall(ctx, "S1"))

		err := h.agent.HandleRefusal(ctx, Refusal{SessionID: "S1", CallID: "c1", Type: MsgAnswer, Kind: "unknown_session"})
		assert.ErrorIs(t, err, ErrTransportFailure)
		require.Len(t, h.failures(), 1)
		assert.ErrorIs(t, h.failures()[0], ErrTransportFailure)
	})

	t.Run("refused candidate is dropped", func(t *testing.T) {
		h := newHarness(t, "U1")
		m, err := h.agent.StartCall(ctx, "S1", "U2")
		require.NoError(t, err)

		err = h.agent.HandleRefusal(ctx, Refusal{SessionID: "S1", CallID: m.CallID(), Type: MsgCandidate, Kind: "rate_limited"})
		assert.NoError(t, err)
		assert.Equal(t, StateOffering, m.State())
		assert.Empty(t, h.failures())
	})

	t.Run("refusal for an older attempt is stale", func(t *testing.T) {
		h := newHarness(t, "U1")
		m, err := h.agent.StartCall(ctx, "S1", "U2")
		require.NoError(t, err)

		err = h.agent.HandleRefusal(ctx, Refusal{SessionID: "S1", CallID: "old", Type: MsgOffer, Kind: "session_conflict"})
		assert.ErrorIs(t, err, ErrStaleMessage)
		assert.Equal(t, StateOffering, m.State())
	})

	t.Run("no live call", func(t *testing.T) {
		h := newHarness(t, "U1")
		err := h.agent.HandleRefusal(ctx, Refusal{SessionID: "S9", Type: MsgHangup, Kind: "unknown_session"})
		assert.ErrorIs(t, err, ErrUnknownSession)
	})
}
