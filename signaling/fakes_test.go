package signaling

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akinalp/carecall/pkg/clock"
)

// ─── Media binding fake ───

type fakeBinding struct {
	mu           sync.Mutex
	ops          []string
	created      int
	closed       int
	createErr    error
	remoteErr    error
	duringCreate func(b *fakeBinding)

	onCandidate func(Candidate)
	onConn      func(Connectivity)
	onTrack     func(RemoteTrack)
	onNeg       func()
}

func (b *fakeBinding) CreateLocalDescription(_ context.Context, kind SDPType) (Description, error) {
	b.mu.Lock()
	b.created++
	n := b.created
	b.ops = append(b.ops, "create:"+string(kind))
	hook, err := b.duringCreate, b.createErr
	b.mu.Unlock()

	if hook != nil {
		hook(b)
	}
	if err != nil {
		return Description{}, err
	}
	return Description{Type: kind, SDP: fmt.Sprintf("%s-%d", kind, n)}, nil
}

func (b *fakeBinding) SetRemoteDescription(d Description) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remoteErr != nil {
		return b.remoteErr
	}
	b.ops = append(b.ops, "remote:"+d.SDP)
	return nil
}

func (b *fakeBinding) AddRemoteCandidate(c Candidate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, "cand:"+c.Candidate)
	return nil
}

func (b *fakeBinding) OnLocalCandidate(fn func(Candidate)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onCandidate = fn
}

func (b *fakeBinding) OnConnectivityChange(fn func(Connectivity)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConn = fn
}

func (b *fakeBinding) OnRemoteTrack(fn func(RemoteTrack)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrack = fn
}

func (b *fakeBinding) OnNegotiationNeeded(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onNeg = fn
}

func (b *fakeBinding) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

func (b *fakeBinding) emitCandidate(s string) {
	b.mu.Lock()
	fn := b.onCandidate
	b.mu.Unlock()
	fn(Candidate{Candidate: s})
}

func (b *fakeBinding) connectivity(c Connectivity) {
	b.mu.Lock()
	fn := b.onConn
	b.mu.Unlock()
	fn(c)
}

func (b *fakeBinding) track(id string) {
	b.mu.Lock()
	fn := b.onTrack
	b.mu.Unlock()
	fn(RemoteTrack{ID: id, Kind: "video"})
}

func (b *fakeBinding) needNegotiation() {
	b.mu.Lock()
	fn := b.onNeg
	b.mu.Unlock()
	fn()
}

func (b *fakeBinding) operations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ops...)
}

// applied drops the create:* entries so tests can compare
// what reached the binding from the counterpart.
func (b *fakeBinding) applied() []string {
	var out []string
	for _, op := range b.operations() {
		if !strings.HasPrefix(op, "create:") {
			out = append(out, op)
		}
	}
	return out
}

func (b *fakeBinding) closeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type fakeMedia struct {
	mu       sync.Mutex
	bindings []*fakeBinding
	err      error
	prepare  func(*fakeBinding)
}

func (f *fakeMedia) factory(_ context.Context, _ string, _ Role) (MediaBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	b := &fakeBinding{}
	if f.prepare != nil {
		f.prepare(b)
	}
	f.bindings = append(f.bindings, b)
	return b, nil
}

func (f *fakeMedia) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bindings)
}

func (f *fakeMedia) last() *fakeBinding {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.bindings) == 0 {
		return nil
	}
	return f.bindings[len(f.bindings)-1]
}

// ─── Transport fake ───

type recordingTransport struct {
	mu      sync.Mutex
	sent    []Envelope
	pending []Envelope
	err     error
}

func (t *recordingTransport) Send(_ context.Context, env Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, env)
	t.pending = append(t.pending, env)
	return nil
}

func (t *recordingTransport) all() []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Envelope(nil), t.sent...)
}

func (t *recordingTransport) ofType(mt MessageType) []Envelope {
	var out []Envelope
	for _, env := range t.all() {
		if env.Type == mt {
			out = append(out, env)
		}
	}
	return out
}

// take returns envelopes not yet delivered to the counterpart.
func (t *recordingTransport) take() []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.pending
	t.pending = nil
	return out
}

// ─── Harness ───

const (
	testRing      = 30 * time.Second
	testConnect   = 20 * time.Second
	testReconnect = 10 * time.Second
	testGrace     = time.Minute
)

type harness struct {
	t         *testing.T
	self      string
	clock     *clock.FakeClock
	transport *recordingTransport
	media     *fakeMedia
	agent     *Agent

	mu     sync.Mutex
	states []StateChange
	errs   []*CallError
	tracks []TrackEvent
}

func newHarness(t *testing.T, self string) *harness {
	t.Helper()

	h := &harness{
		t:         t,
		self:      self,
		clock:     clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
		transport: &recordingTransport{},
		media:     &fakeMedia{},
	}
	agent, err := NewAgent(AgentParams{
		ParticipantID: self,
		Transport:     h.transport,
		Media:         h.media.factory,
		Config: Config{
			RingTimeout:      testRing,
			ConnectTimeout:   testConnect,
			ReconnectTimeout: testReconnect,
			GracePeriod:      testGrace,
			Clock:            h.clock,
		},
	})
	require.NoError(t, err)
	h.agent = agent

	agent.OnStateChanged(func(c StateChange) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.states = append(h.states, c)
	})
	agent.OnError(func(e *CallError) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.errs = append(h.errs, e)
	})
	agent.OnRemoteTrack(func(e TrackEvent) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.tracks = append(h.tracks, e)
	})
	return h
}

func (h *harness) stateTrail(sessionID string) []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []State
	for _, c := range h.states {
		if c.SessionID == sessionID && c.From != c.To {
			out = append(out, c.To)
		}
	}
	return out
}

func (h *harness) failures() []*CallError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*CallError(nil), h.errs...)
}

// deliver hands an envelope from another participant to the agent.
func (h *harness) deliver(env Envelope) error {
	if env.TargetID == "" {
		env.TargetID = h.self
	}
	return h.agent.HandleEnvelope(context.Background(), env)
}

func candidateFrom(sender, sessionID, callID string, round int, value string) Envelope {
	return Envelope{
		SessionID: sessionID,
		CallID:    callID,
		Type:      MsgCandidate,
		SenderID:  sender,
		Round:     round,
		Candidate: &Candidate{Candidate: value},
	}
}

func answerFrom(sender, sessionID, callID string, round int, sdp string) Envelope {
	return Envelope{
		SessionID:   sessionID,
		CallID:      callID,
		Type:        MsgAnswer,
		SenderID:    sender,
		Round:       round,
		Description: &Description{Type: SDPAnswer, SDP: sdp},
	}
}

func offerFrom(sender, sessionID, callID string, round int, sdp string) Envelope {
	return Envelope{
		SessionID:   sessionID,
		CallID:      callID,
		Type:        MsgOffer,
		SenderID:    sender,
		Round:       round,
		Description: &Description{Type: SDPOffer, SDP: sdp},
	}
}

// pair wires two harnesses back to back; pump delivers queued envelopes
// in both directions until both queues are empty.
type pair struct {
	a, b *harness
}

func newPair(t *testing.T) *pair {
	return &pair{a: newHarness(t, "U1"), b: newHarness(t, "U2")}
}

func (p *pair) pump() {
	for {
		fromA := p.a.transport.take()
		fromB := p.b.transport.take()
		if len(fromA) == 0 && len(fromB) == 0 {
			return
		}
		for _, env := range fromA {
			_ = p.b.agent.HandleEnvelope(context.Background(), env)
		}
		for _, env := range fromB {
			_ = p.a.agent.HandleEnvelope(context.Background(), env)
		}
	}
}

// connect runs a full call setup for session and returns both machines.
func (p *pair) connect(t *testing.T, sessionID string) (*Machine, *Machine) {
	t.Helper()
	ctx := context.Background()

	ma, err := p.a.agent.StartCall(ctx, sessionID, "U2")
	require.NoError(t, err)
	p.pump()

	mb, ok := p.b.agent.Session(sessionID)
	require.True(t, ok)
	require.NoError(t, p.b.agent.AcceptCall(ctx, sessionID))
	p.pump()

	p.a.media.last().connectivity(ConnectivityConnected)
	p.b.media.last().connectivity(ConnectivityConnected)
	require.Equal(t, StateConnected, ma.State())
	require.Equal(t, StateConnected, mb.State())
	return ma, mb
}
