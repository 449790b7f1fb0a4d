package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/akinalp/carecall/pkg/clock"
)

// Hooks receive machine notifications. StateChanged, RemoteTrack and Error
// calls are serialized per machine and never made while the machine's lock
// is held, so a hook may call back into the machine (for example HangUp).
type Hooks struct {
	OnStateChanged func(StateChange)
	OnRemoteTrack  func(TrackEvent)
	OnError        func(*CallError)

	// OnTerminal runs synchronously on the goroutine that ended the call,
	// after media was released and the registry updated.
	OnTerminal func(*Machine)
}

// MachineParams are fixed for the lifetime of a Machine.
type MachineParams struct {
	SessionID string
	// CallID identifies the attempt. Callers get a fresh one when empty;
	// callees adopt the id carried by the offer.
	CallID        string
	Role          Role
	ParticipantID string
	CounterpartID string

	Transport Transport
	Media     MediaFactory
	Registry  Registry
	Config    Config
	Hooks     Hooks
}

type timerPhase int

const (
	phaseNone timerPhase = iota
	phaseRinging
	phaseConnect
	phaseReconnect
)

func (p timerPhase) String() string {
	switch p {
	case phaseRinging:
		return "ringing"
	case phaseConnect:
		return "connect"
	case phaseReconnect:
		return "reconnect"
	}
	return "none"
}

type notification struct {
	change *StateChange
	track  *TrackEvent
	err    *CallError
}

// effects are side effects computed under the lock and run after it is released.
type effects struct {
	sends    []Envelope
	close    MediaBinding
	terminal bool
	reason   EndReason
}

// Machine drives one call attempt for one participant.
type Machine struct {
	sessionID string
	callID    string
	role      Role
	self      string
	peer      string

	transport Transport
	media     MediaFactory
	registry  Registry
	cfg       Config
	hooks     Hooks
	log       zerolog.Logger

	// ctx scopes sends triggered by callbacks and timers; cancelled at terminal.
	ctx    context.Context
	cancel context.CancelFunc

	// sendMu keeps per-sender order on the transport. Never acquired with mu held.
	sendMu sync.Mutex

	mu        sync.Mutex
	state     State
	binding   MediaBinding
	createdAt time.Time
	endedAt   time.Time
	reason    EndReason
	failure   *CallError

	// Negotiation round bookkeeping. gen changes whenever a round starts,
	// so a suspended local operation can tell it has been overtaken.
	round              int
	gen                uint64
	offerer            bool
	remoteSet          bool
	localSent          bool
	announced          bool
	renegotiating      bool
	negotiationPending bool
	accepting          bool

	incomingOffer *Description
	localDesc     *Description
	remoteDesc    *Description
	pending       candidateBuffer
	outbound      []bufferedCandidate

	lastConnectivity Connectivity
	degraded         bool

	timer    *clock.Timer
	phase    timerPhase
	timerSeq uint64
	// renegTimer bounds an offered renegotiation round. It runs beside the
	// reconnect timer, so it has its own slot.
	renegTimer *clock.Timer

	outbox   []notification
	draining bool
}

// NewMachine validates params and returns a Machine in Idle.
func NewMachine(p MachineParams) (*Machine, error) {
	switch {
	case p.SessionID == "":
		return nil, errors.New("signaling: session id is required")
	case p.Role != RoleCaller && p.Role != RoleCallee:
		return nil, fmt.Errorf("signaling: unknown role %q", p.Role)
	case p.ParticipantID == "" || p.CounterpartID == "":
		return nil, errors.New("signaling: participant and counterpart ids are required")
	case p.ParticipantID == p.CounterpartID:
		return nil, errors.New("signaling: cannot call yourself")
	case p.Transport == nil || p.Media == nil || p.Registry == nil:
		return nil, errors.New("signaling: transport, media factory and registry are required")
	}

	if p.CallID == "" && p.Role == RoleCaller {
		p.CallID = uuid.NewString()
	}
	cfg := p.Config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Machine{
		sessionID: p.SessionID,
		callID:    p.CallID,
		role:      p.Role,
		self:      p.ParticipantID,
		peer:      p.CounterpartID,
		transport: p.Transport,
		media:     p.Media,
		registry:  p.Registry,
		cfg:       cfg,
		hooks:     p.Hooks,
		log: cfg.Logger.With().
			Str("component", "signaling").
			Str("session", p.SessionID).
			Str("role", string(p.Role)).
			Logger(),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		createdAt: cfg.Clock.Now(),
	}, nil
}

func (m *Machine) SessionID() string     { return m.sessionID }
func (m *Machine) CallID() string        { return m.callID }
func (m *Machine) Role() Role            { return m.role }
func (m *Machine) ParticipantID() string { return m.self }
func (m *Machine) CounterpartID() string { return m.peer }

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns a copy of the session as seen by this participant.
func (m *Machine) Snapshot() CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := CallSession{
		SessionID:         m.sessionID,
		CallID:            m.callID,
		Role:              m.role,
		State:             m.state,
		Round:             m.round,
		Renegotiating:     m.renegotiating,
		Degraded:          m.degraded,
		PendingCandidates: m.pending.len(),
		CreatedAt:         m.createdAt,
		EndedAt:           m.endedAt,
		EndReason:         m.reason,
		Err:               m.failure,
	}
	s.CallerID, s.CalleeID = m.self, m.peer
	if m.role == RoleCallee {
		s.CallerID, s.CalleeID = m.peer, m.self
	}
	if m.localDesc != nil {
		d := *m.localDesc
		s.LocalDescription = &d
	}
	if m.remoteDesc != nil {
		d := *m.remoteDesc
		s.RemoteDescription = &d
	}
	return s
}

// ─── Local actions ───

// Start places the call: Idle → Offering. It registers the session, acquires
// local media and sends the offer.
func (m *Machine) Start(ctx context.Context) error {
	if m.role != RoleCaller {
		return fmt.Errorf("%w: only the caller starts a call", ErrInvalidState)
	}

	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: start in %s", ErrInvalidState, state)
	}
	m.mu.Unlock()

	if err := m.registry.TryCreate(Registration{
		SessionID: m.sessionID,
		CallID:    m.callID,
		CallerID:  m.self,
		CalleeID:  m.peer,
		CreatedAt: m.createdAt,
	}); err != nil {
		return err
	}

	binding, err := m.media(ctx, m.sessionID, m.role)
	if err != nil {
		return m.failLocal(ctx, ErrMediaBindingFailure, "", "acquire local media", err)
	}

	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		_ = binding.Close()
		return m.endedErr()
	}
	m.attachLocked(binding)
	m.beginRoundLocked(1, true)
	m.setStateLocked(StateOffering)
	m.startTimerLocked(phaseRinging, m.cfg.RingTimeout)
	gen := m.gen
	m.mu.Unlock()
	m.drainOutbox()

	desc, err := binding.CreateLocalDescription(ctx, SDPOffer)
	if err != nil {
		return m.failLocal(ctx, ErrMediaBindingFailure, "", "create offer", err)
	}

	m.mu.Lock()
	if m.state.Terminal() || m.gen != gen {
		m.mu.Unlock()
		return m.endedErr()
	}
	m.localDesc = &desc
	m.mu.Unlock()

	if err := m.sendDescription(ctx, MsgOffer, 1, gen, desc); err != nil {
		return m.failLocal(ctx, ErrTransportFailure, MsgOffer, "send offer", err)
	}
	return nil
}

// Accept answers a ringing call: Ringing → Answered. Local media is acquired here.
func (m *Machine) Accept(ctx context.Context) error {
	if m.role != RoleCallee {
		return fmt.Errorf("%w: only the callee accepts", ErrInvalidState)
	}

	m.mu.Lock()
	if m.state != StateRinging || m.accepting {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: accept in %s", ErrInvalidState, state)
	}
	m.accepting = true
	m.startTimerLocked(phaseConnect, m.cfg.ConnectTimeout)
	offer := *m.incomingOffer
	round, gen := m.round, m.gen
	m.mu.Unlock()

	binding, err := m.media(ctx, m.sessionID, m.role)
	if err != nil {
		return m.failLocal(ctx, ErrMediaBindingFailure, "", "acquire local media", err)
	}

	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		_ = binding.Close()
		return m.endedErr()
	}
	m.attachLocked(binding)
	if err := binding.SetRemoteDescription(offer); err != nil {
		m.mu.Unlock()
		return m.failLocal(ctx, ErrMediaBindingFailure, MsgOffer, "apply remote offer", err)
	}
	m.remoteDesc = &offer
	m.remoteSet = true
	m.incomingOffer = nil
	m.drainLocked(round)
	m.mu.Unlock()

	answer, err := binding.CreateLocalDescription(ctx, SDPAnswer)
	if err != nil {
		return m.failLocal(ctx, ErrMediaBindingFailure, MsgOffer, "create answer", err)
	}

	m.mu.Lock()
	if m.state.Terminal() || m.gen != gen {
		m.mu.Unlock()
		return m.endedErr()
	}
	m.localDesc = &answer
	m.enterAnsweredLocked()
	m.mu.Unlock()
	m.drainOutbox()

	if err := m.sendDescription(ctx, MsgAnswer, round, gen, answer); err != nil {
		return m.failLocal(ctx, ErrTransportFailure, MsgAnswer, "send answer", err)
	}
	return nil
}

// Reject declines a ringing call: Ringing → Ended/rejected. No media is acquired.
// Rejecting a call that already ended is a no-op.
func (m *Machine) Reject(ctx context.Context) error {
	if m.role != RoleCallee {
		return fmt.Errorf("%w: only the callee rejects", ErrInvalidState)
	}

	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return nil
	}
	if m.state != StateRinging || m.accepting {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: reject in %s", ErrInvalidState, state)
	}
	ef := m.finishLocked(StateEnded, EndRejected, nil)
	ef.sends = append(ef.sends, m.envelopeLocked(MsgReject))
	m.mu.Unlock()

	m.after(ctx, ef)
	return nil
}

// HangUp ends the call locally. A second HangUp is a no-op.
func (m *Machine) HangUp(ctx context.Context) error {
	return m.endLocally(ctx, EndLocalHangup)
}

// Supersede ends the call because a new attempt for the same session replaces it.
func (m *Machine) Supersede(ctx context.Context) error {
	return m.endLocally(ctx, EndSuperseded)
}

func (m *Machine) endLocally(ctx context.Context, reason EndReason) error {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return nil
	}
	announced := m.announced
	ef := m.finishLocked(StateEnded, reason, nil)
	if announced {
		ef.sends = append(ef.sends, m.envelopeLocked(MsgHangup))
	}
	m.mu.Unlock()

	m.after(ctx, ef)
	return nil
}

// Renegotiate starts a new offer/answer round on a connected call. Requests
// made while a round is in flight, or before Connected, are queued and run
// once the call is connected and idle.
func (m *Machine) Renegotiate(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return nil
	}
	if m.state != StateConnected || m.renegotiating {
		if m.state.Active() {
			m.negotiationPending = true
		}
		m.mu.Unlock()
		return nil
	}
	m.beginRoundLocked(m.round+1, true)
	m.renegotiating = true
	m.startRenegotiationTimerLocked()
	round, gen, binding := m.round, m.gen, m.binding
	m.mu.Unlock()

	m.log.Debug().Int("round", round).Msg("renegotiating")

	desc, err := binding.CreateLocalDescription(ctx, SDPOffer)

	m.mu.Lock()
	overtaken := m.state.Terminal() || m.gen != gen
	if err == nil && !overtaken {
		m.localDesc = &desc
	}
	m.mu.Unlock()

	if overtaken {
		// A remote offer won the round or the call ended meanwhile.
		return nil
	}
	if err != nil {
		return m.failLocal(ctx, ErrMediaBindingFailure, "", "create renegotiation offer", err)
	}
	if err := m.sendDescription(ctx, MsgOffer, round, gen, desc); err != nil {
		return m.failLocal(ctx, ErrTransportFailure, MsgOffer, "send renegotiation offer", err)
	}
	return nil
}

// ─── Inbound messages ───

// Handle applies one inbound envelope. The envelope must already be addressed
// to this session. Recoverable errors (stale, unauthorized) mean the message
// was dropped; they never change state.
func (m *Machine) Handle(ctx context.Context, env Envelope) error {
	if env.SenderID != m.peer {
		err := &CallError{
			Kind:        ErrUnauthorizedSender,
			SessionID:   m.sessionID,
			Side:        SideRemote,
			MessageType: env.Type,
			Message:     fmt.Sprintf("sender %q is not the counterpart", env.SenderID),
		}
		m.log.Warn().Str("sender", env.SenderID).Str("type", string(env.Type)).Msg("dropping message from unexpected sender")
		return err
	}
	if env.CallID != "" && m.callID != "" && env.CallID != m.callID {
		return m.stale(env, "message belongs to another call attempt")
	}

	switch env.Type {
	case MsgOffer:
		m.mu.Lock()
		idle := m.state == StateIdle
		m.mu.Unlock()
		if idle {
			return m.ring(env)
		}
		return m.handleOffer(ctx, env)
	case MsgAnswer:
		return m.handleAnswer(ctx, env)
	case MsgCandidate:
		return m.handleCandidate(env)
	case MsgReject:
		if m.role != RoleCaller {
			return m.stale(env, "reject received by callee")
		}
		return m.handleRemoteEnd(ctx, env, StateFailed, EndRejected, ErrRemoteRejected)
	case MsgHangup:
		return m.handleRemoteEnd(ctx, env, StateEnded, EndRemoteHangup, nil)
	case MsgError:
		return m.handleRemoteEnd(ctx, env, StateFailed, EndError, ErrRemoteError)
	}
	return fmt.Errorf("%w: unknown type %q", ErrInvalidEnvelope, env.Type)
}

// Refused ends the call as Failed when the relay refused its offer or answer.
// The counterpart never saw the refused message, so nothing is sent to it.
func (m *Machine) Refused(ctx context.Context, r Refusal) error {
	if r.CallID != "" && m.callID != "" && r.CallID != m.callID {
		return m.stale(Envelope{Type: r.Type}, "refusal for another call attempt")
	}
	if !r.fatal() {
		m.log.Debug().Str("type", string(r.Type)).Str("kind", r.Kind).Msg("relay dropped a message")
		return nil
	}

	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return nil
	}
	cerr := m.localErrorLocked(r.kind(), r.Type, fmt.Sprintf("relay refused %s: %s", r.Kind, r.Message), nil)
	ef := m.finishLocked(StateFailed, EndError, cerr)
	m.mu.Unlock()

	m.after(ctx, ef)
	return cerr
}

// ring moves a fresh callee machine from Idle to Ringing on the initial offer.
func (m *Machine) ring(env Envelope) error {
	if m.role != RoleCallee {
		return m.stale(env, "offer received by caller before start")
	}

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return m.stale(env, "duplicate offer")
	}
	if m.callID == "" {
		m.callID = env.CallID
	}
	if err := m.registry.TryCreate(Registration{
		SessionID: m.sessionID,
		CallID:    m.callID,
		CallerID:  m.peer,
		CalleeID:  m.self,
		CreatedAt: m.createdAt,
	}); err != nil {
		m.mu.Unlock()
		return err
	}

	round := env.Round
	if round == 0 {
		round = 1
	}
	m.beginRoundLocked(round, false)
	offer := *env.Description
	offer.Type = SDPOffer
	m.incomingOffer = &offer
	m.announced = true
	m.setStateLocked(StateRinging)
	m.startTimerLocked(phaseRinging, m.cfg.RingTimeout)
	m.mu.Unlock()

	m.drainOutbox()
	return nil
}

func (m *Machine) handleAnswer(ctx context.Context, env Envelope) error {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return m.stale(env, "session already ended")
	}
	round := m.roundOfLocked(env)
	if !m.offerer || round != m.round || m.remoteSet || m.binding == nil {
		m.mu.Unlock()
		return m.stale(env, "no outstanding offer for this round")
	}

	answer := *env.Description
	answer.Type = SDPAnswer
	if err := m.binding.SetRemoteDescription(answer); err != nil {
		m.mu.Unlock()
		return m.failLocal(ctx, ErrMediaBindingFailure, MsgAnswer, "apply remote answer", err)
	}
	m.remoteDesc = &answer
	m.remoteSet = true
	m.offerer = false
	m.drainLocked(round)

	reneg := false
	if m.state == StateOffering {
		m.enterAnsweredLocked()
	} else {
		m.renegotiating = false
		m.stopRenegotiationTimerLocked()
		reneg = m.takePendingLocked()
	}
	m.mu.Unlock()
	m.drainOutbox()

	if reneg {
		return m.Renegotiate(ctx)
	}
	return nil
}

// handleOffer applies a renegotiation offer on a connected call. When both
// sides offer the same round at once, the caller's offer wins and the callee
// re-queues its own request.
func (m *Machine) handleOffer(ctx context.Context, env Envelope) error {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return m.stale(env, "session already ended")
	}
	if m.state != StateConnected {
		m.mu.Unlock()
		return m.stale(env, "offer outside a connected call")
	}

	round := env.Round
	if round == 0 {
		round = m.round + 1
	}
	glare := m.renegotiating && m.offerer && round == m.round
	if glare && m.role == RoleCaller {
		m.mu.Unlock()
		return m.stale(env, "offer collision, local offer wins")
	}
	if !glare && round <= m.round {
		m.mu.Unlock()
		return m.stale(env, "offer for a finished round")
	}
	if glare {
		m.negotiationPending = true
	}

	m.beginRoundLocked(round, false)
	m.renegotiating = true
	m.stopRenegotiationTimerLocked()
	offer := *env.Description
	offer.Type = SDPOffer
	if err := m.binding.SetRemoteDescription(offer); err != nil {
		m.mu.Unlock()
		return m.failLocal(ctx, ErrMediaBindingFailure, MsgOffer, "apply renegotiation offer", err)
	}
	m.remoteDesc = &offer
	m.remoteSet = true
	m.drainLocked(round)
	gen, binding := m.gen, m.binding
	m.mu.Unlock()

	answer, err := binding.CreateLocalDescription(ctx, SDPAnswer)
	if err != nil {
		return m.failLocal(ctx, ErrMediaBindingFailure, MsgOffer, "create renegotiation answer", err)
	}

	m.mu.Lock()
	if m.state.Terminal() || m.gen != gen {
		m.mu.Unlock()
		return nil
	}
	m.localDesc = &answer
	m.renegotiating = false
	reneg := m.takePendingLocked()
	m.mu.Unlock()

	if err := m.sendDescription(ctx, MsgAnswer, round, gen, answer); err != nil {
		return m.failLocal(ctx, ErrTransportFailure, MsgAnswer, "send renegotiation answer", err)
	}
	if reneg {
		return m.Renegotiate(ctx)
	}
	return nil
}

// handleCandidate applies a remote candidate, or buffers it until the remote
// description of its round is set.
func (m *Machine) handleCandidate(env Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Terminal() {
		return m.stale(env, "session already ended")
	}

	round := m.roundOfLocked(env)
	c := *env.Candidate
	if m.binding == nil || round > m.round || (round == m.round && !m.remoteSet) {
		m.pending.push(round, c)
		return nil
	}
	if err := m.binding.AddRemoteCandidate(c); err != nil {
		m.log.Warn().Err(err).Int("round", round).Msg("remote candidate rejected by media binding")
	}
	return nil
}

func (m *Machine) handleRemoteEnd(ctx context.Context, env Envelope, to State, reason EndReason, kind error) error {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return m.stale(env, "session already ended")
	}

	var cerr *CallError
	if kind != nil {
		cerr = &CallError{
			Kind:        kind,
			SessionID:   m.sessionID,
			Round:       m.round,
			Side:        SideRemote,
			MessageType: env.Type,
			Message:     env.Message,
		}
	}
	ef := m.finishLocked(to, reason, cerr)
	m.mu.Unlock()

	m.after(ctx, ef)
	return nil
}

// ─── Media binding callbacks ───

func (m *Machine) attachLocked(b MediaBinding) {
	m.binding = b
	b.OnLocalCandidate(m.onLocalCandidate)
	b.OnConnectivityChange(m.onConnectivity)
	b.OnRemoteTrack(m.onRemoteTrack)
	b.OnNegotiationNeeded(func() {
		if err := m.Renegotiate(m.ctx); err != nil {
			m.log.Warn().Err(err).Msg("renegotiation failed")
		}
	})
}

// onLocalCandidate forwards a local candidate. Candidates produced before the
// round's own description went out are held and flushed right after it, so the
// counterpart never sees a candidate for a session it has not been offered.
func (m *Machine) onLocalCandidate(c Candidate) {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	round := m.round
	if !m.localSent {
		m.outbound = append(m.outbound, bufferedCandidate{round: round, candidate: c})
		m.mu.Unlock()
		return
	}
	env := m.envelopeLocked(MsgCandidate)
	m.mu.Unlock()

	env.Round = round
	env.Candidate = &c
	if err := m.transport.Send(m.ctx, env); err != nil {
		m.log.Warn().Err(err).Msg("failed to send local candidate")
	}
}

func (m *Machine) onConnectivity(c Connectivity) {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	m.lastConnectivity = c

	var ef effects
	reneg := false
	switch c {
	case ConnectivityConnecting:
		if m.state == StateAnswered {
			m.setStateLocked(StateConnecting)
		}
	case ConnectivityConnected:
		switch m.state {
		case StateAnswered, StateConnecting:
			m.enterConnectedLocked()
			reneg = m.takePendingLocked()
		case StateConnected:
			if m.degraded {
				m.degraded = false
				m.stopTimerLocked()
				m.enqueueChangeLocked(StateConnected, StateConnected)
				m.log.Info().Msg("connectivity recovered")
			}
		}
	case ConnectivityDisconnected:
		if m.state == StateConnected && !m.degraded {
			m.degraded = true
			m.startTimerLocked(phaseReconnect, m.cfg.ReconnectTimeout)
			m.enqueueChangeLocked(StateConnected, StateConnected)
			m.log.Info().Msg("connectivity degraded, waiting for recovery")
		}
	case ConnectivityFailed, ConnectivityClosed:
		if m.state.Active() && m.binding != nil {
			cerr := m.localErrorLocked(ErrMediaBindingFailure, "", fmt.Sprintf("connectivity %s", c), nil)
			announced := m.announced
			ef = m.finishLocked(StateFailed, EndError, cerr)
			if announced {
				ef.sends = append(ef.sends, m.errorEnvelopeLocked(cerr))
			}
		}
	}
	m.mu.Unlock()

	m.after(m.ctx, ef)
	if reneg {
		if err := m.Renegotiate(m.ctx); err != nil {
			m.log.Warn().Err(err).Msg("queued renegotiation failed")
		}
	}
}

func (m *Machine) onRemoteTrack(t RemoteTrack) {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	m.outbox = append(m.outbox, notification{track: &TrackEvent{SessionID: m.sessionID, Track: t}})
	m.mu.Unlock()
	m.drainOutbox()
}

// ─── Timers ───

func (m *Machine) startTimerLocked(phase timerPhase, d time.Duration) {
	m.stopTimerLocked()
	if d <= 0 {
		return
	}
	seq := m.timerSeq
	m.phase = phase
	m.timer = m.cfg.Clock.AfterFunc(d, func() { m.onTimer(phase, seq) })
}

// stopTimerLocked cancels the outstanding timer. Bumping timerSeq also
// neutralizes a callback that already started but has not taken the lock.
func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.phase = phaseNone
	m.timerSeq++
}

func (m *Machine) onTimer(phase timerPhase, seq uint64) {
	m.mu.Lock()
	if seq != m.timerSeq || m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.phase = phaseNone

	m.log.Info().Str("phase", phase.String()).Str("state", string(m.state)).Msg("call timer expired")

	announced := m.announced
	var ef effects
	switch phase {
	case phaseRinging:
		cerr := m.localErrorLocked(ErrNegotiationTimeout, "", "no answer within the ringing window", nil)
		ef = m.finishLocked(StateFailed, EndError, cerr)
		if announced {
			ef.sends = append(ef.sends, m.envelopeLocked(MsgHangup))
		}
	case phaseConnect, phaseReconnect:
		cerr := m.localErrorLocked(ErrConnectivityTimeout, "", fmt.Sprintf("no connectivity within the %s window", phase), nil)
		ef = m.finishLocked(StateFailed, EndError, cerr)
		if announced {
			ef.sends = append(ef.sends, m.errorEnvelopeLocked(cerr))
		}
	}
	m.mu.Unlock()

	m.after(m.ctx, ef)
}

// startRenegotiationTimerLocked bounds the round just offered by the
// connect timeout. A round that never gets its answer fails the call.
func (m *Machine) startRenegotiationTimerLocked() {
	m.stopRenegotiationTimerLocked()
	if m.cfg.ConnectTimeout <= 0 {
		return
	}
	gen := m.gen
	m.renegTimer = m.cfg.Clock.AfterFunc(m.cfg.ConnectTimeout, func() { m.onRenegotiationTimer(gen) })
}

func (m *Machine) stopRenegotiationTimerLocked() {
	if m.renegTimer != nil {
		m.renegTimer.Stop()
		m.renegTimer = nil
	}
}

func (m *Machine) onRenegotiationTimer(gen uint64) {
	m.mu.Lock()
	if m.state.Terminal() || m.gen != gen || !m.renegotiating || !m.offerer || m.remoteSet {
		m.mu.Unlock()
		return
	}
	m.renegTimer = nil

	m.log.Info().Int("round", m.round).Msg("renegotiation answer timed out")
	cerr := m.localErrorLocked(ErrNegotiationTimeout, MsgOffer, fmt.Sprintf("no answer for renegotiation round %d", m.round), nil)
	ef := m.finishLocked(StateFailed, EndError, cerr)
	ef.sends = append(ef.sends, m.errorEnvelopeLocked(cerr))
	m.mu.Unlock()

	m.after(m.ctx, ef)
}

// ─── Internals ───

func (m *Machine) beginRoundLocked(round int, offerer bool) {
	m.round = round
	m.gen++
	m.offerer = offerer
	m.remoteSet = false
	m.localSent = false
}

func (m *Machine) roundOfLocked(env Envelope) int {
	if env.Round == 0 {
		return m.round
	}
	return env.Round
}

func (m *Machine) drainLocked(round int) {
	for _, c := range m.pending.take(round) {
		if err := m.binding.AddRemoteCandidate(c); err != nil {
			m.log.Warn().Err(err).Int("round", round).Msg("buffered candidate rejected by media binding")
		}
	}
}

func (m *Machine) takePendingLocked() bool {
	if m.negotiationPending && m.state == StateConnected && !m.renegotiating {
		m.negotiationPending = false
		return true
	}
	return false
}

func (m *Machine) enterAnsweredLocked() {
	m.setStateLocked(StateAnswered)
	m.startTimerLocked(phaseConnect, m.cfg.ConnectTimeout)

	// Connectivity may have been reported while the answer was in flight.
	switch m.lastConnectivity {
	case ConnectivityConnecting:
		m.setStateLocked(StateConnecting)
	case ConnectivityConnected:
		m.enterConnectedLocked()
	}
}

func (m *Machine) enterConnectedLocked() {
	m.stopTimerLocked()
	m.degraded = false
	m.setStateLocked(StateConnected)
}

func (m *Machine) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	m.log.Debug().Str("from", string(from)).Str("to", string(to)).Int("round", m.round).Msg("state changed")
	m.enqueueChangeLocked(from, to)
}

func (m *Machine) enqueueChangeLocked(from, to State) {
	m.outbox = append(m.outbox, notification{change: &StateChange{
		SessionID: m.sessionID,
		Role:      m.role,
		From:      from,
		To:        to,
		Round:     m.round,
		Degraded:  m.degraded,
		EndReason: m.reason,
	}})
}

// finishLocked moves to a terminal state exactly once and schedules media release.
func (m *Machine) finishLocked(to State, reason EndReason, cerr *CallError) effects {
	m.stopTimerLocked()
	m.stopRenegotiationTimerLocked()
	m.reason = reason
	m.endedAt = m.cfg.Clock.Now()
	m.failure = cerr
	m.degraded = false
	m.pending.reset()
	m.outbound = nil
	m.incomingOffer = nil
	m.setStateLocked(to)
	if cerr != nil {
		m.outbox = append(m.outbox, notification{err: cerr})
	}

	ev := m.log.Info()
	if cerr != nil {
		ev = m.log.Warn().Err(cerr)
	}
	ev.Str("state", string(to)).Str("reason", string(reason)).Msg("call finished")

	return effects{close: m.binding, terminal: true, reason: reason}
}

func (m *Machine) localErrorLocked(kind error, mt MessageType, msg string, cause error) *CallError {
	return &CallError{
		Kind:        kind,
		SessionID:   m.sessionID,
		Round:       m.round,
		Side:        SideLocal,
		MessageType: mt,
		Message:     msg,
		Err:         cause,
	}
}

// failLocal ends the call as Failed after a local fault and tells the
// counterpart if it already knows about the call.
func (m *Machine) failLocal(ctx context.Context, kind error, mt MessageType, msg string, cause error) error {
	m.mu.Lock()
	cerr := m.localErrorLocked(kind, mt, msg, cause)
	if m.state.Terminal() {
		m.mu.Unlock()
		return cerr
	}
	announced := m.announced
	ef := m.finishLocked(StateFailed, EndError, cerr)
	if announced && kind != ErrTransportFailure {
		ef.sends = append(ef.sends, m.errorEnvelopeLocked(cerr))
	}
	m.mu.Unlock()

	m.after(ctx, ef)
	return cerr
}

func (m *Machine) after(ctx context.Context, ef effects) {
	for _, env := range ef.sends {
		if err := m.send(ctx, env); err != nil {
			m.log.Warn().Err(err).Str("type", string(env.Type)).Msg("failed to notify counterpart")
		}
	}
	if ef.close != nil {
		if err := ef.close.Close(); err != nil {
			m.log.Warn().Err(err).Msg("media binding close failed")
		}
	}
	if ef.terminal {
		m.registry.End(m.sessionID, ef.reason)
		m.cancel()
		if m.hooks.OnTerminal != nil {
			m.hooks.OnTerminal(m)
		}
	}
	m.drainOutbox()
}

// drainOutbox delivers queued notifications in order. Re-entrant calls from a
// hook only enqueue; the outer drain loop picks them up.
func (m *Machine) drainOutbox() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.outbox) > 0 {
		batch := m.outbox
		m.outbox = nil
		m.mu.Unlock()
		for _, n := range batch {
			m.deliver(n)
		}
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

func (m *Machine) deliver(n notification) {
	switch {
	case n.change != nil && m.hooks.OnStateChanged != nil:
		m.hooks.OnStateChanged(*n.change)
	case n.track != nil && m.hooks.OnRemoteTrack != nil:
		m.hooks.OnRemoteTrack(*n.track)
	case n.err != nil && m.hooks.OnError != nil:
		m.hooks.OnError(n.err)
	}
}

func (m *Machine) envelopeLocked(t MessageType) Envelope {
	return Envelope{
		SessionID: m.sessionID,
		CallID:    m.callID,
		Type:      t,
		SenderID:  m.self,
		TargetID:  m.peer,
		Round:     m.round,
	}
}

func (m *Machine) errorEnvelopeLocked(cerr *CallError) Envelope {
	env := m.envelopeLocked(MsgError)
	env.Message = KindName(cerr.Kind)
	return env
}

func (m *Machine) send(ctx context.Context, env Envelope) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	return m.transport.Send(ctx, env)
}

// sendDescription sends the round's description and then flushes the local
// candidates held back while it was being produced.
func (m *Machine) sendDescription(ctx context.Context, t MessageType, round int, gen uint64, desc Description) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	m.mu.Lock()
	env := m.envelopeLocked(t)
	m.mu.Unlock()
	env.Round = round
	env.Description = &desc
	if err := m.transport.Send(ctx, env); err != nil {
		return err
	}

	m.mu.Lock()
	if m.gen == gen {
		m.localSent = true
	}
	m.announced = true
	var flush []bufferedCandidate
	kept := m.outbound[:0]
	for _, oc := range m.outbound {
		if oc.round <= round {
			flush = append(flush, oc)
		} else {
			kept = append(kept, oc)
		}
	}
	m.outbound = kept
	terminal := m.state.Terminal()
	m.mu.Unlock()

	if terminal {
		return nil
	}
	for _, oc := range flush {
		c := oc.candidate
		cand := env
		cand.Type = MsgCandidate
		cand.Description = nil
		cand.Round = oc.round
		cand.Candidate = &c
		if err := m.transport.Send(ctx, cand); err != nil {
			m.log.Warn().Err(err).Msg("failed to flush local candidate")
		}
	}
	return nil
}

func (m *Machine) stale(env Envelope, reason string) error {
	m.log.Debug().Str("type", string(env.Type)).Int("round", env.Round).Str("reason", reason).Msg("dropping stale message")
	return &CallError{
		Kind:        ErrStaleMessage,
		SessionID:   m.sessionID,
		Round:       env.Round,
		Side:        SideRemote,
		MessageType: env.Type,
		Message:     reason,
	}
}

func (m *Machine) endedErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Errorf("%w: call %s (%s)", ErrInvalidState, m.state, m.reason)
}
