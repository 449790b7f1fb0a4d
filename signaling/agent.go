package signaling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// AgentParams configure an Agent. ParticipantID is the local participant;
// role is decided per call (caller for StartCall, callee for inbound offers).
type AgentParams struct {
	ParticipantID string
	Transport     Transport
	Media         MediaFactory
	// Registry defaults to a MemoryRegistry with Config.GracePeriod.
	Registry Registry
	Config   Config
}

// Agent is one participant's call endpoint. It owns the Machines of that
// participant, routes inbound envelopes to them and fans their notifications
// out to subscribers.
type Agent struct {
	self      string
	transport Transport
	media     MediaFactory
	registry  Registry
	cfg       Config
	log       zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Machine

	subMu     sync.RWMutex
	stateSubs []func(StateChange)
	trackSubs []func(TrackEvent)
	errorSubs []func(*CallError)
}

func NewAgent(p AgentParams) (*Agent, error) {
	if p.ParticipantID == "" {
		return nil, errors.New("signaling: participant id is required")
	}
	if p.Transport == nil || p.Media == nil {
		return nil, errors.New("signaling: transport and media factory are required")
	}

	cfg := p.Config.withDefaults()
	reg := p.Registry
	if reg == nil {
		reg = NewMemoryRegistry(cfg.GracePeriod, cfg.Clock)
	}

	return &Agent{
		self:      p.ParticipantID,
		transport: p.Transport,
		media:     p.Media,
		registry:  reg,
		cfg:       cfg,
		log:       cfg.Logger.With().Str("component", "agent").Str("participant", p.ParticipantID).Logger(),
		sessions:  make(map[string]*Machine),
	}, nil
}

func (a *Agent) ParticipantID() string { return a.self }

// ─── Subscriptions ───

func (a *Agent) OnStateChanged(fn func(StateChange)) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.stateSubs = append(a.stateSubs, fn)
}

func (a *Agent) OnRemoteTrack(fn func(TrackEvent)) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.trackSubs = append(a.trackSubs, fn)
}

// OnError receives failures that ended a call. Dropped messages are not reported.
func (a *Agent) OnError(fn func(*CallError)) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.errorSubs = append(a.errorSubs, fn)
}

// ─── Call control ───

type startOptions struct {
	supersede bool
	callID    string
}

// StartOption customizes StartCall.
type StartOption func(*startOptions)

// WithSupersede ends an active call for the same session (reason superseded)
// before the new one is created, instead of failing with ErrSessionConflict.
func WithSupersede() StartOption {
	return func(o *startOptions) { o.supersede = true }
}

// WithCallID sets the attempt id instead of generating one.
func WithCallID(id string) StartOption {
	return func(o *startOptions) { o.callID = id }
}

// StartCall places a call to calleeID and returns its Machine, which is the
// handle for this attempt.
func (a *Agent) StartCall(ctx context.Context, sessionID, calleeID string, opts ...StartOption) (*Machine, error) {
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}

	a.mu.Lock()
	old := a.liveLocked(sessionID)
	if old != nil && !o.supersede {
		a.mu.Unlock()
		return nil, a.conflict(sessionID)
	}
	a.mu.Unlock()

	if old != nil {
		a.log.Info().Str("session", sessionID).Str("call", old.CallID()).Msg("superseding active call")
		if err := old.Supersede(ctx); err != nil {
			return nil, err
		}
	}

	m, err := a.newMachine(sessionID, o.callID, RoleCaller, calleeID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.liveLocked(sessionID) != nil {
		a.mu.Unlock()
		return nil, a.conflict(sessionID)
	}
	a.sessions[sessionID] = m
	a.mu.Unlock()

	if err := m.Start(ctx); err != nil {
		a.forget(m)
		return nil, err
	}
	return m, nil
}

func (a *Agent) AcceptCall(ctx context.Context, sessionID string) error {
	m, err := a.lookup(sessionID)
	if err != nil {
		return err
	}
	return m.Accept(ctx)
}

// RejectCall declines a ringing call. Rejecting an already ended call is a no-op.
func (a *Agent) RejectCall(ctx context.Context, sessionID string) error {
	m, err := a.lookup(sessionID)
	if errors.Is(err, ErrStaleMessage) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.Reject(ctx)
}

// HangUp ends the call for sessionID. Hanging up an ended call is a no-op.
func (a *Agent) HangUp(ctx context.Context, sessionID string) error {
	m, err := a.lookup(sessionID)
	if errors.Is(err, ErrStaleMessage) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.HangUp(ctx)
}

// Session returns the live Machine for sessionID.
func (a *Agent) Session(sessionID string) (*Machine, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := a.liveLocked(sessionID)
	return m, m != nil
}

// Sessions returns snapshots of all live calls ordered by session id.
func (a *Agent) Sessions() []CallSession {
	a.mu.Lock()
	machines := make([]*Machine, 0, len(a.sessions))
	for _, m := range a.sessions {
		machines = append(machines, m)
	}
	a.mu.Unlock()

	out := make([]CallSession, 0, len(machines))
	for _, m := range machines {
		if s := m.Snapshot(); s.State.Active() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Close hangs up every live call.
func (a *Agent) Close(ctx context.Context) error {
	a.mu.Lock()
	machines := make([]*Machine, 0, len(a.sessions))
	for _, m := range a.sessions {
		machines = append(machines, m)
	}
	a.mu.Unlock()

	var errs []error
	for _, m := range machines {
		if err := m.HangUp(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ─── Inbound ───

// HandleEnvelope resolves an inbound envelope to its session and applies it.
// Nothing is ever thrown at the transport: the returned error only classifies
// why a message was dropped or what it caused, and callers may ignore it.
//
// Resolution:
//   - malformed, misaddressed or echoed envelopes are dropped (ErrInvalidEnvelope)
//   - an offer for a session with no live call creates a callee Machine in Ringing
//   - any other type for a session with no live call is stale if the session
//     ended within the grace period, unknown otherwise
//   - a sender other than the session's counterpart is dropped (ErrUnauthorizedSender)
func (a *Agent) HandleEnvelope(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		a.log.Warn().Err(err).Str("session", env.SessionID).Msg("dropping malformed envelope")
		return err
	}
	if env.TargetID != "" && env.TargetID != a.self {
		a.log.Warn().Str("session", env.SessionID).Str("target", env.TargetID).Msg("dropping envelope addressed to another participant")
		return fmt.Errorf("%w: addressed to %s", ErrInvalidEnvelope, env.TargetID)
	}
	if env.SenderID == a.self {
		return fmt.Errorf("%w: echo of own message", ErrInvalidEnvelope)
	}

	a.mu.Lock()
	m := a.liveLocked(env.SessionID)
	if m == nil {
		if env.Type != MsgOffer {
			a.mu.Unlock()
			return a.orphan(env)
		}
		if reg, ok := a.registry.Get(env.SessionID); ok && !reg.Active && (env.CallID == "" || env.CallID == reg.CallID) {
			a.mu.Unlock()
			return a.orphan(env)
		}

		nm, err := a.newMachine(env.SessionID, env.CallID, RoleCallee, env.SenderID)
		if err != nil {
			a.mu.Unlock()
			return err
		}
		a.sessions[env.SessionID] = nm
		a.mu.Unlock()

		if err := nm.Handle(ctx, env); err != nil {
			a.forget(nm)
			a.log.Warn().Err(err).Str("session", env.SessionID).Msg("incoming call refused")
			return err
		}
		a.log.Info().Str("session", env.SessionID).Str("caller", env.SenderID).Msg("incoming call")
		return nil
	}
	a.mu.Unlock()

	err := m.Handle(ctx, env)
	if err != nil && Recoverable(err) {
		a.log.Debug().Err(err).Msg("inbound message dropped")
	}
	return err
}

// HandleRefusal applies a relay refusal to the live call it concerns. A
// refused offer or answer fails the call; the returned error is the failure,
// or why the refusal was ignored.
func (a *Agent) HandleRefusal(ctx context.Context, r Refusal) error {
	a.mu.Lock()
	m := a.liveLocked(r.SessionID)
	a.mu.Unlock()
	if m == nil {
		return fmt.Errorf("%w: refusal for %s", ErrUnknownSession, r.SessionID)
	}
	return m.Refused(ctx, r)
}

func (a *Agent) orphan(env Envelope) error {
	if reg, ok := a.registry.Get(env.SessionID); ok && !reg.Active {
		a.log.Debug().Str("session", env.SessionID).Str("type", string(env.Type)).Msg("late message for ended call")
		return &CallError{
			Kind:        ErrStaleMessage,
			SessionID:   env.SessionID,
			Round:       env.Round,
			Side:        SideRemote,
			MessageType: env.Type,
			Message:     fmt.Sprintf("call ended (%s)", reg.EndReason),
		}
	}
	a.log.Debug().Str("session", env.SessionID).Str("type", string(env.Type)).Msg("message for unknown session")
	return fmt.Errorf("%w: %s", ErrUnknownSession, env.SessionID)
}

// ─── Internals ───

func (a *Agent) newMachine(sessionID, callID string, role Role, counterpart string) (*Machine, error) {
	return NewMachine(MachineParams{
		SessionID:     sessionID,
		CallID:        callID,
		Role:          role,
		ParticipantID: a.self,
		CounterpartID: counterpart,
		Transport:     a.transport,
		Media:         a.media,
		Registry:      a.registry,
		Config:        a.cfg,
		Hooks: Hooks{
			OnStateChanged: a.emitState,
			OnRemoteTrack:  a.emitTrack,
			OnError:        a.emitError,
			OnTerminal:     a.forget,
		},
	})
}

// liveLocked returns the non-terminal machine for sessionID, pruning a
// terminal one left behind.
func (a *Agent) liveLocked(sessionID string) *Machine {
	m := a.sessions[sessionID]
	if m == nil {
		return nil
	}
	if m.State().Terminal() {
		delete(a.sessions, sessionID)
		return nil
	}
	return m
}

func (a *Agent) forget(m *Machine) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessions[m.SessionID()] == m {
		delete(a.sessions, m.SessionID())
	}
}

func (a *Agent) lookup(sessionID string) (*Machine, error) {
	a.mu.Lock()
	m := a.liveLocked(sessionID)
	a.mu.Unlock()
	if m != nil {
		return m, nil
	}
	if reg, ok := a.registry.Get(sessionID); ok && !reg.Active {
		return nil, &CallError{
			Kind:      ErrStaleMessage,
			SessionID: sessionID,
			Side:      SideLocal,
			Message:   fmt.Sprintf("call already ended (%s)", reg.EndReason),
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
}

func (a *Agent) conflict(sessionID string) error {
	return &CallError{
		Kind:      ErrSessionConflict,
		SessionID: sessionID,
		Side:      SideLocal,
		Message:   "a call is already active for this session",
	}
}

func (a *Agent) emitState(c StateChange) {
	a.subMu.RLock()
	subs := a.stateSubs
	a.subMu.RUnlock()
	for _, fn := range subs {
		fn(c)
	}
}

func (a *Agent) emitTrack(t TrackEvent) {
	a.subMu.RLock()
	subs := a.trackSubs
	a.subMu.RUnlock()
	for _, fn := range subs {
		fn(t)
	}
}

func (a *Agent) emitError(e *CallError) {
	a.subMu.RLock()
	subs := a.errorSubs
	a.subMu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}
