package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/akinalp/carecall/models"
	"github.com/akinalp/carecall/pkg/cache"
	"github.com/akinalp/carecall/pkg/clock"
	"github.com/akinalp/carecall/repository"
	"github.com/akinalp/carecall/signaling"
	"github.com/akinalp/carecall/ws"
)

// Kind names used in signal_error events besides the signaling error kinds.
const KindRateLimited = "rate_limited"

// SessionLookup resolves a session id to its participants. Ended sessions
// stay visible for the grace period.
type SessionLookup interface {
	Lookup(sessionID string) (signaling.Registration, bool)
}

// SignalLimiter throttles inbound signals per participant.
type SignalLimiter interface {
	Allow(participantID string) bool
	CooldownSeconds(participantID string) int
	Forget(participantID string)
}

// CallRelayService is the relay's Session Registry. It forwards envelopes
// between the two participants of a session and refuses everything else:
//
//   - only an offer creates a session, and only while no call is active for it
//   - every other message needs an active session the sender takes part in
//   - reject, and the answer that picks up the call, only come from the callee
//   - reject, hangup and error end the session
//   - a participant whose last connection drops hangs up all their calls
//
// Decisions are made under one mutex, so two offers racing for the same
// session id are serialized and the loser gets signal_error session_conflict.
type CallRelayService interface {
	SessionLookup
	// HandleSignal must not block; it runs on the sender's read goroutine.
	HandleSignal(senderID string, env signaling.Envelope)
	HandleDisconnect(userID string)
	ActiveSessions(userID string) []signaling.Registration
	// Shutdown ends every active session.
	Shutdown()
}

// RelayOptions tunes a CallRelayService. Zero values take defaults.
type RelayOptions struct {
	GracePeriod time.Duration
	Clock       clock.Clock
	Limiter     SignalLimiter
	Logger      *zerolog.Logger
}

// relayedCall is the relay's view of one active session.
type relayedCall struct {
	recordID string
	// answered is set by the callee's first answer. From then on either
	// side may offer and answer renegotiation rounds.
	answered bool
}

type callRelayService struct {
	hub      ws.EventPublisher
	recorder CallRecorder
	limiter  SignalLimiter
	clock    clock.Clock
	log      zerolog.Logger

	mu       sync.Mutex
	registry *signaling.MemoryRegistry
	calls map[string]*relayedCall
	// retired holds the call ids of ended attempts, so their late traffic
	// is dropped even after the session id has been reused.
	retired *cache.TTLCache[string, string]
}

func NewCallRelayService(hub ws.EventPublisher, recorder CallRecorder, opts RelayOptions) CallRelayService {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = signaling.DefaultGracePeriod
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	return &callRelayService{
		hub:      hub,
		recorder: recorder,
		limiter:  opts.Limiter,
		clock:    opts.Clock,
		log:      log.With().Str("component", "relay").Logger(),
		registry: signaling.NewMemoryRegistry(opts.GracePeriod, opts.Clock),
		calls:    make(map[string]*relayedCall),
		retired:  cache.New[string, string](opts.GracePeriod, opts.Clock),
	}
}

// ─── Inbound signals ───

func (s *callRelayService) HandleSignal(senderID string, env signaling.Envelope) {
	log := s.log.With().
		Str("sender", senderID).
		Str("session", env.SessionID).
		Str("call", env.CallID).
		Str("type", string(env.Type)).
		Logger()

	if s.limiter != nil && !s.limiter.Allow(senderID) {
		log.Warn().Msg("signal rate limited")
		s.refuse(senderID, env, KindRateLimited, "too many signals", s.limiter.CooldownSeconds(senderID))
		return
	}

	if env.SenderID != senderID {
		log.Warn().Str("claimed_sender", env.SenderID).Msg("forged sender_id")
		s.refuse(senderID, env, signaling.KindName(signaling.ErrUnauthorizedSender),
			"sender_id does not match the authenticated participant", 0)
		return
	}

	if err := env.Validate(); err != nil {
		log.Debug().Err(err).Msg("invalid envelope")
		s.refuse(senderID, env, signaling.KindName(signaling.ErrInvalidEnvelope), err.Error(), 0)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if env.Type == signaling.MsgOffer {
		s.handleOfferLocked(log, env)
		return
	}
	s.handleSessionMessageLocked(log, env)
}

func (s *callRelayService) handleOfferLocked(log zerolog.Logger, env signaling.Envelope) {
	reg, known := s.registry.Get(env.SessionID)

	if known && reg.Active {
		if !isParticipant(reg, env.SenderID) {
			log.Warn().Msg("offer for a session held by other participants")
			s.refuse(env.SenderID, env, signaling.KindName(signaling.ErrSessionConflict), "a call is already active for this session", 0)
			return
		}
		if env.CallID == "" || env.CallID == reg.CallID {
			// Renegotiation within the active call.
			s.relayLocked(log, reg, env)
			return
		}
		if env.SenderID != reg.CallerID {
			log.Warn().Msg("callee offered a different call")
			s.refuse(env.SenderID, env, signaling.KindName(signaling.ErrSessionConflict), "a different call is active for this session", 0)
			return
		}
		// The caller restarted the call and its hangup for the old attempt
		// never reached us.
		log.Info().Str("old_call", reg.CallID).Msg("call superseded by its caller")
		s.endLocked(reg, signaling.EndSuperseded, env.SenderID, "")
		known = false
	}

	if env.CallID != "" {
		if known && env.CallID == reg.CallID {
			log.Debug().Msg("late offer for an ended call dropped")
			return
		}
		if _, retired := s.retired.Get(env.CallID); retired {
			log.Debug().Msg("offer for a retired call dropped")
			return
		}
	}

	if env.TargetID == "" || env.TargetID == env.SenderID {
		s.refuse(env.SenderID, env, signaling.KindName(signaling.ErrInvalidEnvelope), "offer needs a target_id other than the sender", 0)
		return
	}

	now := s.clock.Now()
	next := signaling.Registration{
		SessionID: env.SessionID,
		CallID:    env.CallID,
		CallerID:  env.SenderID,
		CalleeID:  env.TargetID,
		CreatedAt: now,
	}
	if err := s.registry.TryCreate(next); err != nil {
		log.Warn().Err(err).Msg("session conflict")
		s.refuse(env.SenderID, env, signaling.KindName(err), err.Error(), 0)
		return
	}

	recordID := uuid.NewString()
	s.calls[env.SessionID] = &relayedCall{recordID: recordID}
	s.recorder.Started(models.CallRecord{
		ID:        recordID,
		SessionID: env.SessionID,
		CallID:    env.CallID,
		CallerID:  env.SenderID,
		CalleeID:  env.TargetID,
		Status:    models.CallStatusRinging,
		CreatedAt: now.UTC(),
	})

	log.Info().Str("callee", env.TargetID).Str("record", recordID).Msg("call started")
	s.relayLocked(log, next, env)
}

func (s *callRelayService) handleSessionMessageLocked(log zerolog.Logger, env signaling.Envelope) {
	reg, known := s.registry.Get(env.SessionID)
	if !known {
		log.Debug().Msg("signal for an unknown session")
		s.refuse(env.SenderID, env, signaling.KindName(signaling.ErrUnknownSession), "no call for this session", 0)
		return
	}

	if !isParticipant(reg, env.SenderID) {
		log.Warn().Msg("signal from a non-participant")
		s.refuse(env.SenderID, env, signaling.KindName(signaling.ErrUnauthorizedSender), "not a participant of this session", 0)
		return
	}

	if !reg.Active || (env.CallID != "" && env.CallID != reg.CallID) {
		log.Debug().Msg("stale signal dropped")
		return
	}

	call := s.calls[reg.SessionID]
	answered := call != nil && call.answered
	switch {
	case env.Type == signaling.MsgReject && env.SenderID != reg.CalleeID,
		env.Type == signaling.MsgAnswer && env.SenderID != reg.CalleeID && !answered:
		log.Warn().Msg("message sent in the wrong direction")
		s.refuse(env.SenderID, env, signaling.KindName(signaling.ErrUnauthorizedSender),
			"only the callee may send "+string(env.Type), 0)
		return
	}

	s.relayLocked(log, reg, env)

	switch env.Type {
	case signaling.MsgAnswer:
		if call != nil && !call.answered {
			call.answered = true
			s.recorder.Answered(call.recordID, s.clock.Now().UTC())
		}
	case signaling.MsgReject:
		s.endLocked(reg, signaling.EndRejected, env.SenderID, "")
	case signaling.MsgHangup:
		s.endLocked(reg, signaling.EndLocalHangup, env.SenderID, "")
	case signaling.MsgError:
		s.endLocked(reg, signaling.EndError, env.SenderID, env.Message)
	}
}

// ─── Disconnects and shutdown ───

func (s *callRelayService) HandleDisconnect(userID string) {
	if s.limiter != nil {
		s.limiter.Forget(userID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, reg := range s.registry.ActiveFor(userID) {
		other := counterpart(reg, userID)
		hangup := signaling.Envelope{
			SessionID: reg.SessionID,
			CallID:    reg.CallID,
			Type:      signaling.MsgHangup,
			SenderID:  userID,
			TargetID:  other,
			Message:   "participant disconnected",
		}
		s.hub.BroadcastToUser(other, ws.Event{Op: ws.OpSignal, Data: hangup})
		s.endLocked(reg, signaling.EndLocalHangup, userID, "participant disconnected")

		s.log.Info().Str("session", reg.SessionID).Str("user", userID).Msg("call ended by disconnect")
	}
}

func (s *callRelayService) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sessionID := range s.calls {
		if reg, ok := s.registry.Get(sessionID); ok && reg.Active {
			s.endLocked(reg, signaling.EndError, "", "relay shutting down")
		}
	}
}

// ─── Queries ───

func (s *callRelayService) Lookup(sessionID string) (signaling.Registration, bool) {
	return s.registry.Get(sessionID)
}

func (s *callRelayService) ActiveSessions(userID string) []signaling.Registration {
	return s.registry.ActiveFor(userID)
}

// ─── Helpers ───

func (s *callRelayService) relayLocked(log zerolog.Logger, reg signaling.Registration, env signaling.Envelope) {
	other := counterpart(reg, env.SenderID)
	env.TargetID = other
	if !s.hub.IsOnline(other) {
		log.Debug().Str("target", other).Msg("counterpart offline, signal not delivered")
	}
	s.hub.BroadcastToUser(other, ws.Event{Op: ws.OpSignal, Data: env})
}

func (s *callRelayService) endLocked(reg signaling.Registration, reason signaling.EndReason, endedBy, message string) {
	s.registry.End(reg.SessionID, reason)
	if reg.CallID != "" {
		s.retired.Set(reg.CallID, reg.SessionID)
	}

	call, ok := s.calls[reg.SessionID]
	if !ok {
		return
	}
	delete(s.calls, reg.SessionID)

	s.recorder.Ended(call.recordID, repository.CallEnd{
		At:           s.clock.Now().UTC(),
		Reason:       string(reason),
		EndedBy:      endedBy,
		ErrorMessage: message,
	})
}

func (s *callRelayService) refuse(to string, env signaling.Envelope, kind, message string, retryAfter int) {
	s.hub.BroadcastToUser(to, ws.Event{Op: ws.OpSignalError, Data: ws.SignalErrorData{
		SessionID:     env.SessionID,
		CallID:        env.CallID,
		Type:          string(env.Type),
		Kind:          kind,
		Message:       message,
		RetryAfterSec: retryAfter,
	}})
}

func isParticipant(reg signaling.Registration, userID string) bool {
	return reg.CallerID == userID || reg.CalleeID == userID
}

func counterpart(reg signaling.Registration, userID string) string {
	if reg.CallerID == userID {
		return reg.CalleeID
	}
	return reg.CallerID
}
