package main

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/akinalp/carecall/pkg/i18n"
	"github.com/akinalp/carecall/signaling"
	"github.com/akinalp/carecall/ws"
)

// reporter turns agent events into localized log lines.
type reporter struct {
	log zerolog.Logger
	loc *i18n.Localizer

	mu    sync.Mutex
	peers map[string]string
}

func newReporter(log zerolog.Logger, loc *i18n.Localizer) *reporter {
	return &reporter{log: log, loc: loc, peers: make(map[string]string)}
}

// remember records the counterpart of a session so texts can name them after
// the session has been forgotten by the agent.
func (r *reporter) remember(sessionID, peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[sessionID] = peer
}

func (r *reporter) peer(sessionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[sessionID]; ok {
		return p
	}
	return sessionID
}

func (r *reporter) state(c signaling.StateChange) {
	text := describe(r.loc, c, r.peer(c.SessionID))
	ev := r.log.Info()
	if c.To == signaling.StateFailed {
		ev = r.log.Warn()
	}
	ev.Str("session", c.SessionID).
		Str("role", string(c.Role)).
		Str("from", string(c.From)).
		Str("to", string(c.To)).
		Int("round", c.Round).
		Msg(text)

	if c.To.Terminal() {
		r.mu.Lock()
		delete(r.peers, c.SessionID)
		r.mu.Unlock()
	}
}

func (r *reporter) callError(err *signaling.CallError) {
	r.log.Warn().
		Err(err).
		Str("session", err.SessionID).
		Str("kind", signaling.KindName(err.Kind)).
		Int("round", err.Round).
		Msg(r.loc.ErrorKind(signaling.KindName(err.Kind)))
}

func (r *reporter) failure(sessionID string, err error) {
	r.log.Error().Err(err).Str("session", sessionID).Msg(r.loc.ErrorKind(signaling.KindName(err)))
}

func (r *reporter) track(ev signaling.TrackEvent) {
	r.log.Info().
		Str("session", ev.SessionID).
		Str("kind", ev.Track.Kind).
		Str("track", ev.Track.ID).
		Msg("remote track")
}

func (r *reporter) refused(d ws.SignalErrorData) {
	ev := r.log.Warn().
		Str("session", d.SessionID).
		Str("type", d.Type).
		Str("kind", d.Kind)
	if d.RetryAfterSec > 0 {
		ev = ev.Int("retry_after", d.RetryAfterSec)
	}
	ev.Msg("relay refused signal: " + d.Message)
}

// describe picks the end reason text for a finished call and the state text
// otherwise.
func describe(loc *i18n.Localizer, c signaling.StateChange, peer string) string {
	if c.To.Terminal() && c.EndReason != "" {
		return loc.EndReason(string(c.EndReason), peer)
	}
	return loc.CallState(string(c.To), peer, c.Degraded)
}

// drainTrack reads and discards RTP so the receiver's buffers keep moving.
func drainTrack(t signaling.RemoteTrack) {
	remote, ok := t.Native.(*webrtc.TrackRemote)
	if !ok {
		return
	}
	for {
		if _, _, err := remote.ReadRTP(); err != nil {
			return
		}
	}
}
