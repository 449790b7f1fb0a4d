package services

import (
	"context"
	"sync"
	"time"

	"github.com/akinalp/carecall/models"
	"github.com/akinalp/carecall/pkg"
	"github.com/akinalp/carecall/pkg/email"
	"github.com/akinalp/carecall/repository"
	"github.com/akinalp/carecall/signaling"
	"github.com/akinalp/carecall/ws"
)

// fakeHub records every event per user.
type fakeHub struct {
	mu     sync.Mutex
	events map[string][]ws.Event
	online map[string]bool
}

func newFakeHub(online ...string) *fakeHub {
	h := &fakeHub{events: make(map[string][]ws.Event), online: make(map[string]bool)}
	for _, id := range online {
		h.online[id] = true
	}
	return h
}

func (h *fakeHub) BroadcastToUser(userID string, event ws.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[userID] = append(h.events[userID], event)
}

func (h *fakeHub) IsOnline(userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online[userID]
}

func (h *fakeHub) signals(userID string) []signaling.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []signaling.Envelope
	for _, e := range h.events[userID] {
		if e.Op == ws.OpSignal {
			out = append(out, e.Data.(signaling.Envelope))
		}
	}
	return out
}

func (h *fakeHub) signalErrors(userID string) []ws.SignalErrorData {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []ws.SignalErrorData
	for _, e := range h.events[userID] {
		if e.Op == ws.OpSignalError {
			out = append(out, e.Data.(ws.SignalErrorData))
		}
	}
	return out
}

// fakeRecorder keeps the recorder calls in order.
type fakeRecorder struct {
	mu       sync.Mutex
	started  []models.CallRecord
	answered []string
	ended    map[string]repository.CallEnd
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{ended: make(map[string]repository.CallEnd)}
}

func (r *fakeRecorder) Started(rec models.CallRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, rec)
}

func (r *fakeRecorder) Answered(id string, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answered = append(r.answered, id)
}

func (r *fakeRecorder) Ended(id string, end repository.CallEnd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended[id] = end
}

// fakeParticipants is an in-memory ParticipantGetter.
type fakeParticipants map[string]*models.Participant

func (f fakeParticipants) GetByID(_ context.Context, id string) (*models.Participant, error) {
	p, ok := f[id]
	if !ok {
		return nil, pkg.ErrNotFound
	}
	return p, nil
}

// fakeSender records sent mail.
type fakeSender struct {
	mu   sync.Mutex
	sent []email.MissedCall
	err  error
}

func (s *fakeSender) SendMissedCall(_ context.Context, m email.MissedCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, m)
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// fakeNotifier counts notifications.
type fakeNotifier struct {
	mu      sync.Mutex
	records []*models.CallRecord
}

func (n *fakeNotifier) NotifyMissed(_ context.Context, rec *models.CallRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, rec)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.records)
}

// ─── Envelope helpers ───

func offer(from, to, session, call string) signaling.Envelope {
	return signaling.Envelope{
		SessionID:   session,
		CallID:      call,
		Type:        signaling.MsgOffer,
		SenderID:    from,
		TargetID:    to,
		Round:       1,
		Description: &signaling.Description{Type: signaling.SDPOffer, SDP: "v=0 offer"},
	}
}

func answer(from, session, call string) signaling.Envelope {
	return signaling.Envelope{
		SessionID:   session,
		CallID:      call,
		Type:        signaling.MsgAnswer,
		SenderID:    from,
		Round:       1,
		Description: &signaling.Description{Type: signaling.SDPAnswer, SDP: "v=0 answer"},
	}
}

func candidate(from, session, call string) signaling.Envelope {
	return signaling.Envelope{
		SessionID: session,
		CallID:    call,
		Type:      signaling.MsgCandidate,
		SenderID:  from,
		Round:     1,
		Candidate: &signaling.Candidate{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host"},
	}
}

func control(t signaling.MessageType, from, session, call string) signaling.Envelope {
	env := signaling.Envelope{SessionID: session, CallID: call, Type: t, SenderID: from}
	if t == signaling.MsgError {
		env.Message = "media failed"
	}
	return env
}
