package signaling

import (
	"fmt"
	"sync"
	"time"

	"github.com/akinalp/carecall/pkg/cache"
	"github.com/akinalp/carecall/pkg/clock"
)

// Registration binds a session id to its two participants.
type Registration struct {
	SessionID string
	CallID    string
	CallerID  string
	CalleeID  string
	CreatedAt time.Time
	EndedAt   time.Time
	EndReason EndReason
	Active    bool
}

// Registry arbitrates that at most one active call exists per session id.
//
// TryCreate is an atomic compare-and-set keyed by SessionID: it fails with
// ErrSessionConflict while an active registration exists. End is idempotent.
// Get reports ended registrations for as long as the implementation keeps
// them (the grace period for MemoryRegistry).
type Registry interface {
	TryCreate(reg Registration) error
	Get(sessionID string) (Registration, bool)
	End(sessionID string, reason EndReason)
}

// MemoryRegistry is a process-local Registry. Ended registrations are kept
// for the grace period so that late messages can be told apart from unknown ones.
type MemoryRegistry struct {
	mu     sync.Mutex
	active map[string]Registration
	ended  *cache.TTLCache[string, Registration]
	clock  clock.Clock
}

// NewMemoryRegistry returns an empty registry. A nil clk uses the real clock.
func NewMemoryRegistry(grace time.Duration, clk clock.Clock) *MemoryRegistry {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryRegistry{
		active: make(map[string]Registration),
		ended:  cache.New[string, Registration](grace, clk),
		clock:  clk,
	}
}

func (r *MemoryRegistry) TryCreate(reg Registration) error {
	if reg.SessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidState)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.active[reg.SessionID]; ok {
		return &CallError{
			Kind:      ErrSessionConflict,
			SessionID: reg.SessionID,
			Side:      SideLocal,
			Message:   fmt.Sprintf("active call %s between %s and %s", existing.CallID, existing.CallerID, existing.CalleeID),
		}
	}

	reg.Active = true
	reg.EndedAt = time.Time{}
	reg.EndReason = ""
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = r.clock.Now()
	}
	r.active[reg.SessionID] = reg
	r.ended.Delete(reg.SessionID)
	return nil
}

func (r *MemoryRegistry) Get(sessionID string) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.active[sessionID]; ok {
		return reg, true
	}
	return r.ended.Get(sessionID)
}

func (r *MemoryRegistry) End(sessionID string, reason EndReason) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.active[sessionID]
	if !ok {
		return
	}
	delete(r.active, sessionID)

	reg.Active = false
	reg.EndReason = reason
	reg.EndedAt = r.clock.Now()
	r.ended.Set(sessionID, reg)
}

// ActiveFor returns the active registrations that involve participantID.
func (r *MemoryRegistry) ActiveFor(participantID string) []Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Registration
	for _, reg := range r.active {
		if reg.CallerID == participantID || reg.CalleeID == participantID {
			out = append(out, reg)
		}
	}
	return out
}
