package models

import "time"

// CallStatus is the relay's coarse view of a call attempt.
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusAnswered CallStatus = "answered"
	CallStatusEnded    CallStatus = "ended"
)

// CallRecord is one call attempt as the relay saw it. A session (appointment)
// may have several records when a call is retried or superseded.
type CallRecord struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	CallID     string     `json:"call_id,omitempty"`
	CallerID   string     `json:"caller_id"`
	CalleeID   string     `json:"callee_id"`
	Status     CallStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	// EndReason uses the signaling end reasons (local-hangup, rejected, ...)
	// from the point of view of EndedBy.
	EndReason    string `json:"end_reason,omitempty"`
	EndedBy      string `json:"ended_by,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Missed reports whether the call ended without ever being answered and
// without the callee declining it.
func (c *CallRecord) Missed() bool {
	return c.Status == CallStatusEnded && c.AnsweredAt == nil && c.EndReason != "rejected"
}

// HasParticipant reports whether userID is the caller or the callee.
func (c *CallRecord) HasParticipant(userID string) bool {
	return c.CallerID == userID || c.CalleeID == userID
}

// FallbackTokenResponse is returned by the SFU fallback endpoint.
type FallbackTokenResponse struct {
	Token string `json:"token"`
	URL   string `json:"url"`
	Room  string `json:"room"`
}
