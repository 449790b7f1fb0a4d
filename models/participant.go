// Package models defines the records persisted by the relay and the JSON
// shapes of its HTTP API.
package models

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// ParticipantRole is the platform role of a call participant.
type ParticipantRole string

const (
	RolePatient   ParticipantRole = "patient"
	RoleClinician ParticipantRole = "clinician"
)

// Valid reports whether r is a known role.
func (r ParticipantRole) Valid() bool {
	return r == RolePatient || r == RoleClinician
}

// Participant is the relay's copy of a platform user, refreshed from token
// claims on every WebSocket connect. Email is used for missed-call notices.
type Participant struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"display_name"`
	Email       string          `json:"email,omitempty"`
	Role        ParticipantRole `json:"role"`
	LastSeenAt  time.Time       `json:"last_seen_at"`
}

// DevTokenRequest asks for a locally signed access token. Only served when
// dev tokens are enabled.
type DevTokenRequest struct {
	ParticipantID string          `json:"participant_id"`
	DisplayName   string          `json:"display_name"`
	Email         string          `json:"email"`
	Role          ParticipantRole `json:"role"`
}

// Validate normalizes and checks the request.
//   - ParticipantID: required, at most 64 characters, no whitespace
//   - Role: patient or clinician (defaults to patient)
//   - Email: optional, must parse
func (r *DevTokenRequest) Validate() error {
	r.ParticipantID = strings.TrimSpace(r.ParticipantID)
	r.DisplayName = strings.TrimSpace(r.DisplayName)
	r.Email = strings.TrimSpace(r.Email)

	if r.ParticipantID == "" {
		return fmt.Errorf("participant_id is required")
	}
	if len(r.ParticipantID) > 64 || strings.ContainsAny(r.ParticipantID, " \t\r\n") {
		return fmt.Errorf("participant_id must be at most 64 characters without spaces")
	}
	if r.Role == "" {
		r.Role = RolePatient
	}
	if !r.Role.Valid() {
		return fmt.Errorf("role must be patient or clinician")
	}
	if r.Email != "" {
		if _, err := mail.ParseAddress(r.Email); err != nil {
			return fmt.Errorf("email is invalid")
		}
	}
	if r.DisplayName == "" {
		r.DisplayName = r.ParticipantID
	}
	return nil
}

// TokenResponse carries a freshly minted access token.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}
