package models

import "github.com/golang-jwt/jwt/v5"

// TokenClaims is the payload of the access tokens issued by the booking
// platform. The relay only verifies them; it never stores passwords.
type TokenClaims struct {
	UserID      string          `json:"user_id"`
	DisplayName string          `json:"display_name"`
	Email       string          `json:"email,omitempty"`
	Role        ParticipantRole `json:"role"`
	jwt.RegisteredClaims
}

// Participant derives the participant record the claims describe.
func (c *TokenClaims) Participant() Participant {
	return Participant{
		ID:          c.UserID,
		DisplayName: c.DisplayName,
		Email:       c.Email,
		Role:        c.Role,
	}
}
