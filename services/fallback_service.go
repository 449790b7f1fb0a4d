package services

import (
	"context"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"

	"github.com/akinalp/carecall/config"
	"github.com/akinalp/carecall/models"
	"github.com/akinalp/carecall/pkg"
)

// FallbackService issues LiveKit tokens for a session whose peer-to-peer
// call could not connect. The room is named after the session id, so both
// participants land in the same room.
type FallbackService interface {
	GenerateToken(ctx context.Context, userID, displayName, sessionID string) (*models.FallbackTokenResponse, error)
}

type fallbackService struct {
	sessions SessionLookup
	cfg      config.LiveKitConfig
}

func NewFallbackService(sessions SessionLookup, cfg config.LiveKitConfig) FallbackService {
	return &fallbackService{sessions: sessions, cfg: cfg}
}

func (s *fallbackService) GenerateToken(ctx context.Context, userID, displayName, sessionID string) (*models.FallbackTokenResponse, error) {
	if !s.cfg.Configured() {
		return nil, fmt.Errorf("%w: SFU fallback is not configured", pkg.ErrUnavailable)
	}

	// Ended sessions stay known for the grace period, long enough for a
	// failed call to be retried through the SFU.
	reg, ok := s.sessions.Lookup(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: session", pkg.ErrNotFound)
	}
	if reg.CallerID != userID && reg.CalleeID != userID {
		return nil, fmt.Errorf("%w: not a participant of this session", pkg.ErrForbidden)
	}

	ttl := s.cfg.TokenTTL
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}

	canPublish := true
	canSubscribe := true
	at := auth.NewAccessToken(s.cfg.APIKey, s.cfg.APISecret)
	grant := &auth.VideoGrant{
		RoomJoin:     true,
		Room:         sessionID,
		CanPublish:   &canPublish,
		CanSubscribe: &canSubscribe,
	}
	at.AddGrant(grant).
		SetIdentity(userID).
		SetName(displayName).
		SetValidFor(ttl)

	token, err := at.ToJWT()
	if err != nil {
		return nil, fmt.Errorf("failed to generate fallback token: %w", err)
	}

	return &models.FallbackTokenResponse{
		Token: token,
		URL:   s.cfg.URL,
		Room:  sessionID,
	}, nil
}
