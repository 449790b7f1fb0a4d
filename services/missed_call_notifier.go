package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/akinalp/carecall/models"
	"github.com/akinalp/carecall/pkg"
	"github.com/akinalp/carecall/pkg/email"
)

// MissedCallNotifier tells a callee about a call they never answered.
type MissedCallNotifier interface {
	NotifyMissed(ctx context.Context, rec *models.CallRecord) error
}

// ParticipantGetter is the slice of repository.ParticipantRepository the
// notifier needs.
type ParticipantGetter interface {
	GetByID(ctx context.Context, id string) (*models.Participant, error)
}

type emailMissedCallNotifier struct {
	participants ParticipantGetter
	sender       email.EmailSender
}

func NewMissedCallNotifier(participants ParticipantGetter, sender email.EmailSender) MissedCallNotifier {
	return &emailMissedCallNotifier{participants: participants, sender: sender}
}

func (n *emailMissedCallNotifier) NotifyMissed(ctx context.Context, rec *models.CallRecord) error {
	callee, err := n.participants.GetByID(ctx, rec.CalleeID)
	if errors.Is(err, pkg.ErrNotFound) {
		log.Debug().Str("component", "notifier").Str("callee", rec.CalleeID).Msg("callee never connected, no address")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load callee: %w", err)
	}
	if callee.Email == "" {
		return nil
	}

	callerName := rec.CallerID
	if caller, err := n.participants.GetByID(ctx, rec.CallerID); err == nil && caller.DisplayName != "" {
		callerName = caller.DisplayName
	}

	at := rec.CreatedAt
	if err := n.sender.SendMissedCall(ctx, email.MissedCall{
		ToEmail:    callee.Email,
		ToName:     callee.DisplayName,
		CallerName: callerName,
		SessionID:  rec.SessionID,
		At:         at,
	}); err != nil {
		return err
	}

	log.Info().Str("component", "notifier").Str("session", rec.SessionID).Str("callee", rec.CalleeID).Msg("missed call email sent")
	return nil
}
