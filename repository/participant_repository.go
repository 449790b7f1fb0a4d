package repository

import (
	"context"

	"github.com/akinalp/carecall/models"
)

// ParticipantRepository stores the participants seen by the relay.
type ParticipantRepository interface {
	Upsert(ctx context.Context, p *models.Participant) error
	GetByID(ctx context.Context, id string) (*models.Participant, error)
}
