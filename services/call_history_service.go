package services

import (
	"context"
	"fmt"

	"github.com/akinalp/carecall/models"
	"github.com/akinalp/carecall/pkg"
	"github.com/akinalp/carecall/repository"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// CallHistoryService serves a participant's own call records.
type CallHistoryService interface {
	// List returns the newest records first. limit 0 means the default;
	// larger values are capped.
	List(ctx context.Context, userID string, limit int) ([]models.CallRecord, error)
	Get(ctx context.Context, userID, recordID string) (*models.CallRecord, error)
}

type callHistoryService struct {
	repo repository.CallRecordRepository
}

func NewCallHistoryService(repo repository.CallRecordRepository) CallHistoryService {
	return &callHistoryService{repo: repo}
}

func (s *callHistoryService) List(ctx context.Context, userID string, limit int) ([]models.CallRecord, error) {
	switch {
	case limit < 0:
		return nil, fmt.Errorf("%w: limit must not be negative", pkg.ErrBadRequest)
	case limit == 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	return s.repo.ListByParticipant(ctx, userID, limit)
}

func (s *callHistoryService) Get(ctx context.Context, userID, recordID string) (*models.CallRecord, error) {
	rec, err := s.repo.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if !rec.HasParticipant(userID) {
		return nil, fmt.Errorf("%w: not your call", pkg.ErrForbidden)
	}
	return rec, nil
}
