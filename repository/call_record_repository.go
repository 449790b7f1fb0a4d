package repository

import (
	"context"
	"time"

	"github.com/akinalp/carecall/models"
)

// CallRecordRepository persists call attempts.
type CallRecordRepository interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	GetByID(ctx context.Context, id string) (*models.CallRecord, error)
	// MarkAnswered moves a ringing record to answered. Records in any other
	// status are left alone.
	MarkAnswered(ctx context.Context, id string, at time.Time) error
	// Finish ends a record that has not ended yet and returns it. It returns
	// pkg.ErrNotFound when there is no such open record.
	Finish(ctx context.Context, id string, end CallEnd) (*models.CallRecord, error)
	// FinishOpen ends every open record, e.g. after a relay restart.
	FinishOpen(ctx context.Context, end CallEnd) (int64, error)
	ListByParticipant(ctx context.Context, userID string, limit int) ([]models.CallRecord, error)
}

// CallEnd describes how a call attempt ended.
type CallEnd struct {
	At           time.Time
	Reason       string
	EndedBy      string
	ErrorMessage string
}
