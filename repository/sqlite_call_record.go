package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/akinalp/carecall/database"
	"github.com/akinalp/carecall/models"
	"github.com/akinalp/carecall/pkg"
)

type sqliteCallRecordRepo struct {
	db database.TxQuerier
}

// NewSQLiteCallRecordRepo accepts a *sql.DB or a *sql.Tx.
func NewSQLiteCallRecordRepo(db database.TxQuerier) CallRecordRepository {
	return &sqliteCallRecordRepo{db: db}
}

const callRecordColumns = `id, session_id, call_id, caller_id, callee_id, status,
	created_at, answered_at, ended_at, end_reason, ended_by, error_message`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCallRecord(row rowScanner) (*models.CallRecord, error) {
	var (
		rec      models.CallRecord
		status   string
		answered sql.NullTime
		ended    sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.SessionID, &rec.CallID, &rec.CallerID, &rec.CalleeID, &status,
		&rec.CreatedAt, &answered, &ended, &rec.EndReason, &rec.EndedBy, &rec.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = models.CallStatus(status)
	if answered.Valid {
		t := answered.Time
		rec.AnsweredAt = &t
	}
	if ended.Valid {
		t := ended.Time
		rec.EndedAt = &t
	}
	return &rec, nil
}

func (r *sqliteCallRecordRepo) Create(ctx context.Context, rec *models.CallRecord) error {
	if rec.Status == "" {
		rec.Status = models.CallStatusRinging
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO call_records (id, session_id, call_id, caller_id, callee_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.SessionID, rec.CallID, rec.CallerID, rec.CalleeID, string(rec.Status), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create call record: %w", err)
	}
	return nil
}

func (r *sqliteCallRecordRepo) GetByID(ctx context.Context, id string) (*models.CallRecord, error) {
	query := `SELECT ` + callRecordColumns + ` FROM call_records WHERE id = ?`

	rec, err := scanCallRecord(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkg.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call record: %w", err)
	}
	return rec, nil
}

func (r *sqliteCallRecordRepo) MarkAnswered(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE call_records SET status = 'answered', answered_at = ? WHERE id = ? AND status = 'ringing'`,
		at, id)
	if err != nil {
		return fmt.Errorf("failed to mark call answered: %w", err)
	}
	return nil
}

func (r *sqliteCallRecordRepo) Finish(ctx context.Context, id string, end CallEnd) (*models.CallRecord, error) {
	query := `
		UPDATE call_records
		SET status = 'ended', ended_at = ?, end_reason = ?, ended_by = ?, error_message = ?
		WHERE id = ? AND status != 'ended'
		RETURNING ` + callRecordColumns

	rec, err := scanCallRecord(r.db.QueryRowContext(ctx, query,
		end.At, end.Reason, end.EndedBy, end.ErrorMessage, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: open call record %s", pkg.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to finish call record: %w", err)
	}
	return rec, nil
}

func (r *sqliteCallRecordRepo) FinishOpen(ctx context.Context, end CallEnd) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE call_records
		SET status = 'ended', ended_at = ?, end_reason = ?, ended_by = ?, error_message = ?
		WHERE status != 'ended'`,
		end.At, end.Reason, end.EndedBy, end.ErrorMessage)
	if err != nil {
		return 0, fmt.Errorf("failed to finish open call records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count finished call records: %w", err)
	}
	return n, nil
}

func (r *sqliteCallRecordRepo) ListByParticipant(ctx context.Context, userID string, limit int) ([]models.CallRecord, error) {
	query := `SELECT ` + callRecordColumns + `
		FROM call_records
		WHERE caller_id = ? OR callee_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list call records: %w", err)
	}
	defer rows.Close()

	records := []models.CallRecord{}
	for rows.Next() {
		rec, err := scanCallRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate call records: %w", err)
	}
	return records, nil
}
