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

type sqliteParticipantRepo struct {
	db database.TxQuerier
}

// NewSQLiteParticipantRepo accepts a *sql.DB or a *sql.Tx.
func NewSQLiteParticipantRepo(db database.TxQuerier) ParticipantRepository {
	return &sqliteParticipantRepo{db: db}
}

func (r *sqliteParticipantRepo) Upsert(ctx context.Context, p *models.Participant) error {
	if p.LastSeenAt.IsZero() {
		p.LastSeenAt = time.Now().UTC()
	}

	query := `
		INSERT INTO participants (id, display_name, email, role, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			email        = CASE WHEN excluded.email != '' THEN excluded.email ELSE participants.email END,
			role         = excluded.role,
			last_seen_at = excluded.last_seen_at`

	role := p.Role
	if role == "" {
		role = models.RolePatient
	}

	_, err := r.db.ExecContext(ctx, query, p.ID, p.DisplayName, p.Email, string(role), p.LastSeenAt)
	if err != nil {
		return fmt.Errorf("failed to upsert participant: %w", err)
	}
	return nil
}

func (r *sqliteParticipantRepo) GetByID(ctx context.Context, id string) (*models.Participant, error) {
	query := `SELECT id, display_name, email, role, last_seen_at FROM participants WHERE id = ?`

	var (
		p    models.Participant
		role string
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.DisplayName, &p.Email, &role, &p.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkg.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get participant: %w", err)
	}
	p.Role = models.ParticipantRole(role)
	return &p, nil
}
