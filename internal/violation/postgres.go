package violation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresRepository stores violations in the violations table.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert validates the severity before insertion. Redelivered events are
// recognised by their event id.
func (r *PostgresRepository) Insert(ctx context.Context, v *Violation) (bool, error) {
	if !validSeverities[v.Severity] {
		return false, fmt.Errorf("violation: invalid severity %q", v.Severity)
	}

	const query = `
		INSERT INTO violations (event_id, user_id, violation_type, severity, detected_at)
		VALUES (NULLIF($1, ''), $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		v.EventID,
		v.UserID,
		v.ViolationType,
		v.Severity,
		v.DetectedAt,
	).Scan(&v.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("violation: insert: %w", err)
	}
	return true, nil
}

func (r *PostgresRepository) FindByEvent(ctx context.Context, eventID string) (*Violation, error) {
	const query = `
		SELECT id, event_id, user_id, violation_type, severity, detected_at,
		       COALESCE(action_taken, ''), COALESCE(ban_duration_minutes, 0)
		FROM violations
		WHERE event_id = $1`

	v := &Violation{}
	err := r.db.QueryRowContext(ctx, query, eventID).Scan(
		&v.ID, &v.EventID, &v.UserID, &v.ViolationType, &v.Severity, &v.DetectedAt,
		&v.ActionTaken, &v.BanDurationMinutes,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("violation: find by event: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) CountRecent(ctx context.Context, userID int64, violationType string, since time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM violations
		WHERE user_id = $1
		  AND violation_type = $2
		  AND detected_at >= $3`

	var count int
	err := r.db.QueryRowContext(ctx, query, userID, violationType, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("violation: count recent: %w", err)
	}
	return count, nil
}

func (r *PostgresRepository) SetAction(ctx context.Context, id int64, action string, banMinutes int) error {
	const query = `
		UPDATE violations
		SET action_taken = $2, ban_duration_minutes = NULLIF($3, 0)
		WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, id, action, banMinutes); err != nil {
		return fmt.Errorf("violation: set action: %w", err)
	}
	return nil
}
