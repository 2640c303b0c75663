package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresDirectory implements Directory on the users table.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Get(ctx context.Context, id int64) (*User, error) {
	const query = `
		SELECT id, gender, interest, language, is_premium, is_searching, safe_mode,
		       is_banned, soft_banned_until, last_activity_at, last_message_at
		FROM users
		WHERE id = $1`

	var u User
	var softBan, activity, lastMsg sql.NullTime
	err := d.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.Gender, &u.Interest, &u.Language, &u.IsPremium, &u.IsSearching,
		&u.SafeMode, &u.IsBanned, &softBan, &activity, &lastMsg,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("user: get %d: %w", id, err)
	}
	u.SoftBannedUntil = softBan.Time
	u.LastActivityAt = activity.Time
	u.LastMessageAt = lastMsg.Time
	return &u, nil
}

func (d *PostgresDirectory) SetSearching(ctx context.Context, id int64, searching bool) error {
	const query = `UPDATE users SET is_searching = $2 WHERE id = $1`
	if _, err := d.db.ExecContext(ctx, query, id, searching); err != nil {
		return fmt.Errorf("user: set searching: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) SetSafeMode(ctx context.Context, id int64, enabled bool) error {
	const query = `UPDATE users SET safe_mode = $2 WHERE id = $1`
	if _, err := d.db.ExecContext(ctx, query, id, enabled); err != nil {
		return fmt.Errorf("user: set safe mode: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) TouchMessage(ctx context.Context, id int64, t time.Time) error {
	const query = `UPDATE users SET last_message_at = $2, last_activity_at = $2 WHERE id = $1`
	if _, err := d.db.ExecContext(ctx, query, id, t); err != nil {
		return fmt.Errorf("user: touch message: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) ApplySoftBan(ctx context.Context, id int64, until time.Time) (bool, error) {
	const query = `
		UPDATE users
		SET soft_banned_until = $2
		WHERE id = $1
		  AND (soft_banned_until IS NULL OR soft_banned_until <= NOW())`

	res, err := d.db.ExecContext(ctx, query, id, until)
	if err != nil {
		return false, fmt.Errorf("user: apply soft ban: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("user: apply soft ban rows: %w", err)
	}
	return n == 1, nil
}

func (d *PostgresDirectory) Counts(ctx context.Context) (int, int, error) {
	const query = `SELECT COUNT(*), COUNT(*) FILTER (WHERE is_premium) FROM users`
	var total, premium int
	if err := d.db.QueryRowContext(ctx, query).Scan(&total, &premium); err != nil {
		return 0, 0, fmt.Errorf("user: counts: %w", err)
	}
	return total, premium, nil
}
