package pair

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const pairColumns = `id, user_id, partner_id, status, started_at, ended_at, ended_by,
		end_reason, rating_user, rating_partner, conversation_count, last_message_at`

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore implements Store on the pairs table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Insert creates an active pair through q. The matcher calls it inside the
// transaction that claims the waiting entry, which is the only way a pair
// comes into existence.
func Insert(ctx context.Context, q Querier, userID, partnerID int64, at time.Time) (*Pair, error) {
	const query = `
		INSERT INTO pairs (user_id, partner_id, status, started_at)
		VALUES ($1, $2, 'active', $3)
		RETURNING id`

	p := &Pair{
		UserID:    userID,
		PartnerID: partnerID,
		Status:    StatusActive,
		StartedAt: at,
	}
	if err := q.QueryRowContext(ctx, query, userID, partnerID, at).Scan(&p.ID); err != nil {
		return nil, fmt.Errorf("pair: insert: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Pair, error) {
	query := `SELECT ` + pairColumns + ` FROM pairs WHERE id = $1`
	return s.queryOne(ctx, "get", query, id)
}

func (s *PostgresStore) FindActiveByUser(ctx context.Context, userID int64) (*Pair, error) {
	query := `SELECT ` + pairColumns + `
		FROM pairs
		WHERE status = 'active' AND (user_id = $1 OR partner_id = $1)
		ORDER BY started_at DESC, id DESC
		LIMIT 1`
	return s.queryOne(ctx, "find active", query, userID)
}

// FindBetween returns the most recent pair between a and b in either
// direction, regardless of status.
func (s *PostgresStore) FindBetween(ctx context.Context, a, b int64) (*Pair, error) {
	query := `SELECT ` + pairColumns + `
		FROM pairs
		WHERE (user_id = $1 AND partner_id = $2) OR (user_id = $2 AND partner_id = $1)
		ORDER BY started_at DESC, id DESC
		LIMIT 1`
	return s.queryOne(ctx, "find between", query, a, b)
}

func (s *PostgresStore) End(ctx context.Context, id, endedBy int64, reason string) (bool, error) {
	return s.finish(ctx, id, endedBy, reason, StatusEnded)
}

func (s *PostgresStore) Block(ctx context.Context, id, endedBy int64, reason string) (bool, error) {
	return s.finish(ctx, id, endedBy, reason, StatusBlocked)
}

// finish is the guarded terminal transition. Only the caller whose UPDATE
// matches status = 'active' wins; everyone else observes false.
func (s *PostgresStore) finish(ctx context.Context, id, endedBy int64, reason string, status Status) (bool, error) {
	const query = `
		UPDATE pairs
		SET status = $2, ended_at = NOW(), ended_by = $3, end_reason = $4
		WHERE id = $1 AND status = 'active'`

	res, err := s.db.ExecContext(ctx, query, id, string(status), endedBy, reason)
	if err != nil {
		return false, fmt.Errorf("pair: end %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("pair: end %d rows: %w", id, err)
	}
	return n == 1, nil
}

func (s *PostgresStore) AddRating(ctx context.Context, p *Pair, raterID int64, rating int) (bool, error) {
	if rating < MinRating || rating > MaxRating {
		return false, ErrInvalidRating
	}

	var query string
	switch raterID {
	case p.UserID:
		query = `UPDATE pairs SET rating_user = $2 WHERE id = $1 AND user_id = $3`
	case p.PartnerID:
		query = `UPDATE pairs SET rating_partner = $2 WHERE id = $1 AND partner_id = $3`
	default:
		return false, nil
	}

	res, err := s.db.ExecContext(ctx, query, p.ID, rating, raterID)
	if err != nil {
		return false, fmt.Errorf("pair: rate %d: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("pair: rate %d rows: %w", p.ID, err)
	}
	if n == 1 {
		if raterID == p.UserID {
			p.RatingUser = rating
		} else {
			p.RatingPartner = rating
		}
	}
	return n == 1, nil
}

func (s *PostgresStore) RecordMessage(ctx context.Context, id int64, at time.Time) error {
	const query = `
		UPDATE pairs
		SET conversation_count = conversation_count + 1, last_message_at = $2
		WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("pair: record message %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) CountActive(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM pairs WHERE status = 'active'`
	var n int
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("pair: count active: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) queryOne(ctx context.Context, op, query string, args ...any) (*Pair, error) {
	p, err := scanPair(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pair: %s: %w", op, err)
	}
	return p, nil
}

func scanPair(row *sql.Row) (*Pair, error) {
	var (
		p                       Pair
		status                  string
		endedAt, lastMessage    sql.NullTime
		endedBy                 sql.NullInt64
		endReason               sql.NullString
		ratingUser, ratingOther sql.NullInt16
	)
	err := row.Scan(
		&p.ID, &p.UserID, &p.PartnerID, &status, &p.StartedAt, &endedAt, &endedBy,
		&endReason, &ratingUser, &ratingOther, &p.ConversationCount, &lastMessage,
	)
	if err != nil {
		return nil, err
	}
	p.Status = Status(status)
	p.EndedAt = endedAt.Time
	p.EndedBy = endedBy.Int64
	p.EndReason = endReason.String
	p.RatingUser = int(ratingUser.Int16)
	p.RatingPartner = int(ratingOther.Int16)
	p.LastMessageAt = lastMessage.Time
	return &p, nil
}
