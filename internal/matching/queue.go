package matching

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/kyla/chatcore/internal/pair"
)

var (
	// ErrEntryGone means the entry was claimed or cancelled by someone else,
	// or its owner is already in a conversation. The matcher moves on to the
	// next candidate.
	ErrEntryGone = errors.New("matching: waiting entry no longer available")
	// ErrSeekerBusy means the seeker got paired concurrently.
	ErrSeekerBusy = errors.New("matching: seeker already in a conversation")
	// ErrSelfMatch is returned when a user tries to claim their own entry.
	ErrSelfMatch = errors.New("matching: cannot pair a user with themselves")
)

// Entry is a user waiting to be paired. Entries are ordered by CreatedAt and
// then ID, both ascending.
type Entry struct {
	ID                 int64
	UserID             int64
	Gender             string
	Interest           string
	Language           string
	PlatformID         string
	IsPremium          bool
	SafeModePreference bool
	CreatedAt          time.Time
}

// Queue is the waiting-entry store. Every method is safe to call from any
// number of processes at once.
type Queue interface {
	// Enqueue adds e and returns its id. A user that is already waiting keeps
	// the existing entry and its position.
	Enqueue(ctx context.Context, e Entry) (int64, error)
	// DequeueByUser removes the user's entry and reports whether one existed.
	DequeueByUser(ctx context.Context, userID int64) (bool, error)
	FindByUser(ctx context.Context, userID int64) (*Entry, error)
	// PeekCompatible returns the oldest entry matching c, or nil.
	PeekCompatible(ctx context.Context, c Criteria) (*Entry, error)
	ListAll(ctx context.Context) ([]Entry, error)
	Size(ctx context.Context) (int, error)
	// Claim removes entryID on behalf of seekerID and creates their pair in
	// the same transaction.
	Claim(ctx context.Context, entryID, seekerID int64) (*Entry, *pair.Pair, error)
	// ClaimByUser is Claim addressed by the waiting user instead of the entry.
	ClaimByUser(ctx context.Context, partnerUserID, seekerID int64) (*Entry, *pair.Pair, error)
	// RemoveOlderThan deletes and returns entries created before cutoff.
	RemoveOlderThan(ctx context.Context, cutoff time.Time) ([]Entry, error)
}

const entryColumns = `id, user_id, gender, interest, language, platform_id, is_premium,
		safe_mode_preference, created_at`

// PostgresQueue implements Queue on the waiting_entries table.
type PostgresQueue struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db, now: time.Now}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, e Entry) (int64, error) {
	const insert = `
		INSERT INTO waiting_entries (user_id, gender, interest, language, platform_id,
			is_premium, safe_mode_preference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO NOTHING
		RETURNING id`

	if e.CreatedAt.IsZero() {
		e.CreatedAt = q.now()
	}

	var id int64
	err := q.db.QueryRowContext(ctx, insert,
		e.UserID, e.Gender, e.Interest, e.Language, e.PlatformID,
		e.IsPremium, e.SafeModePreference, e.CreatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// Already waiting.
		err = q.db.QueryRowContext(ctx,
			`SELECT id FROM waiting_entries WHERE user_id = $1`, e.UserID).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("matching: enqueue %d: %w", e.UserID, err)
	}
	return id, nil
}

func (q *PostgresQueue) DequeueByUser(ctx context.Context, userID int64) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM waiting_entries WHERE user_id = $1`, userID)
	if err != nil {
		return false, fmt.Errorf("matching: dequeue %d: %w", userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("matching: dequeue %d rows: %w", userID, err)
	}
	return n > 0, nil
}

func (q *PostgresQueue) FindByUser(ctx context.Context, userID int64) (*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM waiting_entries WHERE user_id = $1`
	e, err := scanEntry(q.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("matching: find %d: %w", userID, err)
	}
	return e, nil
}

func (q *PostgresQueue) PeekCompatible(ctx context.Context, c Criteria) (*Entry, error) {
	query := `SELECT ` + entryColumns + `
		FROM waiting_entries
		WHERE user_id <> $1
		  AND gender = $2
		  AND ($3::text = '' OR interest = $3)
		  AND NOT (id = ANY($4))
		ORDER BY created_at ASC, id ASC
		LIMIT 1`

	skip := c.Skip
	if skip == nil {
		skip = []int64{} // a NULL array would filter out every row
	}
	e, err := scanEntry(q.db.QueryRowContext(ctx, query,
		c.ExcludeUserID, c.EntryGender, c.EntryInterest, pq.Array(skip)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("matching: peek: %w", err)
	}
	return e, nil
}

func (q *PostgresQueue) ListAll(ctx context.Context) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM waiting_entries ORDER BY created_at ASC, id ASC`
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("matching: list: %w", err)
	}
	return collectEntries(rows, "list")
}

func (q *PostgresQueue) Size(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM waiting_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("matching: size: %w", err)
	}
	return n, nil
}

func (q *PostgresQueue) RemoveOlderThan(ctx context.Context, cutoff time.Time) ([]Entry, error) {
	query := `DELETE FROM waiting_entries WHERE created_at < $1 RETURNING ` + entryColumns
	rows, err := q.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("matching: expire: %w", err)
	}
	return collectEntries(rows, "expire")
}

func (q *PostgresQueue) Claim(ctx context.Context, entryID, seekerID int64) (*Entry, *pair.Pair, error) {
	query := `DELETE FROM waiting_entries WHERE id = $1 RETURNING ` + entryColumns
	return q.claim(ctx, seekerID, query, entryID)
}

func (q *PostgresQueue) ClaimByUser(ctx context.Context, partnerUserID, seekerID int64) (*Entry, *pair.Pair, error) {
	if partnerUserID == seekerID {
		return nil, nil, ErrSelfMatch
	}
	query := `DELETE FROM waiting_entries WHERE user_id = $1 RETURNING ` + entryColumns
	return q.claim(ctx, seekerID, query, partnerUserID)
}

// claim runs the claim-and-pair transaction. The DELETE ... RETURNING on the
// entry row is the linearization point: of any number of concurrent claimers
// exactly one gets the row back. Both user rows are then locked in id order
// so that the active-pair check and the insert cannot interleave with another
// claim involving either user.
//
// Two waiting users claiming each other at once lock their entry rows in
// opposite order; Postgres aborts one side with a deadlock and that side
// reports ErrEntryGone like any other lost race.
func (q *PostgresQueue) claim(ctx context.Context, seekerID int64, deleteQuery string, arg int64) (*Entry, *pair.Pair, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("matching: claim begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	entry, err := scanEntry(tx.QueryRowContext(ctx, deleteQuery, arg))
	if errors.Is(err, sql.ErrNoRows) || lostRace(err) {
		return nil, nil, ErrEntryGone
	}
	if err != nil {
		return nil, nil, fmt.Errorf("matching: claim: %w", err)
	}
	if entry.UserID == seekerID {
		return nil, nil, ErrSelfMatch
	}

	if err := lockUsers(ctx, tx, seekerID, entry.UserID); err != nil {
		if lostRace(err) {
			return nil, nil, ErrEntryGone
		}
		return nil, nil, err
	}

	seekerBusy, partnerBusy, err := activeParticipants(ctx, tx, seekerID, entry.UserID)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case seekerBusy:
		return nil, nil, ErrSeekerBusy
	case partnerBusy:
		// The entry is stale; keep it deleted.
		if err := tx.Commit(); err != nil {
			return nil, nil, fmt.Errorf("matching: claim drop stale: %w", err)
		}
		return nil, nil, ErrEntryGone
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM waiting_entries WHERE user_id = $1`, seekerID); err != nil {
		if lostRace(err) {
			return nil, nil, ErrEntryGone
		}
		return nil, nil, fmt.Errorf("matching: claim dequeue seeker: %w", err)
	}

	p, err := pair.Insert(ctx, tx, seekerID, entry.UserID, q.now())
	if err != nil {
		if lostRace(err) {
			return nil, nil, ErrEntryGone
		}
		return nil, nil, fmt.Errorf("matching: claim: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("matching: claim commit: %w", err)
	}
	return entry, p, nil
}

// lostRace reports whether err is Postgres resolving a conflict with a
// concurrent claim. 23505 is the partial unique index on active pairs
// catching a participant the row locks could not cover (user row missing);
// 40P01 is the deadlock between two users claiming each other.
func lostRace(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	switch pqErr.Code {
	case "23505", "40P01":
		return true
	}
	return false
}

func lockUsers(ctx context.Context, tx *sql.Tx, a, b int64) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM users WHERE id IN ($1, $2) ORDER BY id FOR UPDATE`, a, b)
	if err != nil {
		return fmt.Errorf("matching: lock users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		// held until the transaction ends
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("matching: lock users: %w", err)
	}
	return nil
}

func activeParticipants(ctx context.Context, tx *sql.Tx, seekerID, partnerID int64) (seekerBusy, partnerBusy bool, err error) {
	const query = `
		SELECT user_id, partner_id
		FROM pairs
		WHERE status = 'active'
		  AND (user_id IN ($1, $2) OR partner_id IN ($1, $2))`

	rows, err := tx.QueryContext(ctx, query, seekerID, partnerID)
	if err != nil {
		return false, false, fmt.Errorf("matching: check active pairs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u, p int64
		if err := rows.Scan(&u, &p); err != nil {
			return false, false, fmt.Errorf("matching: check active pairs: %w", err)
		}
		seekerBusy = seekerBusy || u == seekerID || p == seekerID
		partnerBusy = partnerBusy || u == partnerID || p == partnerID
	}
	if err := rows.Err(); err != nil {
		return false, false, fmt.Errorf("matching: check active pairs: %w", err)
	}
	return seekerBusy, partnerBusy, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.UserID, &e.Gender, &e.Interest, &e.Language, &e.PlatformID,
		&e.IsPremium, &e.SafeModePreference, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func collectEntries(rows *sql.Rows, op string) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("matching: %s scan: %w", op, err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("matching: %s: %w", op, err)
	}
	return out, nil
}
