package pair

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoreWithMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewPostgresStore(db), mock
}

var columns = []string{
	"id", "user_id", "partner_id", "status", "started_at", "ended_at", "ended_by",
	"end_reason", "rating_user", "rating_partner", "conversation_count", "last_message_at",
}

func activeRow(id, userID, partnerID int64, started time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(columns).
		AddRow(id, userID, partnerID, "active", started, nil, nil, nil, nil, nil, 0, nil)
}

func TestFindActiveByUser_Found(t *testing.T) {
	store, mock := newStoreWithMock(t)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM pairs\s+WHERE status = 'active' AND \(user_id = \$1 OR partner_id = \$1\)`).
		WithArgs(int64(2)).
		WillReturnRows(activeRow(11, 1, 2, started))

	p, err := store.FindActiveByUser(context.Background(), 2)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(11), p.ID)
	assert.Equal(t, StatusActive, p.Status)
	assert.Equal(t, started, p.StartedAt)
	assert.True(t, p.EndedAt.IsZero())
	assert.Zero(t, p.RatingUser)
}

func TestFindActiveByUser_None(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectQuery(`FROM pairs`).WithArgs(int64(2)).WillReturnRows(sqlmock.NewRows(columns))

	p, err := store.FindActiveByUser(context.Background(), 2)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestFindBetween_EndedPair(t *testing.T) {
	store, mock := newStoreWithMock(t)
	started := time.Now().Add(-time.Hour)
	ended := time.Now()

	mock.ExpectQuery(`\(user_id = \$1 AND partner_id = \$2\) OR \(user_id = \$2 AND partner_id = \$1\)`).
		WithArgs(int64(2), int64(1)).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(int64(5), int64(1), int64(2), "ended", started, ended, int64(1), "user_action", int16(4), nil, 12, ended))

	p, err := store.FindBetween(context.Background(), 2, 1)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, StatusEnded, p.Status)
	assert.Equal(t, int64(1), p.EndedBy)
	assert.Equal(t, ReasonUserAction, p.EndReason)
	assert.Equal(t, 4, p.RatingUser)
	assert.Zero(t, p.RatingPartner)
	assert.Equal(t, 12, p.ConversationCount)
}

func TestEnd_Idempotent(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectExec(`UPDATE pairs\s+SET status = \$2.*WHERE id = \$1 AND status = 'active'`).
		WithArgs(int64(3), "ended", int64(1), ReasonUserAction).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE pairs\s+SET status = \$2.*WHERE id = \$1 AND status = 'active'`).
		WithArgs(int64(3), "ended", int64(1), ReasonUserAction).
		WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := store.End(context.Background(), 3, 1, ReasonUserAction)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := store.End(context.Background(), 3, 1, ReasonUserAction)
	require.NoError(t, err)
	assert.False(t, second, "ending an ended pair must report false")
}

func TestBlock_UsesBlockedStatus(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectExec(`UPDATE pairs`).
		WithArgs(int64(3), "blocked", int64(2), ReasonPartnerBanned).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.Block(context.Background(), 3, 2, ReasonPartnerBanned)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnd_DBError(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectExec(`UPDATE pairs`).WillReturnError(errors.New("conn reset"))

	_, err := store.End(context.Background(), 3, 1, ReasonUserAction)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pair: end 3")
}

func TestAddRating(t *testing.T) {
	p := &Pair{ID: 8, UserID: 1, PartnerID: 2, Status: StatusEnded}

	t.Run("user side", func(t *testing.T) {
		store, mock := newStoreWithMock(t)
		mock.ExpectExec(`UPDATE pairs SET rating_user = \$2`).
			WithArgs(int64(8), 5, int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		cp := *p
		ok, err := store.AddRating(context.Background(), &cp, 1, 5)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 5, cp.RatingUser)
		assert.Zero(t, cp.RatingPartner)
	})

	t.Run("partner side", func(t *testing.T) {
		store, mock := newStoreWithMock(t)
		mock.ExpectExec(`UPDATE pairs SET rating_partner = \$2`).
			WithArgs(int64(8), 2, int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		cp := *p
		ok, err := store.AddRating(context.Background(), &cp, 2, 2)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 2, cp.RatingPartner)
	})

	t.Run("stranger is rejected without a query", func(t *testing.T) {
		store, _ := newStoreWithMock(t)

		cp := *p
		ok, err := store.AddRating(context.Background(), &cp, 99, 4)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, cp.RatingUser)
		assert.Zero(t, cp.RatingPartner)
	})

	t.Run("out of range", func(t *testing.T) {
		store, _ := newStoreWithMock(t)

		cp := *p
		_, err := store.AddRating(context.Background(), &cp, 1, 0)
		assert.ErrorIs(t, err, ErrInvalidRating)
		_, err = store.AddRating(context.Background(), &cp, 1, 6)
		assert.ErrorIs(t, err, ErrInvalidRating)
	})
}

func TestRecordMessage(t *testing.T) {
	store, mock := newStoreWithMock(t)
	at := time.Now()

	mock.ExpectExec(`SET conversation_count = conversation_count \+ 1, last_message_at = \$2`).
		WithArgs(int64(4), at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.RecordMessage(context.Background(), 4, at))
}

func TestCountActive(t *testing.T) {
	store, mock := newStoreWithMock(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM pairs WHERE status = 'active'`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(6))

	n, err := store.CountActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestInsert(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	at := time.Now()

	mock.ExpectQuery(`INSERT INTO pairs`).
		WithArgs(int64(1), int64(2), at).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(77)))

	p, err := Insert(context.Background(), db, 1, 2, at)
	require.NoError(t, err)
	assert.Equal(t, int64(77), p.ID)
	assert.Equal(t, StatusActive, p.Status)
	assert.Equal(t, int64(1), p.UserID)
	assert.Equal(t, int64(2), p.PartnerID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPair_OtherUser(t *testing.T) {
	p := &Pair{UserID: 1, PartnerID: 2}

	other, ok := p.OtherUser(1)
	assert.True(t, ok)
	assert.Equal(t, int64(2), other)

	other, ok = p.OtherUser(2)
	assert.True(t, ok)
	assert.Equal(t, int64(1), other)

	_, ok = p.OtherUser(3)
	assert.False(t, ok)
	assert.False(t, p.IsParticipant(3))
}
