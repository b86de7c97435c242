package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strophon/actionserver/pkg/contracts"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db, DialectPostgres), mock
}

var userRowColumns = []string{"id", "name", "secret_token", "auth_blob", "email", "authorities", "email_confirmed", "email_token", "recovery_token"}

func TestSQLStore_Rebind(t *testing.T) {
	pg := NewSQLStore(nil, DialectPostgres)
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))

	lite := NewSQLStore(nil, DialectSQLite)
	assert.Equal(t, "a = ? AND b = ?", lite.rebind("a = ? AND b = ?"))
}

func TestSQLStore_GetUserLocksRowOnPostgres(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + userColumns + " FROM users WHERE id = $1 FOR UPDATE")).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(userRowColumns).
			AddRow(7, "ada", "", nil, "ada@example.com", `["USER","ADMIN"]`, true, "", ""))
	mock.ExpectRollback()

	h, err := s.Open(ctx)
	require.NoError(t, err)

	u, err := h.GetUser(ctx, 7, true)
	require.NoError(t, err)
	assert.Equal(t, "ada", u.Name)
	assert.True(t, u.HasAuthority(contracts.AuthorityAdmin))

	require.NoError(t, h.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_GetUserNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + userColumns + " FROM users WHERE id = $1")).
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	h, err := s.Open(ctx)
	require.NoError(t, err)
	_, err = h.GetUser(ctx, 99, false)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, h.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AddEventsCommit(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO events (created_at, seen, user_id, other_user_id, data) VALUES ($1, $2, $3, $4, $5) RETURNING id")).
		WithArgs(sqlmock.AnyArg(), false, sqlmock.AnyArg(), sqlmock.AnyArg(), "hello").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(41))
	mock.ExpectCommit()

	h, err := s.Open(ctx)
	require.NoError(t, err)
	defer func() { _ = h.Close() }()

	ev := &contracts.Event{UserID: contracts.UserRef(7), Data: "hello"}
	require.NoError(t, h.AddEvents(ctx, []*contracts.Event{ev}))
	assert.Equal(t, int64(41), ev.ID)
	assert.False(t, ev.Timestamp.IsZero())

	require.NoError(t, h.Commit(ctx, false))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CommitWithoutWritesKeepsTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM users WHERE name = $1")).
		WithArgs("ada").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectCommit()

	h, err := s.Open(ctx)
	require.NoError(t, err)

	used, err := h.IsNameUsed(ctx, "ada")
	require.NoError(t, err)
	assert.True(t, used)

	// Nothing written: a non-forced commit is a no-op.
	require.NoError(t, h.Commit(ctx, false))
	require.NoError(t, h.Commit(ctx, true))
	require.NoError(t, h.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ClosedHandle(t *testing.T) {
	s, _ := newMockStore(t)
	ctx := context.Background()

	h, err := s.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	_, err = h.GetUser(ctx, 1, false)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.Commit(ctx, true), ErrClosed)
}
