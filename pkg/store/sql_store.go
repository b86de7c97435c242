package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/strophon/actionserver/pkg/contracts"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Dialect selects placeholder and locking syntax.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DriverName returns the database/sql driver registered for d.
func (d Dialect) DriverName() string {
	return string(d)
}

// SQLStore implements Opener over database/sql. It supports Postgres and
// SQLite through the same queries.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenSQL opens a database and applies the schema.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dialect, err)
	}
	s := NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying pool.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) schema() string {
	idColumn := "INTEGER PRIMARY KEY AUTOINCREMENT"
	blob := "BLOB"
	if s.dialect == DialectPostgres {
		idColumn = "BIGSERIAL PRIMARY KEY"
		blob = "BYTEA"
	}
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS users (
	id %[1]s,
	name TEXT NOT NULL UNIQUE,
	secret_token TEXT NOT NULL DEFAULT '',
	auth_blob %[2]s,
	email TEXT NOT NULL UNIQUE,
	authorities TEXT NOT NULL DEFAULT '[]',
	email_confirmed BOOLEAN NOT NULL DEFAULT FALSE,
	email_token TEXT NOT NULL DEFAULT '',
	recovery_token TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS events (
	id %[1]s,
	created_at BIGINT NOT NULL,
	seen BOOLEAN NOT NULL DEFAULT FALSE,
	user_id BIGINT,
	other_user_id BIGINT,
	data TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS events_user_seen ON events (user_id, seen);
`, idColumn, blob)
}

// Migrate creates the tables if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.schema()); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Open returns a handle whose transaction starts on first use.
func (s *SQLStore) Open(ctx context.Context) (DataIO, error) {
	return &sqlHandle{store: s}, nil
}

// Close closes the pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type sqlHandle struct {
	store  *SQLStore
	tx     *sql.Tx
	dirty  bool
	closed bool
}

func (h *sqlHandle) begin(ctx context.Context) (*sql.Tx, error) {
	if h.closed {
		return nil, ErrClosed
	}
	if h.tx == nil {
		tx, err := h.store.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("store: begin: %w", err)
		}
		h.tx = tx
	}
	return h.tx, nil
}

func (h *sqlHandle) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	tx, err := h.begin(ctx)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, h.store.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	h.dirty = true
	return res, nil
}

func (h *sqlHandle) queryRow(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	tx, err := h.begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx.QueryRowContext(ctx, h.store.rebind(query), args...), nil
}

func (h *sqlHandle) Commit(ctx context.Context, force bool) error {
	if h.closed {
		return ErrClosed
	}
	if h.tx == nil || (!h.dirty && !force) {
		return nil
	}
	err := h.tx.Commit()
	h.tx = nil
	h.dirty = false
	if err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (h *sqlHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if h.tx == nil {
		return nil
	}
	err := h.tx.Rollback()
	h.tx = nil
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("store: rollback: %w", err)
	}
	return nil
}

const userColumns = "id, name, secret_token, auth_blob, email, authorities, email_confirmed, email_token, recovery_token"

func scanUser(row *sql.Row) (*contracts.User, error) {
	var u contracts.User
	err := row.Scan(&u.ID, &u.Name, &u.SecretToken, &u.AuthBlob, &u.Email, &u.Authorities,
		&u.EmailConfirmed, &u.EmailToken, &u.RecoveryToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan user: %w", err)
	}
	return &u, nil
}

func (h *sqlHandle) GetUser(ctx context.Context, id int64, lock bool) (*contracts.User, error) {
	query := "SELECT " + userColumns + " FROM users WHERE id = ?"
	if lock && h.store.dialect == DialectPostgres {
		// SQLite serializes writers at the database level instead.
		query += " FOR UPDATE"
	}
	row, err := h.queryRow(ctx, query, id)
	if err != nil {
		return nil, err
	}
	return scanUser(row)
}

func (h *sqlHandle) GetUserByEmail(ctx context.Context, email string) (*contracts.User, error) {
	row, err := h.queryRow(ctx, "SELECT "+userColumns+" FROM users WHERE email = ?", email)
	if err != nil {
		return nil, err
	}
	return scanUser(row)
}

func (h *sqlHandle) SetUserEmailConfirmed(ctx context.Context, userID int64) error {
	if _, err := h.exec(ctx, "UPDATE users SET email_confirmed = ?, email_token = '' WHERE id = ?", true, userID); err != nil {
		return fmt.Errorf("store: confirm email: %w", err)
	}
	return nil
}

func nullableID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

func (h *sqlHandle) AddEvents(ctx context.Context, events []*contracts.Event) error {
	for _, e := range events {
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now().UTC()
		}
		args := []any{e.Timestamp.UnixMilli(), e.Seen, nullableID(e.UserID), nullableID(e.OtherUserID), e.Data}
		id, err := h.insert(ctx,
			"INSERT INTO events (created_at, seen, user_id, other_user_id, data) VALUES (?, ?, ?, ?, ?)", args...)
		if err != nil {
			return fmt.Errorf("store: add event: %w", err)
		}
		e.ID = id
	}
	return nil
}

// insert runs an INSERT and returns the generated id. lib/pq has no
// LastInsertId, so Postgres uses RETURNING.
func (h *sqlHandle) insert(ctx context.Context, query string, args ...any) (int64, error) {
	if h.store.dialect == DialectPostgres {
		row, err := h.queryRow(ctx, query+" RETURNING id", args...)
		if err != nil {
			return 0, err
		}
		var id int64
		if err := row.Scan(&id); err != nil {
			return 0, err
		}
		h.dirty = true
		return id, nil
	}
	res, err := h.exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (h *sqlHandle) MarkEventSeen(ctx context.Context, eventID int64) error {
	if _, err := h.exec(ctx, "UPDATE events SET seen = ? WHERE id = ?", true, eventID); err != nil {
		return fmt.Errorf("store: mark seen: %w", err)
	}
	return nil
}

func (h *sqlHandle) GetUnseenEventsSinceFirstUnseen(ctx context.Context, userID int64) ([]*contracts.Event, error) {
	tx, err := h.begin(ctx)
	if err != nil {
		return nil, err
	}
	query := h.store.rebind(`
		SELECT id, created_at, seen, user_id, other_user_id, data
		FROM events
		WHERE id >= (SELECT MIN(id) FROM events WHERE user_id = ? AND seen = ?)
		  AND ((user_id = ? AND seen = ?) OR user_id IS NULL)
		ORDER BY id ASC`)
	rows, err := tx.QueryContext(ctx, query, userID, false, userID, false)
	if err != nil {
		return nil, fmt.Errorf("store: unseen events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []*contracts.Event{}
	for rows.Next() {
		var (
			e         contracts.Event
			createdAt int64
			user      sql.NullInt64
			other     sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &createdAt, &e.Seen, &user, &other, &e.Data); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e.Timestamp = time.UnixMilli(createdAt).UTC()
		if user.Valid {
			e.UserID = contracts.UserRef(user.Int64)
		}
		if other.Valid {
			e.OtherUserID = contracts.UserRef(other.Int64)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (h *sqlHandle) exists(ctx context.Context, query string, arg any) (bool, error) {
	row, err := h.queryRow(ctx, query, arg)
	if err != nil {
		return false, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (h *sqlHandle) IsNameUsed(ctx context.Context, name string) (bool, error) {
	return h.exists(ctx, "SELECT COUNT(*) FROM users WHERE name = ?", name)
}

func (h *sqlHandle) IsEmailUsed(ctx context.Context, email string) (bool, error) {
	return h.exists(ctx, "SELECT COUNT(*) FROM users WHERE email = ?", email)
}

func (h *sqlHandle) AddUser(ctx context.Context, u *contracts.User) error {
	if u.Authorities == "" {
		u.Authorities = contracts.EncodeAuthorities(contracts.AuthorityUser)
	}
	id, err := h.insert(ctx, `INSERT INTO users (name, secret_token, auth_blob, email, authorities, email_confirmed, email_token, recovery_token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Name, u.SecretToken, u.AuthBlob, u.Email, u.Authorities, u.EmailConfirmed, u.EmailToken, u.RecoveryToken)
	if err != nil {
		return fmt.Errorf("store: add user: %w", err)
	}
	u.ID = id
	return nil
}

func (h *sqlHandle) UpdateUser(ctx context.Context, u *contracts.User) error {
	_, err := h.exec(ctx, `UPDATE users SET name = ?, secret_token = ?, auth_blob = ?, email = ?, authorities = ?,
		email_confirmed = ?, email_token = ?, recovery_token = ? WHERE id = ?`,
		u.Name, u.SecretToken, u.AuthBlob, u.Email, u.Authorities, u.EmailConfirmed, u.EmailToken, u.RecoveryToken, u.ID)
	if err != nil {
		return fmt.Errorf("store: update user: %w", err)
	}
	return nil
}

func (h *sqlHandle) DeleteUser(ctx context.Context, u *contracts.User) error {
	if _, err := h.exec(ctx, "DELETE FROM users WHERE id = ?", u.ID); err != nil {
		return fmt.Errorf("store: delete user: %w", err)
	}
	return nil
}
