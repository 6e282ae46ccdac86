package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/wricardo/livetrack/tracking/geo"
	"github.com/wricardo/livetrack/tracking/service"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	code              TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	status            TEXT NOT NULL,
	created_at        INTEGER NOT NULL,
	status_updated_at INTEGER
)`

// SQLiteStore implements service.SessionStore on SQLite. Each session's
// positions live in their own table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateSession inserts the session row and creates its positions table in
// one transaction.
func (s *SQLiteStore) CreateSession(ctx context.Context, code, name, status string) (*service.Session, error) {
	if !validCode(code) {
		return nil, fmt.Errorf("invalid session code %q", code)
	}

	sess := &service.Session{
		Code:      code,
		Name:      name,
		CreatedAt: fromMillis(toMillis(s.now())),
		Status:    status,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (code, name, status, created_at) VALUES (?, ?, ?, ?)`,
		code, name, status, toMillis(sess.CreatedAt),
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, service.ErrDuplicateCode
		}
		return nil, mapSQLiteErr(err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		lat REAL NOT NULL,
		lng REAL NOT NULL,
		ts  INTEGER NOT NULL
	)`, positionsTable(code)))
	if err != nil {
		return nil, mapSQLiteErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapSQLiteErr(err)
	}
	return sess, nil
}

// Exists reports whether a session row exists for code.
func (s *SQLiteStore) Exists(ctx context.Context, code string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE code = ?`, code).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapSQLiteErr(err)
	}
	return true, nil
}

// SetStatus overwrites status and status_updated_at.
func (s *SQLiteStore) SetStatus(ctx context.Context, code, status string) (*service.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, status_updated_at = ? WHERE code = ?`,
		status, toMillis(s.now()), code,
	)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, mapSQLiteErr(err)
	} else if n == 0 {
		return nil, service.ErrUnknownSession
	}

	sess, err := scanSQLiteSession(tx.QueryRowContext(ctx, sqliteSessionQuery, code))
	if err != nil {
		return nil, mapSQLiteErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapSQLiteErr(err)
	}
	return sess, nil
}

// AppendPosition inserts a record into the session's positions table.
func (s *SQLiteStore) AppendPosition(ctx context.Context, code string, lat, lng float64) (*service.PositionRecord, error) {
	if err := geo.Validate(lat, lng); err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrInvalidCoordinate, err)
	}
	if !validCode(code) {
		return nil, service.ErrUnknownSession
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE code = ?`, code).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, service.ErrUnknownSession
	}
	if err != nil {
		return nil, mapSQLiteErr(err)
	}

	table := positionsTable(code)
	ts := toMillis(s.now())

	var last sql.NullInt64
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT ts FROM %s ORDER BY seq DESC LIMIT 1`, table)).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, mapSQLiteErr(err)
	}
	if last.Valid && ts < last.Int64 {
		ts = last.Int64
	}

	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (lat, lng, ts) VALUES (?, ?, ?)`, table),
		lat, lng, ts,
	)
	if err != nil {
		return nil, mapSQLiteErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapSQLiteErr(err)
	}
	return &service.PositionRecord{Lat: lat, Lng: lng, Timestamp: fromMillis(ts)}, nil
}

// Latest returns the newest record and the session metadata.
func (s *SQLiteStore) Latest(ctx context.Context, code string) (*service.PositionRecord, *service.Session, error) {
	if !validCode(code) {
		return nil, nil, nil
	}

	sess, err := scanSQLiteSession(s.db.QueryRowContext(ctx, sqliteSessionQuery, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, mapSQLiteErr(err)
	}

	var (
		rec service.PositionRecord
		ts  int64
	)
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT lat, lng, ts FROM %s ORDER BY seq DESC LIMIT 1`, positionsTable(code)),
	).Scan(&rec.Lat, &rec.Lng, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sess, nil
	}
	if err != nil {
		return nil, nil, mapSQLiteErr(err)
	}
	rec.Timestamp = fromMillis(ts)
	return &rec, sess, nil
}

const sqliteSessionQuery = `SELECT code, name, status, created_at, status_updated_at FROM sessions WHERE code = ?`

func scanSQLiteSession(row *sql.Row) (*service.Session, error) {
	var (
		sess      service.Session
		createdAt int64
		updatedAt sql.NullInt64
	)
	if err := row.Scan(&sess.Code, &sess.Name, &sess.Status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sess.CreatedAt = fromMillis(createdAt)
	if updatedAt.Valid {
		t := fromMillis(updatedAt.Int64)
		sess.StatusUpdatedAt = &t
	}
	return &sess, nil
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// mapSQLiteErr turns lock contention into service.ErrStoreUnavailable.
func mapSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", service.ErrStoreUnavailable, err)
		}
	}
	return err
}
