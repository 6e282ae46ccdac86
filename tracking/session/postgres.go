package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wricardo/livetrack/tracking/geo"
	"github.com/wricardo/livetrack/tracking/service"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	code              TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	status            TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	status_updated_at TIMESTAMPTZ
)`

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore implements service.SessionStore on Postgres. Each session's
// positions live in their own table.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database url is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &PostgresStore{pool: pool, now: time.Now}, nil
}

// Close releases the pool.
func (p *PostgresStore) Close() error {
	if p == nil || p.pool == nil {
		return nil
	}
	p.pool.Close()
	return nil
}

// CreateSession inserts the session row and creates its positions table in
// one transaction.
func (p *PostgresStore) CreateSession(ctx context.Context, code, name, status string) (*service.Session, error) {
	if !validCode(code) {
		return nil, fmt.Errorf("invalid session code %q", code)
	}

	sess := &service.Session{
		Code:      code,
		Name:      name,
		CreatedAt: p.now().UTC().Truncate(time.Microsecond),
		Status:    status,
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, mapPostgresErr(err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO sessions (code, name, status, created_at) VALUES ($1, $2, $3, $4)`,
		code, name, status, sess.CreatedAt,
	)
	if err != nil {
		return nil, mapPostgresErr(err)
	}

	table := pgx.Identifier{positionsTable(code)}.Sanitize()
	_, err = tx.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		seq BIGSERIAL PRIMARY KEY,
		lat DOUBLE PRECISION NOT NULL,
		lng DOUBLE PRECISION NOT NULL,
		ts  TIMESTAMPTZ NOT NULL
	)`, table))
	if err != nil {
		return nil, mapPostgresErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapPostgresErr(err)
	}
	return sess, nil
}

// Exists reports whether a session row exists for code.
func (p *PostgresStore) Exists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE code = $1)`, code).Scan(&exists)
	if err != nil {
		return false, mapPostgresErr(err)
	}
	return exists, nil
}

// SetStatus overwrites status and status_updated_at.
func (p *PostgresStore) SetStatus(ctx context.Context, code, status string) (*service.Session, error) {
	sess, err := scanPostgresSession(p.pool.QueryRow(ctx,
		`UPDATE sessions SET status = $1, status_updated_at = $2 WHERE code = $3
		 RETURNING code, name, status, created_at, status_updated_at`,
		status, p.now().UTC(), code,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, service.ErrUnknownSession
	}
	if err != nil {
		return nil, mapPostgresErr(err)
	}
	return sess, nil
}

// AppendPosition inserts a record into the session's positions table. The
// session row is locked for the duration, which serializes writers of one
// session without touching others.
func (p *PostgresStore) AppendPosition(ctx context.Context, code string, lat, lng float64) (*service.PositionRecord, error) {
	if err := geo.Validate(lat, lng); err != nil {
		return nil, fmt.Errorf("%w: %v", service.ErrInvalidCoordinate, err)
	}
	if !validCode(code) {
		return nil, service.ErrUnknownSession
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, mapPostgresErr(err)
	}
	defer tx.Rollback(ctx)

	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM sessions WHERE code = $1 FOR UPDATE`, code).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, service.ErrUnknownSession
	}
	if err != nil {
		return nil, mapPostgresErr(err)
	}

	table := pgx.Identifier{positionsTable(code)}.Sanitize()
	ts := p.now().UTC().Truncate(time.Microsecond)

	var last time.Time
	err = tx.QueryRow(ctx, fmt.Sprintf(`SELECT ts FROM %s ORDER BY seq DESC LIMIT 1`, table)).Scan(&last)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapPostgresErr(err)
	}
	if err == nil && ts.Before(last) {
		ts = last.UTC()
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (lat, lng, ts) VALUES ($1, $2, $3)`, table), lat, lng, ts)
	if err != nil {
		return nil, mapPostgresErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapPostgresErr(err)
	}
	return &service.PositionRecord{Lat: lat, Lng: lng, Timestamp: ts}, nil
}

// Latest returns the newest record and the session metadata.
func (p *PostgresStore) Latest(ctx context.Context, code string) (*service.PositionRecord, *service.Session, error) {
	if !validCode(code) {
		return nil, nil, nil
	}

	sess, err := scanPostgresSession(p.pool.QueryRow(ctx,
		`SELECT code, name, status, created_at, status_updated_at FROM sessions WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, mapPostgresErr(err)
	}

	var rec service.PositionRecord
	table := pgx.Identifier{positionsTable(code)}.Sanitize()
	err = p.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT lat, lng, ts FROM %s ORDER BY seq DESC LIMIT 1`, table),
	).Scan(&rec.Lat, &rec.Lng, &rec.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, sess, nil
	}
	if err != nil {
		return nil, nil, mapPostgresErr(err)
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return &rec, sess, nil
}

func scanPostgresSession(row pgx.Row) (*service.Session, error) {
	var (
		sess      service.Session
		updatedAt *time.Time
	)
	if err := row.Scan(&sess.Code, &sess.Name, &sess.Status, &sess.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	if updatedAt != nil {
		t := updatedAt.UTC()
		sess.StatusUpdatedAt = &t
	}
	return &sess, nil
}

// mapPostgresErr turns a unique violation into service.ErrDuplicateCode and
// connection failures or server timeouts into service.ErrStoreUnavailable.
func mapPostgresErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return service.ErrDuplicateCode
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", service.ErrStoreUnavailable, err)
	}
	return err
}
