package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PostgresSchema creates the inbox table.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS rx_inbox (
	idempotency_key TEXT PRIMARY KEY,
	handler_name    TEXT        NOT NULL,
	status          TEXT        NOT NULL,
	result          JSONB,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at      TIMESTAMPTZ NOT NULL
);
ALTER TABLE rx_inbox ADD COLUMN IF NOT EXISTS owner TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS rx_inbox_expires_idx ON rx_inbox (expires_at);
`

// PgxDB is the subset of pgxpool.Pool the store uses.
type PgxDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps inbox entries in PostgreSQL
type PostgresStore struct {
	db PgxDB
}

var (
	_ Store   = (*PostgresStore)(nil)
	_ Sweeper = (*PostgresStore)(nil)
)

// NewPostgresStore creates a store over db
func NewPostgresStore(db PgxDB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the inbox table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate rx_inbox: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Entry, error) {
	query := `
		SELECT idempotency_key, handler_name, status, result, updated_at
		FROM rx_inbox
		WHERE idempotency_key = $1 AND expires_at > NOW()
	`

	entry := &Entry{}
	var status string
	err := s.db.QueryRow(ctx, query, key).Scan(
		&entry.Key, &entry.Handler, &status, &entry.Result, &entry.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry.Status = Status(status)
	return entry, nil
}

// Claim inserts a STARTED row, or takes over one whose lease or TTL ran out.
func (s *PostgresStore) Claim(ctx context.Context, key, handler, owner string, lease time.Duration) (bool, error) {
	query := `
		INSERT INTO rx_inbox (idempotency_key, handler_name, owner, status, expires_at)
		VALUES ($1, $2, $3, $4, NOW() + make_interval(secs => $5))
		ON CONFLICT (idempotency_key) DO UPDATE
		SET handler_name = $2, owner = $3, status = $4, result = NULL, updated_at = NOW(),
		    expires_at = NOW() + make_interval(secs => $5)
		WHERE rx_inbox.expires_at <= NOW()
		RETURNING idempotency_key
	`

	var returned string
	err := s.db.QueryRow(ctx, query, key, handler, owner, string(StatusStarted), lease.Seconds()).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		// conflict with a live entry
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) Finish(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error {
	query := `
		UPDATE rx_inbox
		SET status = $1, result = $2, updated_at = NOW(),
		    expires_at = NOW() + make_interval(secs => $3)
		WHERE idempotency_key = $4
	`

	_, err := s.db.Exec(ctx, query, string(StatusFinished), []byte(result), ttl.Seconds(), key)
	return err
}

func (s *PostgresStore) Release(ctx context.Context, key, owner string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM rx_inbox WHERE idempotency_key = $1 AND status = $2 AND owner = $3`,
		key, string(StatusStarted), owner)
	return err
}

// DeleteExpired removes entries past their lease or TTL
func (s *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := s.db.Exec(ctx, `DELETE FROM rx_inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// Stats holds inbox statistics
type Stats struct {
	TotalEntries int64
	Started      int64
	Finished     int64
}

// GetStats returns current inbox statistics
func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT
			COUNT(*) as total,
			COUNT(*) FILTER (WHERE status = 'STARTED') as started,
			COUNT(*) FILTER (WHERE status = 'FINISHED') as finished
		FROM rx_inbox
	`

	stats := &Stats{}
	err := s.db.QueryRow(ctx, query).Scan(&stats.TotalEntries, &stats.Started, &stats.Finished)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
