package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/pairwise/authd/internal/kvstore"
)

const schema = `
	CREATE TABLE IF NOT EXISTS kv_entries (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_kv_entries_expires_at ON kv_entries (expires_at);
`

// Store implements kvstore.Store on top of PostgreSQL. Expiry is lazy: reads
// filter on expires_at and a periodic DeleteExpired sweep reclaims rows.
// Useful where a deployment already runs Postgres but not Redis.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Postgres-backed key-value store and ensures the schema exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to ensure kv schema: %w", mapPostgresError(err))
	}
	return &Store{pool: pool}, nil
}

// Get returns the value for key, or kvstore.ErrNotFound if absent or expired.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	query := `SELECT value FROM kv_entries WHERE key = $1 AND expires_at > now()`

	var value string
	err := s.pool.QueryRow(ctx, query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", kvstore.ErrNotFound
		}
		return "", fmt.Errorf("failed to get %q: %w", key, mapPostgresError(err))
	}
	return value, nil
}

// SetWithTTL upserts key=value with the given expiry.
func (s *Store) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	query := `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`

	_, err := s.pool.Exec(ctx, query, key, value, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("failed to set %q: %w", key, mapPostgresError(err))
	}
	return nil
}

// Delete removes the given keys and returns how many live rows were removed.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	query := `DELETE FROM kv_entries WHERE key = ANY($1) AND expires_at > now()`

	result, err := s.pool.Exec(ctx, query, keys)
	if err != nil {
		return 0, fmt.Errorf("failed to delete keys: %w", mapPostgresError(err))
	}
	return result.RowsAffected(), nil
}

// Exists reports whether key is present and unexpired.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM kv_entries WHERE key = $1 AND expires_at > now())`

	var exists bool
	if err := s.pool.QueryRow(ctx, query, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check %q: %w", key, mapPostgresError(err))
	}
	return exists, nil
}

// ListKeysByPrefix returns all live keys starting with prefix.
// The primary key index serves the LIKE prefix match.
func (s *Store) ListKeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	query := `SELECT key FROM kv_entries WHERE key LIKE $1 AND expires_at > now()`

	rows, err := s.pool.Query(ctx, query, likeEscape(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list keys for %q: %w", prefix, mapPostgresError(err))
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list keys for %q: %w", prefix, mapPostgresError(err))
	}
	return keys, nil
}

// DeleteExpired removes all expired rows (cleanup job).
func (s *Store) DeleteExpired(ctx context.Context) (int, error) {
	query := `DELETE FROM kv_entries WHERE expires_at <= now()`

	result, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired entries: %w", mapPostgresError(err))
	}

	count := int(result.RowsAffected())
	if count > 0 {
		log.Info().Int("count", count).Msg("Deleted expired kv entries")
	}
	return count, nil
}

// Ping verifies connectivity to the database.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", kvstore.ErrUnavailable, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// likeEscape escapes LIKE metacharacters so prefixes are matched literally.
func likeEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

// mapPostgresError maps PostgreSQL-specific errors to sentinel errors.
// Anything the server did not report as a SQL error is transport trouble
// (dial refused, reset, deadline) and maps to kvstore.ErrUnavailable, so
// callers never mistake an outage for a missing or invalid entry.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		// Caller cancellation is not an outage.
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", kvstore.ErrUnavailable, err)
	}

	switch pgErr.Code {
	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.CannotConnectNow,
		pgerrcode.SQLClientUnableToEstablishSQLConnection,
		pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown,
		pgerrcode.TooManyConnections:
		return fmt.Errorf("%w: %v", kvstore.ErrUnavailable, err)

	case pgerrcode.QueryCanceled:
		return fmt.Errorf("query canceled: %w", err)

	default:
		return fmt.Errorf("postgres error [%s]: %s: %w", pgErr.Code, pgErr.Message, err)
	}
}
