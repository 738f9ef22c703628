package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"itroad-gateway/pkg/requestcontext"
)

// PostgresStore persists rate windows in PostgreSQL for deployments that
// already run a database but no Redis. One upsert per check keeps the
// read-modify-write atomic without explicit transactions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an externally managed connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the rate window table if missing. Called once at
// startup; safe to run concurrently across instances.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS gateway_rate_windows (
			key          TEXT PRIMARY KEY,
			window_start TIMESTAMPTZ NOT NULL,
			count        INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensure rate window schema: %w", err)
	}
	return nil
}

// Allow counts one request against key. The upsert resets the counter when
// the stored window is older than the current slot, so a single statement
// covers both the new-window and increment paths.
func (s *PostgresStore) Allow(ctx context.Context, key string, limit int, windowSize time.Duration) (Result, error) {
	now := requestcontext.Now(ctx)
	slotStart := now.Truncate(windowSize)

	var count int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO gateway_rate_windows (key, window_start, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (key) DO UPDATE SET
			count = CASE
				WHEN gateway_rate_windows.window_start = EXCLUDED.window_start
				THEN gateway_rate_windows.count + 1
				ELSE 1
			END,
			window_start = EXCLUDED.window_start
		RETURNING count`,
		key, slotStart).Scan(&count)
	if err != nil {
		return Result{}, fmt.Errorf("increment rate window: %w", err)
	}

	resetAt := slotStart.Add(windowSize)
	result := Result{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: max(0, limit-count),
		ResetAt:   resetAt,
	}
	if !result.Allowed {
		result.RetryAfter = retryAfterSeconds(resetAt, now)
	}
	return result, nil
}

// Sweep deletes windows whose reset passed before the cutoff.
func (s *PostgresStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM gateway_rate_windows WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep rate windows: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
