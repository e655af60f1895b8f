package idempotency

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

const createProcessedEvents = `CREATE TABLE IF NOT EXISTS relay_processed_events (
	event_id   TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type postgresStore struct {
	pool *pgxpool.Pool
}

func newPostgresStore(pool *pgxpool.Pool) *postgresStore {
	return &postgresStore{pool: pool}
}

// EnsureSchema creates the processed-events table when the store is
// Postgres-backed. Other backends are a no-op.
func EnsureSchema(ctx context.Context, s Store) error {
	pg, ok := s.(*postgresStore)
	if !ok {
		return nil
	}
	_, err := pg.pool.Exec(ctx, createProcessedEvents)
	return err
}

func (s *postgresStore) Seen(ctx context.Context, identity string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM relay_processed_events WHERE event_id = $1)`
	var exists bool
	if err := s.pool.QueryRow(ctx, q, identity).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// Mark uses INSERT ... ON CONFLICT so the first writer wins atomically.
func (s *postgresStore) Mark(ctx context.Context, identity string) (bool, error) {
	const q = `INSERT INTO relay_processed_events (event_id, created_at)
	           VALUES ($1, now())
	           ON CONFLICT (event_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, q, identity)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
