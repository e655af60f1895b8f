package scheduler

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createPendingUnlocks = `CREATE TABLE IF NOT EXISTS relay_pending_unlocks (
	id          UUID PRIMARY KEY,
	event_id    TEXT NOT NULL,
	email       TEXT NOT NULL,
	purchase_id TEXT NOT NULL,
	due_at      TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresJournal stores pending unlocks in relay_pending_unlocks.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

func NewPostgresJournal(pool *pgxpool.Pool) *PostgresJournal {
	return &PostgresJournal{pool: pool}
}

func (j *PostgresJournal) EnsureSchema(ctx context.Context) error {
	_, err := j.pool.Exec(ctx, createPendingUnlocks)
	return err
}

func (j *PostgresJournal) Save(ctx context.Context, t Task) error {
	const q = `INSERT INTO relay_pending_unlocks (id, event_id, email, purchase_id, due_at, created_at)
	           VALUES ($1, $2, $3, $4, $5, $6)
	           ON CONFLICT (id) DO NOTHING`
	_, err := j.pool.Exec(ctx, q, t.ID, t.EventID, t.Email, t.PurchaseID, t.DueAt, t.CreatedAt)
	return err
}

func (j *PostgresJournal) Delete(ctx context.Context, id string) error {
	_, err := j.pool.Exec(ctx, `DELETE FROM relay_pending_unlocks WHERE id = $1`, id)
	return err
}

func (j *PostgresJournal) List(ctx context.Context) ([]Task, error) {
	const q = `SELECT id::text, event_id, email, purchase_id, due_at, created_at
	           FROM relay_pending_unlocks
	           ORDER BY due_at`
	rows, err := j.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Task, error) {
		return scanTask(row)
	})
}

// scanTask reads a row in the column order selected by List.
func scanTask(row pgx.Row) (Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.EventID, &t.Email, &t.PurchaseID, &t.DueAt, &t.CreatedAt)
	return t, err
}
