// Package idempotency records which webhook event identities the relay has
// already handled.
//
// Primary backend: Redis SETNX (env REDIS_DSN).
// Fallback: Postgres INSERT ... ON CONFLICT (env DATABASE_URL).
// Otherwise an in-memory set scoped to the process lifetime.
package idempotency

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Processed Set. Identities are never removed by the relay;
// only a Redis TTL can expire them.
type Store interface {
	// Seen reports whether identity was already marked.
	Seen(ctx context.Context, identity string) (bool, error)
	// Mark records identity. first is false when another caller marked it
	// before this call, which lets concurrent deliveries of one event
	// agree on a single winner.
	Mark(ctx context.Context, identity string) (first bool, err error)
}

// Pinger is implemented by backends that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Backend names, for logs.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// NewStore picks the best available backend: Redis > Postgres > memory.
// pool may be nil. ttl applies to Redis keys only; zero keeps them forever.
func NewStore(redisDSN string, pool *pgxpool.Pool, ttl time.Duration) (Store, string) {
	if redisDSN != "" {
		return newRedisStore(redisDSN, ttl), BackendRedis
	}
	if pool != nil {
		return newPostgresStore(pool), BackendPostgres
	}
	return NewMemoryStore(), BackendMemory
}
