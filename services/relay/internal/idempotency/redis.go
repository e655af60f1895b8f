package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "relay:processed:"

type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func newRedisStore(dsn string, ttl time.Duration) *redisStore {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		opts = &redis.Options{Addr: dsn}
	}
	return &redisStore{
		client: redis.NewClient(opts),
		ttl:    ttl,
	}
}

func (s *redisStore) Seen(ctx context.Context, identity string) (bool, error) {
	n, err := s.client.Exists(ctx, redisKeyPrefix+identity).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *redisStore) Mark(ctx context.Context, identity string) (bool, error) {
	// SetNX returns true if the key was SET, i.e. this caller is first.
	return s.client.SetNX(ctx, redisKeyPrefix+identity, 1, s.ttl).Result()
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
