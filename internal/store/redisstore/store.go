package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const completionKeyPrefix = "pos:completion:"

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// SetOnce marks key for ttl. It returns false if the key was already set.
func (s *Store) SetOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, completionKeyPrefix+key, "1", ttl).Result()
}

// Forget removes a key set by SetOnce.
func (s *Store) Forget(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, completionKeyPrefix+key).Err()
}
