package sysconfig

import (
	"context"

	redis "github.com/redis/go-redis/v9"
)

const configHashKey = "system_config"

// Store is the persistence behind Settings. Get returns "" for an
// absent key.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	SetIfAbsent(ctx context.Context, key, value string) error
	All(ctx context.Context) (map[string]string, error)
}

// RedisStore keeps the whole config in one hash.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.HGet(ctx, configHashKey, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	return s.rdb.HSet(ctx, configHashKey, key, value).Err()
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string) error {
	return s.rdb.HSetNX(ctx, configHashKey, key, value).Err()
}

func (s *RedisStore) All(ctx context.Context) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, configHashKey).Result()
}
