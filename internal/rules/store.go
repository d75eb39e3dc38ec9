package rules

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const rulesHashKey = "rate_limit_rules"

// Store persists rules. Implementations must tolerate concurrent use.
type Store interface {
	FindAll(ctx context.Context) ([]Rule, error)
	FindActive(ctx context.Context) ([]Rule, error)
	FindByID(ctx context.Context, id uuid.UUID) (*Rule, error)
	Save(ctx context.Context, rule Rule) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// RedisStore keeps rules in a single hash, field = rule ID, value = JSON.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) FindAll(ctx context.Context) ([]Rule, error) {
	raw, err := s.rdb.HGetAll(ctx, rulesHashKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Rule, 0, len(raw))
	for field, val := range raw {
		var r Rule
		if err := json.Unmarshal([]byte(val), &r); err != nil {
			// A malformed rule must not take down the cache reload.
			log.Warn().Str("rule", field).Err(err).Msg("skipping malformed rule")
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

func (s *RedisStore) FindActive(ctx context.Context) ([]Rule, error) {
	all, err := s.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, r := range all {
		if r.Active {
			active = append(active, r)
		}
	}
	return active, nil
}

func (s *RedisStore) FindByID(ctx context.Context, id uuid.UUID) (*Rule, error) {
	val, err := s.rdb.HGet(ctx, rulesHashKey, id.String()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r Rule
	if err := json.Unmarshal([]byte(val), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *RedisStore) Save(ctx context.Context, rule Rule) error {
	j, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	return s.rdb.HSet(ctx, rulesHashKey, rule.ID.String(), j).Err()
}

func (s *RedisStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.rdb.HDel(ctx, rulesHashKey, id.String()).Err()
}
