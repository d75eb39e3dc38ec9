package ratelimit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const counterKeyPrefix = "request_counter:"

// Counter is the per-(rule, identifier) window state, JSON-serialized in
// the shared store under request_counter:<rule>:<identifier>.
type Counter struct {
	RuleID      uuid.UUID `json:"ruleId"`
	Identifier  string    `json:"identifier"`
	Count       int       `json:"count"`
	WindowStart time.Time `json:"windowStart"`
}

// CounterStore reads and writes window counters. Get returns (nil, nil)
// when no counter exists yet.
type CounterStore interface {
	Get(ctx context.Context, ruleID uuid.UUID, identifier string) (*Counter, error)
	Save(ctx context.Context, counter Counter, ttl time.Duration) error
	DeleteByRule(ctx context.Context, ruleID uuid.UUID) error
}

type RedisCounterStore struct {
	rdb *redis.Client
}

func NewRedisCounterStore(rdb *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{rdb: rdb}
}

func counterKey(ruleID uuid.UUID, identifier string) string {
	return counterKeyPrefix + ruleID.String() + ":" + identifier
}

func (s *RedisCounterStore) Get(ctx context.Context, ruleID uuid.UUID, identifier string) (*Counter, error) {
	raw, err := s.rdb.Get(ctx, counterKey(ruleID, identifier)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var c Counter
	if err := json.Unmarshal(raw, &c); err != nil {
		// A corrupt counter is treated as absent; the next save overwrites it.
		return nil, nil
	}
	return &c, nil
}

func (s *RedisCounterStore) Save(ctx context.Context, counter Counter, ttl time.Duration) error {
	j, err := json.Marshal(counter)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, counterKey(counter.RuleID, counter.Identifier), j, ttl).Err()
}

// DeleteByRule removes all counters belonging to a rule, used when a rule
// is deleted from the admin plane.
func (s *RedisCounterStore) DeleteByRule(ctx context.Context, ruleID uuid.UUID) error {
	pattern := counterKeyPrefix + ruleID.String() + ":*"
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
