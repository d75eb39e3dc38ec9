// Package analytics records per-request decisions, rolls them up into
// minute buckets in the shared store, and streams live summaries to
// admin dashboards.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	trafficLogKey  = "traffic_logs"
	statsIndexKey  = "request_stats:index"
	statsKeyPrefix = "request_stats:"
)

// Decision values recorded per log entry.
const (
	DecisionAllowed  = "allowed"
	DecisionQueued   = "queued"
	DecisionBlocked  = "blocked"
	DecisionRejected = "rejected-by-antibot"
)

// LogEntry is one terminal decision on the data plane.
type LogEntry struct {
	ID         uuid.UUID   `json:"id"`
	Timestamp  time.Time   `json:"timestamp"`
	Method     string      `json:"method"`
	Path       string      `json:"path"`
	Host       string      `json:"host"`
	ClientIP   string      `json:"clientIp"`
	Identifier string      `json:"identifier,omitempty"`
	Decision   string      `json:"decision"`
	StatusCode int         `json:"statusCode"`
	DelayMs    int64       `json:"delayMs,omitempty"`
	RuleIDs    []uuid.UUID `json:"ruleIds,omitempty"`
}

// Bucket is one minute of aggregated totals.
type Bucket struct {
	Minute  int64
	Allowed int64
	Blocked int64
}

// Store is the persistence behind the analytics pipeline.
type Store interface {
	AppendLog(ctx context.Context, entry LogEntry, maxEntries int64, retention time.Duration) error
	RecentLogs(ctx context.Context, limit int64) ([]LogEntry, error)
	AddToBucket(ctx context.Context, minute, allowed, blocked int64, retention time.Duration) error
	PruneIndex(ctx context.Context, beforeMinute int64) error
	BucketsSince(ctx context.Context, fromMinute int64) ([]Bucket, error)
}

// RedisStore keeps the decision log in a capped list and the minute
// buckets in per-minute hashes indexed by a sorted set.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func statsKey(minute int64) string {
	return statsKeyPrefix + strconv.FormatInt(minute, 10)
}

func (s *RedisStore) AppendLog(ctx context.Context, entry LogEntry, maxEntries int64, retention time.Duration) error {
	j, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, trafficLogKey, j)
	pipe.LTrim(ctx, trafficLogKey, 0, maxEntries-1)
	pipe.Expire(ctx, trafficLogKey, retention)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) RecentLogs(ctx context.Context, limit int64) ([]LogEntry, error) {
	raw, err := s.rdb.LRange(ctx, trafficLogKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]LogEntry, 0, len(raw))
	for _, item := range raw {
		var entry LogEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			log.Warn().Err(err).Msg("skipping malformed traffic log entry")
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *RedisStore) AddToBucket(ctx context.Context, minute, allowed, blocked int64, retention time.Duration) error {
	key := statsKey(minute)
	pipe := s.rdb.Pipeline()
	if allowed > 0 {
		pipe.HIncrBy(ctx, key, "allowed", allowed)
	}
	if blocked > 0 {
		pipe.HIncrBy(ctx, key, "blocked", blocked)
	}
	pipe.ZAdd(ctx, statsIndexKey, redis.Z{Score: float64(minute), Member: strconv.FormatInt(minute, 10)})
	pipe.Expire(ctx, key, retention)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) PruneIndex(ctx context.Context, beforeMinute int64) error {
	if beforeMinute <= 0 {
		return nil
	}
	max := strconv.FormatInt(beforeMinute-1, 10)
	return s.rdb.ZRemRangeByScore(ctx, statsIndexKey, "0", max).Err()
}

func (s *RedisStore) BucketsSince(ctx context.Context, fromMinute int64) ([]Bucket, error) {
	members, err := s.rdb.ZRangeByScore(ctx, statsIndexKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", fromMinute),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Bucket, 0, len(members))
	for _, member := range members {
		minute, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		vals, err := s.rdb.HMGet(ctx, statsKey(minute), "allowed", "blocked").Result()
		if err != nil {
			return nil, err
		}
		out = append(out, Bucket{
			Minute:  minute,
			Allowed: fieldInt(vals, 0),
			Blocked: fieldInt(vals, 1),
		})
	}
	return out, nil
}

func fieldInt(vals []interface{}, idx int) int64 {
	if idx >= len(vals) || vals[idx] == nil {
		return 0
	}
	s, ok := vals[idx].(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
