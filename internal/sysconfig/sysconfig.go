// Package sysconfig holds the runtime tunables kept in the shared store.
// Values are plain strings in a single hash; typed accessors parse and
// clamp on every read so a bad write can never wedge the gateway.
package sysconfig

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

// Recognized keys. Anything else is rejected on update.
const (
	KeyAntibotEnabled          = "antibot-enabled"
	KeyAntibotMinSubmitTime    = "antibot-min-submit-time"
	KeyAntibotHoneypotField    = "antibot-honeypot-field"
	KeyAntibotChallengeType    = "antibot-challenge-type"
	KeyAntibotMetaRefreshDelay = "antibot-metarefresh-delay"
	KeyAntibotPreactDifficulty = "antibot-preact-difficulty"
	KeyAnalyticsRetentionDays  = "analytics-retention-days"
	KeyTrafficLogsRetention    = "traffic-logs-retention-hours"
	KeyTrafficLogsMaxEntries   = "traffic-logs-max-entries"
)

var defaults = map[string]string{
	KeyAntibotEnabled:          "true",
	KeyAntibotMinSubmitTime:    "2000",
	KeyAntibotHoneypotField:    "_hp_email",
	KeyAntibotChallengeType:    "metarefresh",
	KeyAntibotMetaRefreshDelay: "3",
	KeyAntibotPreactDifficulty: "1",
	KeyAnalyticsRetentionDays:  "7",
	KeyTrafficLogsRetention:    "24",
	KeyTrafficLogsMaxEntries:   "10000",
}

const (
	cacheSize = 32
	cacheTTL  = 5 * time.Minute
)

// Settings reads config through a short-lived local cache so the hot
// path never waits on the store for every request.
type Settings struct {
	store Store
	cache *expirable.LRU[string, string]
}

func New(store Store) *Settings {
	return &Settings{
		store: store,
		cache: expirable.NewLRU[string, string](cacheSize, nil, cacheTTL),
	}
}

// Seed writes every default the store does not already hold. Run once
// at startup so the admin surface always shows a complete config.
func (s *Settings) Seed(ctx context.Context) error {
	for key, val := range defaults {
		if err := s.store.SetIfAbsent(ctx, key, val); err != nil {
			return fmt.Errorf("seed %s: %w", key, err)
		}
	}
	return nil
}

// All returns the stored config merged over the defaults.
func (s *Settings) All(ctx context.Context) (map[string]string, error) {
	stored, err := s.store.All(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(defaults))
	for key, val := range defaults {
		out[key] = val
	}
	for key, val := range stored {
		out[key] = val
	}
	return out, nil
}

// ErrUnknownKey reports an update against a key outside the
// recognized set. Store failures are returned as-is.
var ErrUnknownKey = errors.New("unknown config key")

// Update writes through and refreshes the local cache.
func (s *Settings) Update(ctx context.Context, key, value string) error {
	if _, ok := defaults[key]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	if err := s.store.Set(ctx, key, value); err != nil {
		return err
	}
	s.cache.Add(key, value)
	return nil
}

func (s *Settings) getString(ctx context.Context, key string) string {
	if val, ok := s.cache.Get(key); ok {
		return val
	}
	val, err := s.store.Get(ctx, key)
	if err != nil {
		log.Warn().Str("key", key).Err(err).Msg("config read failed; using default")
		return defaults[key]
	}
	if val == "" {
		val = defaults[key]
	}
	s.cache.Add(key, val)
	return val
}

func (s *Settings) getBool(ctx context.Context, key string) bool {
	b, err := strconv.ParseBool(s.getString(ctx, key))
	if err != nil {
		b, _ = strconv.ParseBool(defaults[key])
	}
	return b
}

func (s *Settings) getInt(ctx context.Context, key string) int64 {
	n, err := strconv.ParseInt(s.getString(ctx, key), 10, 64)
	if err != nil {
		n, _ = strconv.ParseInt(defaults[key], 10, 64)
	}
	return n
}

func clamp(n, lo, hi int64) int64 {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func (s *Settings) AntibotEnabled(ctx context.Context) bool {
	return s.getBool(ctx, KeyAntibotEnabled)
}

func (s *Settings) MinSubmitTime(ctx context.Context) time.Duration {
	return time.Duration(s.getInt(ctx, KeyAntibotMinSubmitTime)) * time.Millisecond
}

func (s *Settings) HoneypotField(ctx context.Context) string {
	return s.getString(ctx, KeyAntibotHoneypotField)
}

func (s *Settings) ChallengeType(ctx context.Context) string {
	return s.getString(ctx, KeyAntibotChallengeType)
}

func (s *Settings) MetaRefreshDelay(ctx context.Context) int {
	return int(clamp(s.getInt(ctx, KeyAntibotMetaRefreshDelay), 0, 60))
}

func (s *Settings) PreactDifficulty(ctx context.Context) int {
	return int(clamp(s.getInt(ctx, KeyAntibotPreactDifficulty), 0, 30))
}

func (s *Settings) RetentionDays(ctx context.Context) int {
	return int(clamp(s.getInt(ctx, KeyAnalyticsRetentionDays), 1, 90))
}

func (s *Settings) TrafficLogRetention(ctx context.Context) time.Duration {
	hours := clamp(s.getInt(ctx, KeyTrafficLogsRetention), 1, 168)
	return time.Duration(hours) * time.Hour
}

func (s *Settings) TrafficLogMaxEntries(ctx context.Context) int64 {
	return clamp(s.getInt(ctx, KeyTrafficLogsMaxEntries), 1000, 100000)
}
