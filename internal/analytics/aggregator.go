package analytics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/secprog/poors-man-ratelimiter/pkg/metrics"
)

// Aggregator flushes the recorder's pending counts into the minute
// bucket for the current minute and prunes buckets past retention.
type Aggregator struct {
	rec   *Recorder
	store Store
	cfg   ConfigSource
	clock func() time.Time
}

func NewAggregator(rec *Recorder, store Store, cfg ConfigSource) *Aggregator {
	return &Aggregator{rec: rec, store: store, cfg: cfg, clock: time.Now}
}

// Flush is one aggregation pass. A pass with nothing pending touches
// nothing in the store.
func (a *Aggregator) Flush(ctx context.Context) error {
	allowed, blocked := a.rec.drain()
	if allowed == 0 && blocked == 0 {
		return nil
	}

	minute := a.clock().Unix() / 60
	retention := time.Duration(a.cfg.RetentionDays(ctx)) * 24 * time.Hour

	if err := a.store.AddToBucket(ctx, minute, allowed, blocked, retention); err != nil {
		metrics.StoreErrors.WithLabelValues("stats_flush").Inc()
		return err
	}
	cutoff := minute - int64(retention/time.Minute)
	return a.store.PruneIndex(ctx, cutoff)
}

// Run flushes on the given interval until the context is cancelled.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Final flush so shutdown does not lose the last window.
			flushCtx, cancel := context.WithTimeout(context.Background(), logWriteTimeout)
			if err := a.Flush(flushCtx); err != nil {
				log.Error().Err(err).Msg("final stats flush failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := a.Flush(ctx); err != nil {
				log.Error().Err(err).Msg("stats flush failed")
			}
		}
	}
}
