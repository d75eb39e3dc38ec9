package analytics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/secprog/poors-man-ratelimiter/pkg/metrics"
)

const logWriteTimeout = 2 * time.Second

// ConfigSource provides the runtime tunables the pipeline reads on
// every write. Satisfied by sysconfig.Settings.
type ConfigSource interface {
	TrafficLogMaxEntries(ctx context.Context) int64
	TrafficLogRetention(ctx context.Context) time.Duration
	RetentionDays(ctx context.Context) int
}

// Recorder buffers decision counts in-process and appends decision log
// entries off the request path.
type Recorder struct {
	store Store
	cfg   ConfigSource

	pendingAllowed atomic.Int64
	pendingBlocked atomic.Int64
}

func NewRecorder(store Store, cfg ConfigSource) *Recorder {
	return &Recorder{store: store, cfg: cfg}
}

func (r *Recorder) CountAllowed() { r.pendingAllowed.Add(1) }
func (r *Recorder) CountBlocked() { r.pendingBlocked.Add(1) }

// drain atomically takes the pending totals, leaving zero behind.
func (r *Recorder) drain() (allowed, blocked int64) {
	return r.pendingAllowed.Swap(0), r.pendingBlocked.Swap(0)
}

// Log appends an entry without blocking the caller. A failed write is
// logged and dropped; the decision itself has already been served.
func (r *Recorder) Log(entry LogEntry) {
	go r.appendLog(entry)
}

func (r *Recorder) appendLog(entry LogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), logWriteTimeout)
	defer cancel()

	maxEntries := r.cfg.TrafficLogMaxEntries(ctx)
	retention := r.cfg.TrafficLogRetention(ctx)
	if err := r.store.AppendLog(ctx, entry, maxEntries, retention); err != nil {
		metrics.StoreErrors.WithLabelValues("log_append").Inc()
		log.Warn().Err(err).Msg("failed to append traffic log")
	}
}
