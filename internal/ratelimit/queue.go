package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/secprog/poors-man-ratelimiter/pkg/metrics"
)

// QueueAccountant tracks an in-process depth gauge per (rule, identifier)
// for leaky-bucket admission. Depth is strictly node-local: multi-node
// deployments get per-node queues, not a global one.
type QueueAccountant struct {
	depths sync.Map // string -> *atomic.Int64
	clock  func() time.Time
	after  func(time.Duration, func()) // swapped in tests
}

func NewQueueAccountant() *QueueAccountant {
	return &QueueAccountant{
		clock: time.Now,
		after: func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
}

func queueKey(ruleID uuid.UUID, identifier string) string {
	return ruleID.String() + ":" + identifier
}

// Admit tries to take a queue slot. On success it returns the delay the
// caller must wait before proceeding and schedules the matching decrement;
// ok=false means the queue is full.
//
// The slot is never rolled back if the caller abandons the wait: returning
// it would let a client reserve and drop slots for free.
func (q *QueueAccountant) Admit(ruleID uuid.UUID, identifier string, maxQueueSize, delayPerRequestMs int) (delay time.Duration, ok bool) {
	key := queueKey(ruleID, identifier)
	v, _ := q.depths.LoadOrStore(key, &atomic.Int64{})
	depth := v.(*atomic.Int64)

	var position int64
	for {
		cur := depth.Load()
		if cur >= int64(maxQueueSize) {
			log.Debug().Str("queue", key).Int64("depth", cur).Int("max", maxQueueSize).
				Msg("queue full")
			return 0, false
		}
		if depth.CompareAndSwap(cur, cur+1) {
			position = cur + 1
			break
		}
	}

	delay = time.Duration(position) * time.Duration(delayPerRequestMs) * time.Millisecond
	q.after(delay, func() { depth.Add(-1) })
	return delay, true
}

// Depth reports the current gauge value, zero if no gauge exists.
func (q *QueueAccountant) Depth(ruleID uuid.UUID, identifier string) int64 {
	if v, ok := q.depths.Load(queueKey(ruleID, identifier)); ok {
		return v.(*atomic.Int64).Load()
	}
	return 0
}

// Sweep drops gauges that have drained to zero so the map stays bounded.
func (q *QueueAccountant) Sweep() {
	var live int64
	q.depths.Range(func(key, v any) bool {
		if v.(*atomic.Int64).Load() <= 0 {
			q.depths.Delete(key)
		} else {
			live++
		}
		return true
	})
	metrics.QueueGauges.Set(float64(live))
}

// StartSweeper runs Sweep on the given interval until stop is closed.
func (q *QueueAccountant) StartSweeper(interval time.Duration, stop <-chan struct{}) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				q.Sweep()
			case <-stop:
				return
			}
		}
	}()
}
