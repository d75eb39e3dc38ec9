// Package ratelimit implements the per-rule window accounting and the
// leaky-bucket queue admission that back the gateway's traffic decisions.
package ratelimit

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/secprog/poors-man-ratelimiter/internal/rules"
	"github.com/secprog/poors-man-ratelimiter/pkg/metrics"
)

// counterTTLSlack keeps a counter alive slightly past its window so a
// racing read never observes a key vanishing mid-window.
const counterTTLSlack = 5 * time.Second

// Decision is the outcome of evaluating one or more rules for a request.
type Decision struct {
	Allowed bool
	Queued  bool
	Delay   time.Duration
}

// Limiter runs the window counter algorithm against the shared store and
// defers to the queue accountant when a rule allows queueing.
type Limiter struct {
	counters CounterStore
	queue    *QueueAccountant
	clock    func() time.Time
}

func New(counters CounterStore, queue *QueueAccountant) *Limiter {
	return &Limiter{counters: counters, queue: queue, clock: time.Now}
}

// Check evaluates a single rule for an identifier.
//
// The read-modify-write against the store is deliberately not atomic:
// under contention two requests near the threshold may both observe
// count < N and both commit. Overshoot is bounded by the number of
// concurrent writers and never carries across windows.
func (l *Limiter) Check(ctx context.Context, rule *rules.Rule, identifier string) Decision {
	now := l.clock()
	counter, err := l.counters.Get(ctx, rule.ID, identifier)
	if err != nil {
		// Fail open: availability beats strict accounting here.
		log.Error().Err(err).Str("rule", rule.ID.String()).Msg("counter read failed; allowing request")
		metrics.StoreErrors.WithLabelValues("counter_get").Inc()
		metrics.FailOpen.Inc()
		return Decision{Allowed: true}
	}

	window := time.Duration(rule.WindowSeconds) * time.Second
	ttl := window + counterTTLSlack

	if counter == nil || now.After(counter.WindowStart.Add(window)) {
		l.save(ctx, Counter{RuleID: rule.ID, Identifier: identifier, Count: 1, WindowStart: now}, ttl)
		return Decision{Allowed: true}
	}

	if counter.Count < rule.AllowedRequests {
		counter.Count++
		l.save(ctx, *counter, ttl)
		return Decision{Allowed: true}
	}

	if !rule.QueueEnabled {
		return Decision{}
	}

	delay, ok := l.queue.Admit(rule.ID, identifier, rule.MaxQueueSize, rule.DelayPerRequestMs)
	if !ok {
		return Decision{Queued: true} // queue full: blocked, flagged as queued rejection
	}
	return Decision{Allowed: true, Queued: true, Delay: delay}
}

func (l *Limiter) save(ctx context.Context, c Counter, ttl time.Duration) {
	if err := l.counters.Save(ctx, c, ttl); err != nil {
		// Write failures are swallowed; the request proceeds.
		log.Warn().Err(err).Str("rule", c.RuleID.String()).Msg("counter update failed")
		metrics.StoreErrors.WithLabelValues("counter_save").Inc()
	}
}

// Aggregate folds per-rule decisions into one request decision: any block
// wins outright, otherwise the largest queued delay governs. The queued
// flag on a blocked aggregate marks a queue-full rejection.
func Aggregate(decisions []Decision) Decision {
	agg := Decision{Allowed: true}
	queueFull := false
	for _, d := range decisions {
		if !d.Allowed {
			agg.Allowed = false
			if d.Queued {
				queueFull = true
			}
			continue
		}
		if d.Queued {
			agg.Queued = true
			if d.Delay > agg.Delay {
				agg.Delay = d.Delay
			}
		}
	}
	if !agg.Allowed {
		// Only a queue-full rejection keeps the queued marker.
		return Decision{Queued: queueFull}
	}
	return agg
}
