package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/secprog/poors-man-ratelimiter/internal/analytics"
	"github.com/secprog/poors-man-ratelimiter/internal/identity"
	"github.com/secprog/poors-man-ratelimiter/internal/ratelimit"
	"github.com/secprog/poors-man-ratelimiter/internal/rules"
	"github.com/secprog/poors-man-ratelimiter/pkg/metrics"
)

type targetKey struct{}

// UpstreamTarget returns the targetUri of the matched rule that routes
// this request, or "" for the default upstream.
func UpstreamTarget(r *http.Request) string {
	target, _ := r.Context().Value(targetKey{}).(string)
	return target
}

// RateLimiter is the enforcement stage: it matches rules, resolves one
// identifier per rule, checks every counter and folds the decisions.
type RateLimiter struct {
	cache   *rules.Cache
	limiter *ratelimit.Limiter
	rec     *analytics.Recorder
}

func NewRateLimiter(cache *rules.Cache, limiter *ratelimit.Limiter, rec *analytics.Recorder) *RateLimiter {
	return &RateLimiter{cache: cache, limiter: limiter, rec: rec}
}

func (m *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		matched := m.cache.Match(r.URL.Path, r.Method, r.Host)
		if len(matched) == 0 {
			m.serve(w, r, next, analytics.DecisionAllowed, "", nil, 0)
			return
		}

		clientIP := identity.ClientIP(r)
		body := BufferedBody(r)

		decisions := make([]ratelimit.Decision, 0, len(matched))
		ruleIDs := make([]uuid.UUID, 0, len(matched))
		var identifier string
		for i := range matched {
			rule := &matched[i]
			id := identity.Resolve(r, rule, clientIP, body)
			if identifier == "" {
				identifier = id
			}
			decisions = append(decisions, m.limiter.Check(r.Context(), rule, id))
			ruleIDs = append(ruleIDs, rule.ID)
		}

		agg := ratelimit.Aggregate(decisions)
		if !agg.Allowed {
			if agg.Queued {
				w.Header().Set("X-RateLimit-Queued", "true")
			}
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			metrics.Decisions.WithLabelValues("blocked").Inc()
			m.rec.CountBlocked()
			m.log(r, analytics.DecisionBlocked, identifier, ruleIDs, http.StatusTooManyRequests, 0)
			return
		}

		decision := analytics.DecisionAllowed
		if agg.Queued {
			decision = analytics.DecisionQueued
			w.Header().Set("X-RateLimit-Queued", "true")
			w.Header().Set("X-RateLimit-Delay-Ms", formatMs(agg.Delay))
			select {
			case <-time.After(agg.Delay):
			case <-r.Context().Done():
				// Client gave up while parked; nothing to serve.
				return
			}
		}

		if target := routeTarget(matched); target != "" {
			r = r.WithContext(context.WithValue(r.Context(), targetKey{}, target))
		}
		m.serve(w, r, next, decision, identifier, ruleIDs, agg.Delay)
	})
}

func (m *RateLimiter) serve(w http.ResponseWriter, r *http.Request, next http.Handler, decision, identifier string, ruleIDs []uuid.UUID, delay time.Duration) {
	sr := &statusRecorder{ResponseWriter: w, code: 200}
	next.ServeHTTP(sr, r)

	// The screening stage downstream accounts for its own rejections.
	if sr.Header().Get(HeaderRejectionReason) != "" {
		return
	}

	metrics.Decisions.WithLabelValues(decision).Inc()
	m.rec.CountAllowed()
	m.log(r, decision, identifier, ruleIDs, sr.code, delay)
}

func (m *RateLimiter) log(r *http.Request, decision, identifier string, ruleIDs []uuid.UUID, status int, delay time.Duration) {
	m.rec.Log(analytics.LogEntry{
		ID:         uuid.New(),
		Timestamp:  time.Now().UTC(),
		Method:     r.Method,
		Path:       r.URL.Path,
		Host:       r.Host,
		ClientIP:   identity.ClientIP(r),
		Identifier: identifier,
		Decision:   decision,
		StatusCode: status,
		DelayMs:    delay.Milliseconds(),
		RuleIDs:    ruleIDs,
	})
}

// routeTarget picks the first matched rule that names its own
// upstream. Matched rules arrive specific-first in priority order, so
// a specific route wins over a global one.
func routeTarget(matched []rules.Rule) string {
	for i := range matched {
		if matched[i].TargetURI != "" {
			return matched[i].TargetURI
		}
	}
	return ""
}

func formatMs(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
