package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/secprog/poors-man-ratelimiter/internal/analytics"
	"github.com/secprog/poors-man-ratelimiter/internal/antibot"
	"github.com/secprog/poors-man-ratelimiter/internal/identity"
	"github.com/secprog/poors-man-ratelimiter/internal/sysconfig"
	"github.com/secprog/poors-man-ratelimiter/pkg/metrics"
)

// HeaderRejectionReason names the screening check that rejected a request.
const HeaderRejectionReason = "X-Rejection-Reason"

// AntiBot screens write requests through the bot validator. Reads and
// a disabled feature flag pass straight through.
func AntiBot(validator *antibot.Validator, settings *sysconfig.Settings, rec *analytics.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !writeMethod(r.Method) || !settings.AntibotEnabled(r.Context()) {
				next.ServeHTTP(w, r)
				return
			}

			verdict := validator.Validate(r, settings.MinSubmitTime(r.Context()))
			if verdict.OK {
				next.ServeHTTP(w, r)
				return
			}

			status := http.StatusForbidden
			if verdict.Duplicate {
				status = http.StatusConflict
				w.Header().Set("X-Duplicate-Request", "true")
			}
			w.Header().Set(HeaderRejectionReason, verdict.Reason)
			writeError(w, status, "antibot_rejected")

			metrics.Decisions.WithLabelValues("antibot").Inc()
			rec.CountBlocked()
			rec.Log(analytics.LogEntry{
				ID:         uuid.New(),
				Timestamp:  time.Now().UTC(),
				Method:     r.Method,
				Path:       r.URL.Path,
				Host:       r.Host,
				ClientIP:   identity.ClientIP(r),
				Decision:   analytics.DecisionRejected,
				StatusCode: status,
			})
		})
	}
}
