// Package antibot screens write requests for the usual low-effort
// automation tells: filled honeypot fields, instant form submits,
// replayed one-time tokens and duplicate idempotency keys.
package antibot

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

const (
	HeaderFormToken      = "X-Form-Token"
	HeaderFormLoadTime   = "X-Form-Load-Time"
	HeaderHoneypot       = "X-Honeypot"
	HeaderIdempotencyKey = "X-Idempotency-Key"

	// ChallengeCookie carries the token for the no-JS meta-refresh flow.
	ChallengeCookie = "X-Form-Token-Challenge"

	// TokenTTL is advertised to clients as expiresIn.
	TokenTTL = 10 * time.Minute
)

// Rejection reasons, surfaced in the X-Rejection-Reason header.
const (
	ReasonHoneypot     = "honeypot"
	ReasonTooFast      = "too-fast"
	ReasonInvalidToken = "invalid-token"
	ReasonReusedToken  = "reused-token"
	ReasonDuplicate    = "duplicate"
)

const cacheCapacity = 100_000

// Verdict is the outcome of a validation pass. Duplicate marks the
// idempotency conflict, which answers 409 instead of 403.
type Verdict struct {
	OK        bool
	Reason    string
	Duplicate bool
}

var pass = Verdict{OK: true}

// Validator holds the node-local token and idempotency state. All
// three caches are bounded and expire entries on their own TTLs, so
// an abusive client cannot grow them without limit.
type Validator struct {
	validTokens *expirable.LRU[string, int64]
	usedTokens  *expirable.LRU[string, struct{}]
	idempotency *expirable.LRU[string, struct{}]

	clock func() time.Time
}

func NewValidator() *Validator {
	return &Validator{
		validTokens: expirable.NewLRU[string, int64](cacheCapacity, nil, 10*time.Minute),
		usedTokens:  expirable.NewLRU[string, struct{}](cacheCapacity, nil, 15*time.Minute),
		idempotency: expirable.NewLRU[string, struct{}](cacheCapacity, nil, time.Hour),
		clock:       time.Now,
	}
}

// IssueToken mints a fresh one-time token and returns it with its
// issuance time in Unix milliseconds.
func (v *Validator) IssueToken() (token string, loadTime int64) {
	token = uuid.NewString()
	loadTime = v.clock().UnixMilli()
	v.validTokens.Add(token, loadTime)
	return token, loadTime
}

// Validate runs the checks in a fixed order and stops at the first
// failure. Checks whose input is absent are skipped, so plain API
// calls without form headers still pass.
func (v *Validator) Validate(r *http.Request, minSubmitTime time.Duration) Verdict {
	if hp := r.Header.Get(HeaderHoneypot); hp != "" {
		log.Warn().Str("ip", r.RemoteAddr).Msg("honeypot triggered")
		return Verdict{Reason: ReasonHoneypot}
	}

	if raw := r.Header.Get(HeaderFormLoadTime); raw != "" {
		loadTime, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			log.Warn().Str("ip", r.RemoteAddr).Msg("unparseable form load time")
		} else if elapsed := v.clock().UnixMilli() - loadTime; elapsed < minSubmitTime.Milliseconds() {
			log.Warn().Int64("elapsed_ms", elapsed).Str("ip", r.RemoteAddr).Msg("form submitted too fast")
			return Verdict{Reason: ReasonTooFast}
		}
	}

	if token := formToken(r); token != "" {
		if _, used := v.usedTokens.Get(token); used {
			log.Warn().Str("ip", r.RemoteAddr).Msg("reused form token")
			return Verdict{Reason: ReasonReusedToken}
		}
		if _, ok := v.validTokens.Get(token); !ok {
			log.Warn().Str("ip", r.RemoteAddr).Msg("invalid form token")
			return Verdict{Reason: ReasonInvalidToken}
		}
		// One shot: consume now so a replay inside the TTL fails.
		v.validTokens.Remove(token)
		v.usedTokens.Add(token, struct{}{})
	}

	if key := r.Header.Get(HeaderIdempotencyKey); key != "" {
		if _, seen := v.idempotency.Get(key); seen {
			log.Info().Str("key", key).Msg("duplicate request blocked")
			return Verdict{Reason: ReasonDuplicate, Duplicate: true}
		}
		v.idempotency.Add(key, struct{}{})
	}

	return pass
}

func formToken(r *http.Request) string {
	if token := r.Header.Get(HeaderFormToken); token != "" {
		return token
	}
	if c, err := r.Cookie(ChallengeCookie); err == nil {
		return c.Value
	}
	return ""
}
