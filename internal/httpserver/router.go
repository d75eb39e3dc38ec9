// Package httpserver builds the public data-plane router: a couple of
// local token endpoints and a catch-all that screens and forwards
// everything else.
package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/secprog/poors-man-ratelimiter/internal/analytics"
	"github.com/secprog/poors-man-ratelimiter/internal/antibot"
	"github.com/secprog/poors-man-ratelimiter/internal/middleware"
	"github.com/secprog/poors-man-ratelimiter/internal/proxy"
	"github.com/secprog/poors-man-ratelimiter/internal/sysconfig"
)

// Deps carries everything the router needs; built once in main.
type Deps struct {
	Validator *antibot.Validator
	Settings  *sysconfig.Settings
	Recorder  *analytics.Recorder
	RateLimit *middleware.RateLimiter
	Proxies   *proxy.Pool

	MaxBodyBytes  int64
	AdminBasePath string
}

// NewRouter builds the Chi router for the public port.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.AccessLoggerFromEnv())
	r.Use(middleware.AdminPathGuard(d.AdminBasePath))

	r.Get("/api/tokens/form", d.handleFormToken)
	r.Get("/api/tokens/challenge", d.handleChallenge)

	// Everything else runs the screening chain and is proxied.
	forward := middleware.BodyBuffer(d.MaxBodyBytes)(
		d.RateLimit.Handler(
			middleware.AntiBot(d.Validator, d.Settings, d.Recorder)(
				http.HandlerFunc(d.handleProxy))))
	r.NotFound(forward.ServeHTTP)

	return r
}

func (d Deps) handleFormToken(w http.ResponseWriter, r *http.Request) {
	token, loadTime := d.Validator.IssueToken()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"token":         token,
		"loadTime":      loadTime,
		"honeypotField": d.Settings.HoneypotField(r.Context()),
		"expiresIn":     int(antibot.TokenTTL.Seconds()),
	})
}

func (d Deps) handleChallenge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d.Validator.WriteChallenge(w, r, antibot.ChallengeOptions{
		Type:             d.Settings.ChallengeType(ctx),
		MetaRefreshDelay: d.Settings.MetaRefreshDelay(ctx),
		PreactDifficulty: d.Settings.PreactDifficulty(ctx),
	})
}

func (d Deps) handleProxy(w http.ResponseWriter, r *http.Request) {
	target := middleware.UpstreamTarget(r)
	if target != "" {
		log.Debug().Str("target", target).Str("path", r.URL.Path).Msg("routing to rule target")
	}
	d.Proxies.For(target).ServeHTTP(w, r)
}
