// Package admin serves the control surface: rule CRUD, system config,
// analytics queries and the live dashboard socket. It is bound to
// loopback and never exposed through the data plane.
package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/secprog/poors-man-ratelimiter/internal/analytics"
	"github.com/secprog/poors-man-ratelimiter/internal/middleware"
	"github.com/secprog/poors-man-ratelimiter/internal/ratelimit"
	"github.com/secprog/poors-man-ratelimiter/internal/rules"
	"github.com/secprog/poors-man-ratelimiter/internal/sysconfig"
)

// BasePath is the URL prefix of every admin API route.
const BasePath = "/poormansRateLimit/api/admin"

// Deps carries the stores and services the admin surface operates on.
type Deps struct {
	Rules       rules.Store
	Cache       *rules.Cache
	Counters    ratelimit.CounterStore
	Settings    *sysconfig.Settings
	Logs        analytics.Store
	Reader      *analytics.Reader
	Broadcaster *analytics.Broadcaster
}

// NewRouter builds the Chi router for the admin port.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID, chimw.Recoverer)
	r.Use(middleware.AccessLoggerFromEnv())

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route(BasePath, func(api chi.Router) {
		api.Route("/rules", func(rr chi.Router) {
			rr.Get("/", d.listRules)
			rr.Get("/active", d.listActiveRules)
			rr.Post("/", d.createRule)
			rr.Post("/refresh", d.refreshRules)
			rr.Get("/{id}", d.getRule)
			rr.Put("/{id}", d.replaceRule)
			rr.Patch("/{id}/queue", d.patchQueue)
			rr.Patch("/{id}/body-limit", d.patchBodyLimit)
			rr.Delete("/{id}", d.deleteRule)
		})

		api.Get("/config", d.listConfig)
		api.Post("/config/{key}", d.updateConfig)

		api.Get("/analytics/summary", d.analyticsSummary)
		api.Get("/analytics/timeseries", d.analyticsTimeseries)
		api.Get("/analytics/traffic", d.analyticsTraffic)

		api.Get("/ws/analytics", d.Broadcaster.HandleWS)
	})

	return r
}
