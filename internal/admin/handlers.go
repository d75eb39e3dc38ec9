package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/secprog/poors-man-ratelimiter/internal/sysconfig"
)

func (d Deps) listConfig(w http.ResponseWriter, r *http.Request) {
	all, err := d.Settings.All(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (d Deps) updateConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_body")
		return
	}
	if err := d.Settings.Update(r.Context(), key, body.Value); err != nil {
		if errors.Is(err, sysconfig.ErrUnknownKey) {
			writeError(w, http.StatusBadRequest, "unknown_config_key")
			return
		}
		writeError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{key: body.Value})
}

func (d Deps) analyticsSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := d.Reader.Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed":        sum.Allowed,
		"blocked":        sum.Blocked,
		"activePolicies": d.Cache.ActiveCount(),
	})
}

func (d Deps) analyticsTimeseries(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	if hours < 1 {
		hours = 1
	}
	points, err := d.Reader.Timeseries(r.Context(), hours)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (d Deps) analyticsTraffic(w http.ResponseWriter, r *http.Request) {
	limit := int64(queryInt(r, "limit", 100))
	if limit < 1 {
		limit = 1
	}
	logs, err := d.Logs.RecentLogs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}` + "\n"))
}
