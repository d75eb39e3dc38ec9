package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/secprog/poors-man-ratelimiter/internal/rules"
)

func (d Deps) listRules(w http.ResponseWriter, r *http.Request) {
	all, err := d.Rules.FindAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (d Deps) listActiveRules(w http.ResponseWriter, r *http.Request) {
	active, err := d.Rules.FindActive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (d Deps) getRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	rule, err := d.Rules.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}
	if rule == nil {
		writeError(w, http.StatusNotFound, "rule_not_found")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (d Deps) createRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_rule")
		return
	}
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if msg := validateRule(&rule); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := d.Rules.Save(r.Context(), rule); err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}
	d.reloadCache(r)
	log.Info().Str("rule", rule.ID.String()).Str("path", rule.PathPattern).Msg("rule created")
	writeJSON(w, http.StatusCreated, rule)
}

func (d Deps) replaceRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_rule")
		return
	}
	rule.ID = id
	if msg := validateRule(&rule); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := d.Rules.Save(r.Context(), rule); err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}
	d.reloadCache(r)
	writeJSON(w, http.StatusOK, rule)
}

func (d Deps) patchQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	var patch struct {
		QueueEnabled      bool `json:"queueEnabled"`
		MaxQueueSize      int  `json:"maxQueueSize"`
		DelayPerRequestMs int  `json:"delayPerRequestMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_patch")
		return
	}
	d.patchRule(w, r, id, func(rule *rules.Rule) {
		rule.QueueEnabled = patch.QueueEnabled
		rule.MaxQueueSize = patch.MaxQueueSize
		rule.DelayPerRequestMs = patch.DelayPerRequestMs
	})
}

func (d Deps) patchBodyLimit(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	var patch struct {
		BodyLimitEnabled bool   `json:"bodyLimitEnabled"`
		BodyFieldPath    string `json:"bodyFieldPath"`
		BodyLimitType    string `json:"bodyLimitType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_patch")
		return
	}
	d.patchRule(w, r, id, func(rule *rules.Rule) {
		rule.BodyLimitEnabled = patch.BodyLimitEnabled
		rule.BodyFieldPath = patch.BodyFieldPath
		rule.BodyLimitType = patch.BodyLimitType
	})
}

func (d Deps) patchRule(w http.ResponseWriter, r *http.Request, id uuid.UUID, apply func(*rules.Rule)) {
	rule, err := d.Rules.FindByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}
	if rule == nil {
		writeError(w, http.StatusNotFound, "rule_not_found")
		return
	}
	apply(rule)
	if msg := validateRule(rule); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := d.Rules.Save(r.Context(), *rule); err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}
	d.reloadCache(r)
	writeJSON(w, http.StatusOK, rule)
}

func (d Deps) deleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if err := d.Rules.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}
	// Drop the rule's window counters so a recreated rule starts clean.
	if err := d.Counters.DeleteByRule(r.Context(), id); err != nil {
		log.Warn().Err(err).Str("rule", id.String()).Msg("failed to clear rule counters")
	}
	d.reloadCache(r)
	log.Info().Str("rule", id.String()).Msg("rule deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (d Deps) refreshRules(w http.ResponseWriter, r *http.Request) {
	if err := d.Cache.Refresh(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "store_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"activeRules": d.Cache.ActiveCount()})
}

func (d Deps) reloadCache(r *http.Request) {
	if err := d.Cache.Refresh(r.Context()); err != nil {
		log.Error().Err(err).Msg("rule cache refresh failed after mutation")
	}
}

func ruleID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_rule_id")
		return uuid.Nil, false
	}
	return id, true
}

// validateRule returns an error token for rejected configurations, or
// "". Identifier sources are exclusive per rule; a rule asking for
// several would silently resolve only the highest-priority one.
func validateRule(rule *rules.Rule) string {
	if rule.PathPattern == "" {
		return "missing_path_pattern"
	}
	if rule.AllowedRequests <= 0 || rule.WindowSeconds <= 0 {
		return "bad_window"
	}
	if rule.QueueEnabled && (rule.MaxQueueSize <= 0 || rule.DelayPerRequestMs <= 0) {
		return "bad_queue_config"
	}
	sources := 0
	for _, enabled := range []bool{rule.HeaderLimitEnabled, rule.CookieLimitEnabled, rule.BodyLimitEnabled, rule.JwtEnabled} {
		if enabled {
			sources++
		}
	}
	if sources > 1 {
		return "conflicting_identifier_sources"
	}
	if rule.HeaderLimitEnabled && rule.HeaderName == "" {
		return "missing_header_name"
	}
	if rule.CookieLimitEnabled && rule.CookieName == "" {
		return "missing_cookie_name"
	}
	if rule.BodyLimitEnabled && rule.BodyFieldPath == "" {
		return "missing_body_field_path"
	}
	if rule.JwtEnabled && len(rule.JwtClaims) == 0 {
		return "missing_jwt_claims"
	}
	return ""
}
