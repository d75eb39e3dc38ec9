package rules

import (
	"net"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
)

// Limit type values shared by header, cookie, and body identifier sources.
const (
	LimitTypeReplaceIP     = "replace_ip"
	LimitTypeCombineWithIP = "combine_with_ip"
)

// Rule is a declarative rate-limit policy. It is stored JSON-serialized in
// the rate_limit_rules hash, one field per rule ID.
type Rule struct {
	ID          uuid.UUID `json:"id"`
	PathPattern string    `json:"pathPattern"`
	TargetURI   string    `json:"targetUri,omitempty"`

	AllowedRequests int  `json:"allowedRequests"`
	WindowSeconds   int  `json:"windowSeconds"`
	Active          bool `json:"active"`
	Priority        int  `json:"priority"`

	QueueEnabled      bool `json:"queueEnabled"`
	MaxQueueSize      int  `json:"maxQueueSize"`
	DelayPerRequestMs int  `json:"delayPerRequestMs"`

	JwtEnabled        bool     `json:"jwtEnabled"`
	JwtClaims         []string `json:"jwtClaims,omitempty"`
	JwtClaimSeparator string   `json:"jwtClaimSeparator,omitempty"`

	BodyLimitEnabled bool   `json:"bodyLimitEnabled"`
	BodyFieldPath    string `json:"bodyFieldPath,omitempty"`
	BodyLimitType    string `json:"bodyLimitType,omitempty"`
	BodyContentType  string `json:"bodyContentType,omitempty"`

	HeaderLimitEnabled bool   `json:"headerLimitEnabled"`
	HeaderName         string `json:"headerName,omitempty"`
	HeaderLimitType    string `json:"headerLimitType,omitempty"`

	CookieLimitEnabled bool   `json:"cookieLimitEnabled"`
	CookieName         string `json:"cookieName,omitempty"`
	CookieLimitType    string `json:"cookieLimitType,omitempty"`

	// Comma-separated; empty matches anything.
	Methods string `json:"methods,omitempty"`
	Hosts   string `json:"hosts,omitempty"`
}

// IsGlobal reports whether the rule is a catch-all ceiling rule.
func (r *Rule) IsGlobal() bool {
	return strings.TrimSpace(r.PathPattern) == "/**"
}

// MatchesPath matches the request path against the ant-style pattern
// (? one char, * within a segment, ** across segments).
func (r *Rule) MatchesPath(path string) bool {
	ok, err := doublestar.Match(r.PathPattern, path)
	return err == nil && ok
}

// MatchesMethod checks the CSV method predicate, case-insensitively.
func (r *Rule) MatchesMethod(method string) bool {
	if strings.TrimSpace(r.Methods) == "" {
		return true
	}
	if method == "" {
		return false
	}
	for _, m := range strings.Split(r.Methods, ",") {
		if strings.EqualFold(strings.TrimSpace(m), method) {
			return true
		}
	}
	return false
}

// MatchesHost checks the CSV host predicate; entries are glob patterns
// such as "*.example.com". A port in the incoming host is ignored, so
// "example.com:8080" matches a rule scoped to "example.com".
func (r *Rule) MatchesHost(host string) bool {
	if strings.TrimSpace(r.Hosts) == "" {
		return true
	}
	host = hostWithoutPort(host)
	if host == "" {
		return false
	}
	for _, h := range strings.Split(r.Hosts, ",") {
		pat := strings.TrimSpace(h)
		if pat == "" {
			continue
		}
		if ok, err := doublestar.Match(pat, host); err == nil && ok {
			return true
		}
	}
	return false
}

// hostWithoutPort drops the port from "example.com:8080" style values;
// values without a port pass through unchanged.
func hostWithoutPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// Matches applies all predicates of the rule to a request triple.
func (r *Rule) Matches(path, method, host string) bool {
	return r.MatchesPath(path) && r.MatchesMethod(method) && r.MatchesHost(host)
}
