// Package identity maps a request to the rate-limit identifier configured
// on a rule. Sources are tried in fixed priority order (header > cookie >
// body field > JWT claims > client IP); a source whose value is absent or
// empty falls through to the next one.
package identity

import (
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/secprog/poors-man-ratelimiter/internal/rules"
)

// Resolve returns the identifier string for the given rule. bodyBytes is
// the buffered request body (nil for read methods).
func Resolve(r *http.Request, rule *rules.Rule, clientIP string, bodyBytes []byte) string {
	if rule.HeaderLimitEnabled && strings.TrimSpace(rule.HeaderName) != "" {
		if v := r.Header.Get(rule.HeaderName); strings.TrimSpace(v) != "" {
			return combine(clientIP, v, rule.HeaderLimitType)
		}
		log.Debug().Str("header", rule.HeaderName).Msg("header identifier absent, falling through")
	}

	if rule.CookieLimitEnabled && strings.TrimSpace(rule.CookieName) != "" {
		if c, err := r.Cookie(rule.CookieName); err == nil && strings.TrimSpace(c.Value) != "" {
			return combine(clientIP, c.Value, rule.CookieLimitType)
		}
		log.Debug().Str("cookie", rule.CookieName).Msg("cookie identifier absent, falling through")
	}

	if rule.BodyLimitEnabled && strings.TrimSpace(rule.BodyFieldPath) != "" && len(bodyBytes) > 0 {
		contentType := rule.BodyContentType
		if strings.TrimSpace(contentType) == "" {
			contentType = r.Header.Get("Content-Type")
		}
		if v := ExtractBodyField(bodyBytes, rule.BodyFieldPath, contentType); strings.TrimSpace(v) != "" {
			return combine(clientIP, v, rule.BodyLimitType)
		}
		log.Debug().Str("field", rule.BodyFieldPath).Msg("body identifier absent, falling through")
	}

	if rule.JwtEnabled && len(rule.JwtClaims) > 0 {
		sep := rule.JwtClaimSeparator
		if sep == "" {
			sep = ":"
		}
		if v := ExtractJWTClaims(r.Header.Get("Authorization"), rule.JwtClaims, sep); v != "" {
			return v
		}
		log.Debug().Msg("jwt identifier absent, falling back to ip")
	}

	return clientIP
}

func combine(ip, value, limitType string) string {
	if strings.EqualFold(limitType, rules.LimitTypeCombineWithIP) {
		return ip + ":" + value
	}
	return value
}

// ClientIP extracts the caller address, preferring the first X-Forwarded-For
// entry set by an upstream proxy.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
