// Package proxy forwards admitted requests upstream. One reverse proxy
// is built per distinct target and reused across requests.
package proxy

import (
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"

	"github.com/rs/zerolog/log"
)

// Pool hands out reverse proxies keyed by target URL. Rules may name
// their own targetUri; everything else goes to the default upstream.
type Pool struct {
	defaultTarget *url.URL

	mu      sync.Mutex
	proxies map[string]*httputil.ReverseProxy
}

func NewPool(defaultUpstream string) (*Pool, error) {
	u, err := url.Parse(defaultUpstream)
	if err != nil {
		return nil, err
	}
	return &Pool{
		defaultTarget: u,
		proxies:       map[string]*httputil.ReverseProxy{"": build(u)},
	}, nil
}

// For returns the proxy for target, falling back to the default
// upstream when target is empty or unparseable.
func (p *Pool) For(target string) *httputil.ReverseProxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rp, ok := p.proxies[target]; ok {
		return rp
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		log.Warn().Str("target", target).Msg("bad rule target; using default upstream")
		return p.proxies[""]
	}
	rp := build(u)
	p.proxies[target] = rp
	return rp
}

func build(u *url.URL) *httputil.ReverseProxy {
	rp := httputil.NewSingleHostReverseProxy(u)

	orig := rp.Director
	rp.Director = func(req *http.Request) {
		origHost := req.Host
		origProto := "http"
		if req.TLS != nil {
			origProto = "https"
		}
		if v := req.Header.Get("X-Forwarded-Proto"); v != "" {
			origProto = v
		}

		client := req.RemoteAddr
		if host, _, err := net.SplitHostPort(client); err == nil && host != "" {
			client = host
		}
		xff := req.Header.Get("X-Forwarded-For")

		orig(req)

		if xff == "" {
			req.Header.Set("X-Forwarded-For", client)
		} else {
			req.Header.Set("X-Forwarded-For", xff+", "+client)
		}
		req.Header.Set("X-Forwarded-Host", origHost)
		req.Header.Set("X-Forwarded-Proto", origProto)
	}

	rp.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, err error) {
		log.Warn().Err(err).Str("upstream", u.String()).Msg("upstream unreachable")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"bad_gateway"}` + "\n"))
	}

	return rp
}
