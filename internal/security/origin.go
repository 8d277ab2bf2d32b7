// Package security holds request-level checks shared by the HTTP API and the
// WebSocket gateway: origin policy and client address resolution.
package security

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy decides which browser origins may open a WebSocket.
type OriginPolicy struct {
	allowed      []string
	loopbackOnly bool
}

// NewOriginPolicy creates a policy. Entries of allowed are exact origins
// ("https://app.example.com") or wildcard hosts ("*.example.com"). When the
// server binds a loopback address, localhost origins are always allowed and
// an empty list allows nothing else; otherwise an empty list allows every
// origin.
func NewOriginPolicy(allowed []string, bindHost string) *OriginPolicy {
	clean := make([]string, 0, len(allowed))
	for _, a := range allowed {
		if a = strings.TrimSpace(a); a != "" {
			clean = append(clean, strings.TrimRight(a, "/"))
		}
	}
	return &OriginPolicy{
		allowed:      clean,
		loopbackOnly: isLoopback(bindHost),
	}
}

// Allow reports whether the request's Origin header is acceptable. Requests
// without one are not from a browser and pass.
func (p *OriginPolicy) Allow(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()

	if p.loopbackOnly && isLoopback(host) {
		return true
	}
	for _, a := range p.allowed {
		if matchOrigin(origin, host, a) {
			return true
		}
	}
	return len(p.allowed) == 0 && !p.loopbackOnly
}

func matchOrigin(origin, host, allowed string) bool {
	if origin == allowed {
		return true
	}
	if base, ok := strings.CutPrefix(allowed, "*."); ok {
		return host == base || strings.HasSuffix(host, "."+base)
	}
	return false
}

func isLoopback(host string) bool {
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
