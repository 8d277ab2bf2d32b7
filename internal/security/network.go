package security

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// TrustedProxies is a set of proxy networks whose forwarding headers are
// believed.
type TrustedProxies []*net.IPNet

// ParseTrustedProxies parses IP and CIDR entries.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	out := make(TrustedProxies, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if ip := net.ParseIP(entry); ip != nil {
			if ip4 := ip.To4(); ip4 != nil {
				ip = ip4
			}
			bits := len(ip) * 8
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}

		_, cidr, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		out = append(out, cidr)
	}
	return out, nil
}

// Contains reports whether addr ("ip" or "ip:port") is a trusted proxy.
func (t TrustedProxies) Contains(addr string) bool {
	ip := parseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range t {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the address of the client behind r. X-Forwarded-For and
// X-Real-IP are honored only when the direct peer is trusted.
func (t TrustedProxies) ClientIP(r *http.Request) string {
	if len(t) > 0 && t.Contains(r.RemoteAddr) {
		if xff, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); xff != "" {
			if ip := parseIP(strings.TrimSpace(xff)); ip != nil {
				return ip.String()
			}
		}
		if ip := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
	}
	if ip := parseIP(r.RemoteAddr); ip != nil {
		return ip.String()
	}
	return r.RemoteAddr
}

func parseIP(addr string) net.IP {
	if addr == "" {
		return nil
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return net.ParseIP(strings.Trim(addr, "[]"))
}
