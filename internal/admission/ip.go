// Package admission guards the front door of the gateway: client IP
// extraction behind trusted proxies, connection and session-creation limits,
// per-session message rate buckets and the origin allowlist. Everything here
// runs before or during the WebSocket handshake, on untrusted input.
package admission

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Shorthand tags accepted in TRUSTED_PROXY_CIDRS alongside explicit CIDRs.
var proxyShorthands = map[string][]string{
	"loopback": {"127.0.0.0/8", "::1/128"},
	"private":  {"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "fc00::/7"},
	"docker":   {"172.17.0.0/16"},
}

// TrustedProxies decides whether a direct peer is allowed to speak for the
// real client via forwarding headers.
type TrustedProxies struct {
	nets []*net.IPNet
}

// ParseTrustedProxies builds the trusted set from explicit CIDRs and
// shorthand tags. An empty list trusts nobody.
func ParseTrustedProxies(entries []string) (*TrustedProxies, error) {
	t := &TrustedProxies{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		cidrs, ok := proxyShorthands[entry]
		if !ok {
			cidrs = []string{entry}
		}
		for _, cidr := range cidrs {
			_, ipnet, err := net.ParseCIDR(cidr)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy entry %q: %w", entry, err)
			}
			t.nets = append(t.nets, ipnet)
		}
	}
	return t, nil
}

func (t *TrustedProxies) Trusted(ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, n := range t.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP extracts the normalized client address for a request. When the
// direct peer is a trusted proxy, the leftmost X-Forwarded-For entry wins,
// with X-Real-IP as fallback; otherwise the peer address is authoritative.
func ClientIP(r *http.Request, trusted *TrustedProxies) string {
	peer := peerIP(r.RemoteAddr)
	if trusted == nil || !trusted.Trusted(net.ParseIP(peer)) {
		return NormalizeIP(peer)
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return NormalizeIP(ip)
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" && net.ParseIP(real) != nil {
		return NormalizeIP(real)
	}
	return NormalizeIP(peer)
}

func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// NormalizeIP collapses IPv4-mapped IPv6 ("::ffff:a.b.c.d") to dotted quad.
// Unparseable input is returned unchanged.
func NormalizeIP(s string) string {
	ip := net.ParseIP(s)
	if ip == nil {
		return s
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
