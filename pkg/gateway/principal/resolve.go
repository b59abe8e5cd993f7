package principal

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/vango-go/vai-voicerag/pkg/gateway/auth"
	"github.com/vango-go/vai-voicerag/pkg/gateway/ratelimit"
)

type Kind string

const (
	KindAPIKey Kind = "api_key"
	KindIP     Kind = "ip"
	KindAnon   Kind = "anonymous"
)

// Resolved identifies the caller opening a session.
type Resolved struct {
	Kind Kind
	// Raw is the API key or client address. Never log it.
	Raw string
	// Key is the value used for per-principal accounting: a hash for API
	// keys, the address for IPv4, and the /64 network for IPv6.
	Key string
}

var anonymous = Resolved{Kind: KindAnon, Key: "anonymous"}

// proxyHeaders are consulted in order when proxy headers are trusted.
var proxyHeaders = []struct {
	name  string
	parse func(string) (netip.Addr, bool)
}{
	{"CF-Connecting-IP", parseAddr},
	{"X-Real-IP", parseAddr},
	{"Forwarded", parseForwarded},
	{"X-Forwarded-For", parseForwardedFor},
}

// Resolve prefers the authenticated API key and falls back to the client
// address.
func Resolve(r *http.Request, trustProxyHeaders bool) Resolved {
	if r == nil {
		return anonymous
	}
	if p, ok := auth.PrincipalFrom(r.Context()); ok && p != nil && strings.TrimSpace(p.APIKey) != "" {
		return Resolved{Kind: KindAPIKey, Raw: p.APIKey, Key: ratelimit.PrincipalKeyFromAPIKey(p.APIKey)}
	}

	addr, ok := clientAddr(r, trustProxyHeaders)
	if !ok {
		return anonymous
	}
	return Resolved{Kind: KindIP, Raw: addr.String(), Key: ratelimit.PrincipalKeyFromIP(bucket(addr))}
}

func bucket(addr netip.Addr) string {
	if addr.Is4() {
		return addr.String()
	}
	return netip.PrefixFrom(addr, 64).Masked().String()
}

func clientAddr(r *http.Request, trustProxyHeaders bool) (netip.Addr, bool) {
	if trustProxyHeaders {
		for _, h := range proxyHeaders {
			if v := strings.TrimSpace(r.Header.Get(h.name)); v != "" {
				if addr, ok := h.parse(v); ok {
					return addr, true
				}
			}
		}
	}
	return parseAddr(r.RemoteAddr)
}

// parseAddr accepts "ip", "ip:port" and "[ipv6]:port".
func parseAddr(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}

// parseForwardedFor takes the left-most entry of "client, proxy1, proxy2".
func parseForwardedFor(v string) (netip.Addr, bool) {
	first, _, _ := strings.Cut(v, ",")
	return parseAddr(first)
}

// parseForwarded reads the for= parameter of the first RFC 7239 element.
func parseForwarded(v string) (netip.Addr, bool) {
	first, _, _ := strings.Cut(v, ",")
	for _, pair := range strings.Split(first, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || !strings.EqualFold(key, "for") {
			continue
		}
		return parseAddr(strings.Trim(value, `"`))
	}
	return netip.Addr{}, false
}
