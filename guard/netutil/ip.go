package netutil

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// TrustedProxies defines which peers we trust to set forwarding headers.
// Forwarded client addresses are only honored when the direct connection
// comes from one of these ranges; otherwise the socket address wins.
type TrustedProxies struct {
	cidrs []*net.IPNet
}

// DefaultTrustedProxies trusts loopback and RFC1918/ULA ranges only.
func DefaultTrustedProxies() *TrustedProxies {
	return &TrustedProxies{cidrs: []*net.IPNet{
		mustParseCIDR("127.0.0.0/8"),
		mustParseCIDR("::1/128"),
		mustParseCIDR("10.0.0.0/8"),
		mustParseCIDR("172.16.0.0/12"),
		mustParseCIDR("192.168.0.0/16"),
		mustParseCIDR("fc00::/7"),
	}}
}

// NewTrustedProxies builds a proxy trust set from CIDR strings.
func NewTrustedProxies(cidrs []string) (*TrustedProxies, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy CIDR %q: %w", cidr, err)
		}
		nets = append(nets, ipnet)
	}
	return &TrustedProxies{cidrs: nets}, nil
}

// ClientIP resolves the real client address for a request. Precedence:
// X-Forwarded-For (first hop), then X-Real-IP, both only when the direct
// peer is a trusted proxy; otherwise the connection address.
func (tp *TrustedProxies) ClientIP(r *http.Request) string {
	remote := remoteIP(r)

	peer := net.ParseIP(remote)
	if peer == nil || !tp.contains(peer) {
		return remote
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		candidate := strings.TrimSpace(parts[0])
		if net.ParseIP(candidate) != nil {
			return candidate
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if net.ParseIP(xri) != nil {
			return xri
		}
	}

	return remote
}

func (tp *TrustedProxies) contains(ip net.IP) bool {
	for _, cidr := range tp.cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

func mustParseCIDR(s string) *net.IPNet {
	_, ipnet, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return ipnet
}

// NormalizeIP returns the canonical textual form of an address so map
// lookups don't split on equivalent spellings.
func NormalizeIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ip
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.String()
	}
	return parsed.To16().String()
}

// ValidateIP reports whether s parses as an IPv4 or IPv6 address.
func ValidateIP(s string) bool {
	return net.ParseIP(s) != nil
}

// IsPrivateIP checks whether an address sits in a loopback or private range.
func IsPrivateIP(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast()
}
