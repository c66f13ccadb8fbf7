package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver extracts the client address used for rate limiting and audit logs.
//
// Only set TrustProxy when the broker runs behind a reverse proxy you control;
// otherwise X-Forwarded-For is attacker controlled.
type ClientIPResolver struct {
	// TrustProxy enables X-Forwarded-For and X-Real-IP
	TrustProxy bool

	// TrustedProxyCount is the number of proxies appended to X-Forwarded-For
	// by our own infrastructure (default 1)
	TrustedProxyCount int
}

// Resolve returns the client IP for r.
func (c ClientIPResolver) Resolve(r *http.Request) string {
	if c.TrustProxy {
		if ip := ipFromForwardedFor(r.Header.Get("X-Forwarded-For"), c.TrustedProxyCount); ip != "" {
			return ip
		}
		if ip := r.Header.Get("X-Real-IP"); ip != "" && net.ParseIP(ip) != nil {
			return ip
		}
	}
	return ipFromRemoteAddr(r.RemoteAddr)
}

// ipFromForwardedFor picks the entry just left of our trusted proxies.
//
//	X-Forwarded-For: "client, untrusted, proxy2"  trustedProxyCount=1 -> "untrusted"
//	X-Forwarded-For: "client, untrusted, proxy2"  trustedProxyCount=2 -> "client"
func ipFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}

	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}

func ipFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
