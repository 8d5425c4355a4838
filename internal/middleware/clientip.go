package middleware

import (
	"net"
	"net/http"
	"strings"
)

// Forwarding headers consulted when the peer is a trusted proxy.
const (
	HeaderXForwardedFor = "X-Forwarded-For"
	HeaderXRealIP       = "X-Real-IP"
)

// ClientIPExtractor derives the client address a request originated
// from. With no trusted proxies configured it only ever reports the
// socket peer address, so clients cannot spoof their identity through
// forwarding headers.
type ClientIPExtractor struct {
	trustedCIDRs []*net.IPNet
}

// NewClientIPExtractor builds an extractor trusting the given proxy
// CIDRs. Single addresses are accepted as /32 or /128. Entries that
// parse as neither are skipped.
func NewClientIPExtractor(trustedProxies []string) *ClientIPExtractor {
	cidrs := make([]*net.IPNet, 0, len(trustedProxies))
	for _, proxy := range trustedProxies {
		_, cidr, err := net.ParseCIDR(proxy)
		if err != nil {
			ip := net.ParseIP(proxy)
			if ip == nil {
				continue
			}
			cidr = singleIPToCIDR(ip)
		}
		cidrs = append(cidrs, cidr)
	}
	return &ClientIPExtractor{trustedCIDRs: cidrs}
}

func singleIPToCIDR(ip net.IP) *net.IPNet {
	bits := 32
	if ip.To4() == nil {
		bits = 128
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
}

// Extract returns the client address for the request. When the peer is
// a trusted proxy it walks X-Forwarded-For right to left and returns
// the first untrusted hop, falling back to X-Real-IP and finally the
// peer address itself.
func (e *ClientIPExtractor) Extract(r *http.Request) string {
	remoteIP := stripPort(r.RemoteAddr)

	if len(e.trustedCIDRs) == 0 || !e.isTrusted(remoteIP) {
		return remoteIP
	}

	if ip := e.fromForwardedFor(r); ip != "" {
		return ip
	}
	if ip := strings.TrimSpace(r.Header.Get(HeaderXRealIP)); ip != "" && net.ParseIP(ip) != nil {
		return ip
	}
	return remoteIP
}

// fromForwardedFor walks the X-Forwarded-For chain right to left and
// returns the first untrusted address, or empty when the header is
// missing or every hop is trusted.
func (e *ClientIPExtractor) fromForwardedFor(r *http.Request) string {
	xff := r.Header.Get(HeaderXForwardedFor)
	if xff == "" {
		return ""
	}

	hops := strings.Split(xff, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(hops[i])
		if ip == "" || net.ParseIP(ip) == nil {
			continue
		}
		if !e.isTrusted(ip) {
			return ip
		}
	}
	return ""
}

func (e *ClientIPExtractor) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range e.trustedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// stripPort removes the port from host:port, handling bracketed IPv6.
func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
