package auth

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// DefaultAllowedOrigins admits loopback callers only.
var DefaultAllowedOrigins = []string{"127.0.0.1/32", "::1/128"}

// AllowList matches caller addresses against IPs and CIDR ranges.
type AllowList struct {
	prefixes []netip.Prefix
}

// NewAllowList parses entries as CIDRs or single IPs. An empty list falls
// back to DefaultAllowedOrigins.
func NewAllowList(entries []string) (*AllowList, error) {
	if len(entries) == 0 {
		entries = DefaultAllowedOrigins
	}
	al := &AllowList{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if p, err := netip.ParsePrefix(e); err == nil {
			al.prefixes = append(al.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed origin %q", e)
		}
		addr = addr.Unmap()
		al.prefixes = append(al.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return al, nil
}

// Contains reports whether ip (host or host:port) is allowed. IPv4-mapped
// IPv6 addresses match their IPv4 form.
func (al *AllowList) Contains(ip string) bool {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range al.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// OriginFunc resolves the network origin of a request.
type OriginFunc func(r *http.Request) string

// PeerOrigin uses the direct TCP peer address.
func PeerOrigin(r *http.Request) string { return r.RemoteAddr }
