package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/gitrecap/recap/internal/config"
)

// KeyStrategy derives the rate-limit bucket key for a request.
type KeyStrategy interface {
	Extract(req *http.Request) (string, error)
}

// ClientIPStrategy keys requests by client IP. X-Forwarded-For and
// X-Real-IP are only consulted when the direct peer is a trusted proxy.
type ClientIPStrategy struct {
	trusted []netip.Prefix
}

// NewClientIPStrategy parses the trusted proxy CIDRs.
func NewClientIPStrategy(trustedProxies []string) (*ClientIPStrategy, error) {
	s := &ClientIPStrategy{}
	for _, c := range trustedProxies {
		p, err := netip.ParsePrefix(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", c, err)
		}
		s.trusted = append(s.trusted, p.Masked())
	}
	return s, nil
}

// Extract returns the client IP. With a trusted peer, the rightmost
// X-Forwarded-For hop that is not itself a trusted proxy wins, then
// X-Real-IP. Otherwise RemoteAddr is used as is.
func (s *ClientIPStrategy) Extract(req *http.Request) (string, error) {
	peer := remoteHost(req.RemoteAddr)
	if !s.isTrusted(peer) {
		return peer, nil
	}

	if xff := req.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !s.isTrusted(hop) {
				return hop, nil
			}
		}
	}
	if xri := strings.TrimSpace(req.Header.Get("X-Real-IP")); xri != "" {
		return xri, nil
	}
	return peer, nil
}

func (s *ClientIPStrategy) isTrusted(ip string) bool {
	if len(s.trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// HeaderStrategy keys requests by a header value, e.g. an API client id set
// by an upstream proxy.
type HeaderStrategy struct {
	HeaderName string
}

// Extract returns the header value, or an error if it is missing.
func (s *HeaderStrategy) Extract(req *http.Request) (string, error) {
	v := req.Header.Get(s.HeaderName)
	if v == "" {
		return "", fmt.Errorf("header %q is empty or missing", s.HeaderName)
	}
	return v, nil
}

// NewKeyStrategy builds the strategy named by cfg.
func NewKeyStrategy(cfg config.KeyStrategyConfig) (KeyStrategy, error) {
	switch cfg.Type {
	case config.KeyStrategyClientIP, "":
		return NewClientIPStrategy(cfg.TrustedProxies)
	case config.KeyStrategyHeader:
		if cfg.HeaderName == "" {
			return nil, fmt.Errorf("header_name is required when type is %q", cfg.Type)
		}
		return &HeaderStrategy{HeaderName: http.CanonicalHeaderKey(cfg.HeaderName)}, nil
	default:
		return nil, fmt.Errorf("unknown key strategy type %q: must be clientip or header", cfg.Type)
	}
}
