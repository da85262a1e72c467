// Package proxy forwards a gateway route to its internal service. The route
// prefix is stripped before forwarding, trust headers never leak back to the
// client, and requests that arrived over HTTP/2 stay on HTTP/2 upstream.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/gitrecap/recap/internal/config"
	"github.com/gitrecap/recap/internal/response"
)

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the logger for upstream failures.
func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) { p.logger = l }
}

// WithPoweredBy sets the X-Powered-By response header.
func WithPoweredBy(v string) Option {
	return func(p *Proxy) { p.poweredBy = v }
}

// WithHiddenResponseHeaders removes the named headers from every upstream
// response before it reaches the client.
func WithHiddenResponseHeaders(names ...string) Option {
	return func(p *Proxy) {
		for _, n := range names {
			p.hidden = append(p.hidden, http.CanonicalHeaderKey(n))
		}
	}
}

// Proxy is a reverse proxy for one route.
type Proxy struct {
	target    *url.URL
	prefix    string
	rp        *httputil.ReverseProxy
	logger    *slog.Logger
	poweredBy string
	hidden    []string
}

// New builds a proxy from route to route.URL.
func New(route config.RouteConfig, transport config.TransportConfig, opts ...Option) (*Proxy, error) {
	target, err := url.Parse(route.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL %q: %w", route.URL, err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q: scheme and host required", route.URL)
	}

	p := &Proxy{
		target: target,
		prefix: strings.TrimSuffix(route.Prefix, "/"),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}

	h1, h2, err := buildTransports(transport)
	if err != nil {
		return nil, err
	}
	p.rp = &httputil.ReverseProxy{
		Director:       p.direct,
		Transport:      &protocolAwareTransport{http1: h1, http2: h2},
		FlushInterval:  -1,
		ModifyResponse: p.modifyResponse,
		ErrorHandler:   p.handleError,
	}
	return p, nil
}

func buildTransports(cfg config.TransportConfig) (*http.Transport, *http2.Transport, error) {
	var errs []error
	dur := func(s string, def time.Duration) time.Duration {
		v, err := config.ParseDuration(s, def)
		if err != nil {
			errs = append(errs, fmt.Errorf("transport: %w", err))
		}
		return v
	}

	responseTimeout := dur(cfg.Timeout, 30*time.Second)
	idleConnTimeout := dur(cfg.IdleConnTimeout, 90*time.Second)
	dialTimeout := dur(cfg.DialTimeout, 10*time.Second)
	keepAlive := dur(cfg.DialKeepAlive, 30*time.Second)
	tlsHandshake := dur(cfg.TLSHandshakeTimeout, 10*time.Second)
	expectContinue := dur(cfg.ExpectContinueTimeout, time.Second)
	h2ReadIdle := dur(cfg.H2ReadIdleTimeout, 30*time.Second)
	h2Ping := dur(cfg.H2PingTimeout, 15*time.Second)
	if err := errors.Join(errs...); err != nil {
		return nil, nil, err
	}

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: keepAlive}

	h1 := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshake,
		ExpectContinueTimeout: expectContinue,
		ResponseHeaderTimeout: responseTimeout,
	}

	// Prior-knowledge h2c towards plaintext services.
	h2 := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: h2ReadIdle,
		PingTimeout:     h2Ping,
	}
	return h1, h2, nil
}

func (p *Proxy) direct(req *http.Request) {
	req.URL.Scheme = p.target.Scheme
	req.URL.Host = p.target.Host
	req.URL.Path = joinPath(p.target.Path, StripPrefix(req.URL.Path, p.prefix))
	req.URL.RawPath = ""

	if req.Header.Get("X-Forwarded-Host") == "" {
		req.Header.Set("X-Forwarded-Host", req.Host)
	}
	if req.Header.Get("X-Forwarded-Proto") == "" {
		proto := "http"
		if req.TLS != nil {
			proto = "https"
		}
		req.Header.Set("X-Forwarded-Proto", proto)
	}
	// Keep net/http from adding its own User-Agent when the client sent none.
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header.Set("User-Agent", "")
	}
}

func (p *Proxy) modifyResponse(resp *http.Response) error {
	for _, h := range p.hidden {
		resp.Header.Del(h)
	}
	if p.poweredBy != "" {
		resp.Header.Set("X-Powered-By", p.poweredBy)
	}
	return nil
}

func (p *Proxy) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if isClientDisconnect(r.Context(), err) {
		p.logger.DebugContext(r.Context(), "client went away during proxying", "path", r.URL.Path, "error", err)
		return
	}
	p.logger.ErrorContext(r.Context(), "upstream request failed",
		"upstream", p.target.Host, "path", r.URL.Path, "error", err)
	if p.poweredBy != "" {
		w.Header().Set("X-Powered-By", p.poweredBy)
	}
	response.Error(w, http.StatusBadGateway, "bad_gateway", "Upstream service unavailable")
}

// ServeHTTP forwards r upstream.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.rp.ServeHTTP(w, r)
}

// StripPrefix removes prefix from path on a segment boundary. The result
// always starts with "/".
func StripPrefix(path, prefix string) string {
	if prefix == "" || prefix == "/" {
		return path
	}
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || (rest != "" && rest[0] != '/') {
		return path
	}
	if rest == "" {
		return "/"
	}
	return rest
}

func joinPath(base, p string) string {
	if base == "" || base == "/" {
		return p
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(p, "/")
}

// protocolAwareTransport sends HTTP/2 requests over the h2 transport so the
// protocol is preserved upstream.
type protocolAwareTransport struct {
	http1 http.RoundTripper
	http2 http.RoundTripper
}

func (t *protocolAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.ProtoMajor >= 2 {
		return t.http2.RoundTrip(req)
	}
	return t.http1.RoundTrip(req)
}

func isClientDisconnect(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "client disconnected") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}
