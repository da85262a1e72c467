// Package github is a small client for the GitHub REST API. Failures are
// classified into typed errors; the client itself never caches.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gitrecap/recap/internal/config"
)

var tracer = otel.Tracer("recap/github")

const (
	// DefaultBaseURL is the public GitHub API.
	DefaultBaseURL = "https://api.github.com"

	apiVersion       = "2022-11-28"
	defaultUserAgent = "gitrecap-data-service"
	maxErrorBody     = 64 << 10
	maxBody          = 32 << 20
)

// Client issues authenticated GET requests against the GitHub API.
type Client struct {
	baseURL   string
	token     string
	userAgent string
	http      *http.Client
	breaker   *breaker
	logger    *slog.Logger

	// OnRequest receives the outcome kind ("ok" or the error kind) and the
	// latency of every call.
	OnRequest func(kind string, d time.Duration)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New builds a client from configuration.
func New(cfg config.GitHubConfig, opts ...Option) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid github base_url: %w", err)
	}
	timeout, err := config.ParseDuration(cfg.Timeout, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid github timeout: %w", err)
	}
	resetTimeout, err := config.ParseDuration(cfg.CircuitBreaker.ResetTimeout, defaultCBResetTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid github circuit_breaker.reset_timeout: %w", err)
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	c := &Client{
		baseURL:   base,
		token:     cfg.Token.Value(),
		userAgent: ua,
		http:      &http.Client{Timeout: timeout},
		breaker:   newBreaker(cfg.CircuitBreaker.Threshold, resetTimeout),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// WithToken returns a copy of c that authenticates with token. The copy
// shares the HTTP client and circuit breaker with c.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// User returns the public profile of username.
func (c *Client) User(ctx context.Context, username string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.Get(ctx, "/users/"+url.PathEscape(username), nil, &out)
	return out, err
}

// UserRepos returns the 50 most recently updated repositories of username.
func (c *Client) UserRepos(ctx context.Context, username string) (json.RawMessage, error) {
	var out json.RawMessage
	q := url.Values{"per_page": {"50"}, "sort": {"updated"}}
	err := c.Get(ctx, "/users/"+url.PathEscape(username)+"/repos", q, &out)
	return out, err
}

// SearchRepositories runs a repository search and returns the first 20
// results.
func (c *Client) SearchRepositories(ctx context.Context, query string) (json.RawMessage, error) {
	var out json.RawMessage
	q := url.Values{"q": {query}, "per_page": {"20"}}
	err := c.Get(ctx, "/search/repositories", q, &out)
	return out, err
}

// Get requests path with query and decodes the JSON body into out. Every
// failure is an *Error.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	ctx, span := tracer.Start(ctx, "github GET "+routeOf(path),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", http.MethodGet),
			attribute.String("url.path", path),
		))
	defer span.End()

	start := time.Now()
	err := c.do(ctx, path, query, out)

	kind := "ok"
	if err != nil {
		kind = KindGeneric.String()
		if ge, ok := AsError(err); ok {
			kind = ge.Kind.String()
			span.SetAttributes(attribute.Int("http.response.status_code", ge.StatusCode))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
	}
	if c.OnRequest != nil {
		c.OnRequest(kind, time.Since(start))
	}
	return err
}

func (c *Client) do(ctx context.Context, path string, query url.Values, out any) error {
	if !c.breaker.allow() {
		return &Error{
			Kind:       KindGeneric,
			StatusCode: http.StatusServiceUnavailable,
			Message:    "GitHub API temporarily unavailable",
			Err:        ErrCircuitOpen,
		}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return transportError(err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// A caller giving up says nothing about GitHub's health.
		if ctx.Err() == nil {
			c.breaker.failure()
		}
		c.logger.WarnContext(ctx, "github request failed", "path", path, "error", err)
		return transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		c.breaker.failure()
	} else {
		c.breaker.success()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ge := classify(resp, errorMessage(resp.Body))
		c.logger.DebugContext(ctx, "github request rejected",
			"path", path, "status", resp.StatusCode, "kind", ge.Kind.String())
		return ge
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return transportError(err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{
			Kind:       KindGeneric,
			StatusCode: http.StatusBadGateway,
			Message:    "invalid JSON from GitHub",
			Err:        err,
		}
	}
	return nil
}

func errorMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &payload) == nil && payload.Message != "" {
		return payload.Message
	}
	return ""
}

// routeOf trims per-user segments from span names to keep their
// cardinality low.
func routeOf(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) >= 2 && parts[0] == "users" {
		parts[1] = "{username}"
	}
	return "/" + strings.Join(parts, "/")
}

// ParseRateLimitReset parses the X-RateLimit-Reset header value.
func ParseRateLimitReset(v string) (time.Time, bool) {
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}
