package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitrecap/recap/internal/auth"
	"github.com/gitrecap/recap/internal/config"
	"github.com/gitrecap/recap/internal/observability"
)

const testSecret = "gateway-test-secret-0123456789"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signToken(t *testing.T, secret string, id any) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":  id,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

// upstream records the last request it saw and answers with a trust header
// that must never reach the client.
type upstream struct {
	*httptest.Server
	mu   sync.Mutex
	last *http.Request
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.last = r.Clone(context.Background())
		u.mu.Unlock()
		w.Header().Set(auth.HeaderUserID, "leak")
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"path":"`+r.URL.Path+`"}`)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) lastRequest() *http.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.last
}

func testConfig(app, data string) *config.Config {
	cfg := config.Defaults()
	cfg.Gateway.App.URL = app
	cfg.Gateway.Data.URL = data
	cfg.Gateway.RateLimit.Average = 0
	cfg.Auth.JWTSecret = config.RedactedString(testSecret)
	return cfg
}

func newGateway(t *testing.T, cfg *config.Config) (*Gateway, *observability.Metrics) {
	t.Helper()
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	g, err := New(context.Background(), cfg, testLogger(), metrics)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Close() })
	return g, metrics
}

func serve(g http.Handler, method, target string, mod ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:50000"
	for _, m := range mod {
		m(req)
	}
	rr := httptest.NewRecorder()
	g.ServeHTTP(rr, req)
	return rr
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m), rr.Body.String())
	return m
}

func TestHealthAndNotFound(t *testing.T) {
	g, _ := newGateway(t, testConfig("http://127.0.0.1:1", "http://127.0.0.1:1"))

	rr := serve(g, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "Gateway is running", decode(t, rr)["status"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))

	rr = serve(g, http.MethodGet, "/nope/here")
	require.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, map[string]any{"message": "Route not found", "path": "/nope/here"}, decode(t, rr))
}

func TestAppRouteIsPublic(t *testing.T) {
	app := newUpstream(t)
	g, _ := newGateway(t, testConfig(app.URL, "http://127.0.0.1:1"))

	rr := serve(g, http.MethodGet, "/api/v1/app/users/me", func(r *http.Request) {
		r.Header.Set(auth.HeaderUserID, "admin")
		r.Header.Set(auth.HeaderAuthenticated, "1")
		r.Header.Set("X-Forwarded-User", "admin")
	})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "/users/me", decode(t, rr)["path"])
	assert.Equal(t, "GitHubRecap Gateway", rr.Header().Get("X-Powered-By"))
	assert.Empty(t, rr.Header().Get(auth.HeaderUserID), "trust headers are never echoed")

	got := app.lastRequest()
	require.NotNil(t, got)
	for _, h := range []string{auth.HeaderUserID, auth.HeaderAuthenticated, "X-Forwarded-User"} {
		assert.Empty(t, got.Header.Get(h), h)
	}
}

func TestDataRouteTranslatesCredential(t *testing.T) {
	data := newUpstream(t)
	cfg := testConfig("http://127.0.0.1:1", data.URL)
	cfg.Auth.InternalToken = "hop-secret"
	g, metrics := newGateway(t, cfg)

	t.Run("missing credential", func(t *testing.T) {
		rr := serve(g, http.MethodGet, "/api/v1/github/user/octocat")
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "unauthenticated", decode(t, rr)["error"])
	})

	t.Run("forged headers with a bad token", func(t *testing.T) {
		before := data.lastRequest()
		rr := serve(g, http.MethodGet, "/api/v1/github/user/octocat", bearer("not.a.jwt"), func(r *http.Request) {
			r.Header.Set(auth.HeaderUserID, "1")
			r.Header.Set(auth.HeaderAuthenticated, "1")
		})
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		assert.Equal(t, "unauthorized", decode(t, rr)["error"])
		assert.Same(t, before, data.lastRequest(), "rejected requests are not forwarded")
	})

	t.Run("valid bearer", func(t *testing.T) {
		rr := serve(g, http.MethodGet, "/api/v1/github/user/octocat", bearer(signToken(t, testSecret, 7)), func(r *http.Request) {
			r.Header.Set(auth.HeaderUserID, "999")
		})
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "/user/octocat", decode(t, rr)["path"])

		got := data.lastRequest()
		assert.Equal(t, "7", got.Header.Get(auth.HeaderUserID))
		assert.Equal(t, "1", got.Header.Get(auth.HeaderAuthenticated))
		assert.Equal(t, "hop-secret", got.Header.Get(auth.HeaderInternalToken))
		assert.Empty(t, rr.Header().Get(auth.HeaderUserID))
	})

	t.Run("cookie credential", func(t *testing.T) {
		rr := serve(g, http.MethodGet, "/api/v1/github/ping", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: "accessToken", Value: signToken(t, testSecret, "abc")})
		})
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "abc", data.lastRequest().Header.Get(auth.HeaderUserID))
	})

	t.Run("origin outside the allow-list", func(t *testing.T) {
		rr := serve(g, http.MethodGet, "/api/v1/github/ping", bearer(signToken(t, testSecret, 7)), func(r *http.Request) {
			r.RemoteAddr = "203.0.113.9:4444"
		})
		assert.Equal(t, http.StatusForbidden, rr.Code)
		assert.Equal(t, "forbidden", decode(t, rr)["error"])
	})

	snap := metrics.Snapshot()
	assert.Equal(t, int64(2), snap.AuthAccepted)
	assert.Equal(t, int64(3), snap.AuthRejected)
}

func TestDevModeSkipsOriginCheck(t *testing.T) {
	data := newUpstream(t)
	cfg := testConfig("http://127.0.0.1:1", data.URL)
	cfg.Mode = config.ModeDev
	g, _ := newGateway(t, cfg)

	rr := serve(g, http.MethodGet, "/api/v1/github/ping", bearer(signToken(t, testSecret, 7)), func(r *http.Request) {
		r.RemoteAddr = "203.0.113.9:4444"
	})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestUpstreamDown(t *testing.T) {
	g, _ := newGateway(t, testConfig("http://127.0.0.1:1", "http://127.0.0.1:1"))
	rr := serve(g, http.MethodGet, "/api/v1/app/ping")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	app := newUpstream(t)
	cfg := testConfig(app.URL, "http://127.0.0.1:1")
	cfg.Redis.Endpoints = []string{mr.Addr()}
	cfg.Gateway.RateLimit.Average = 2
	cfg.Gateway.RateLimit.Burst = 2
	cfg.Gateway.RateLimit.Period = "1m"
	g, metrics := newGateway(t, cfg)

	for i := range 2 {
		rr := serve(g, http.MethodGet, "/api/v1/app/ping")
		require.Equal(t, http.StatusOK, rr.Code, "request %d", i)
	}
	rr := serve(g, http.MethodGet, "/api/v1/app/ping")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decode(t, rr)["error"])

	rr = serve(g, http.MethodGet, "/api/v1/app/ping", func(r *http.Request) { r.RemoteAddr = "127.0.0.2:1" })
	assert.Equal(t, http.StatusOK, rr.Code, "other clients have their own bucket")

	assert.Equal(t, int64(1), metrics.Snapshot().Limited)
}

func TestAuthEventsAreEmitted(t *testing.T) {
	var (
		mu       sync.Mutex
		received []map[string]any
	)
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Events []map[string]any `json:"events"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		received = append(received, body.Events...)
		mu.Unlock()
	}))
	t.Cleanup(sink.Close)

	data := newUpstream(t)
	cfg := testConfig("http://127.0.0.1:1", data.URL)
	cfg.Events = config.EventsConfig{Enabled: true, URL: sink.URL, BatchSize: 10, FlushInterval: "20ms", BufferSize: 10}
	g, _ := newGateway(t, cfg)

	serve(g, http.MethodGet, "/api/v1/github/ping")
	serve(g, http.MethodGet, "/api/v1/github/ping", bearer(signToken(t, testSecret, 7)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	outcomes := []any{received[0]["outcome"], received[1]["outcome"]}
	assert.ElementsMatch(t, []any{"unauthenticated", "accepted"}, outcomes)
	for _, ev := range received {
		assert.NotEmpty(t, ev["request_id"])
		assert.Equal(t, "/api/v1/github/ping", ev["path"])
	}
}

func TestReload(t *testing.T) {
	data := newUpstream(t)
	cfg := testConfig("http://127.0.0.1:1", data.URL)
	g, _ := newGateway(t, cfg)

	old := signToken(t, testSecret, 7)
	require.Equal(t, http.StatusOK, serve(g, http.MethodGet, "/api/v1/github/ping", bearer(old)).Code)

	next := testConfig("http://127.0.0.1:1", data.URL)
	next.Auth.JWTSecret = "rotated-secret-0123456789abcdef"
	require.NoError(t, g.Reload(next))

	assert.Equal(t, http.StatusUnauthorized, serve(g, http.MethodGet, "/api/v1/github/ping", bearer(old)).Code)
	assert.Equal(t, http.StatusOK,
		serve(g, http.MethodGet, "/api/v1/github/ping", bearer(signToken(t, "rotated-secret-0123456789abcdef", 7))).Code)

	bad := testConfig("http://127.0.0.1:1", data.URL)
	bad.Auth.JWTSecret = ""
	assert.Error(t, g.Reload(bad))
	assert.Equal(t, http.StatusOK,
		serve(g, http.MethodGet, "/api/v1/github/ping", bearer(signToken(t, "rotated-secret-0123456789abcdef", 7))).Code,
		"a failed reload keeps the previous settings")
}

func TestNewRejectsBadRoute(t *testing.T) {
	cfg := testConfig("not a url", "http://127.0.0.1:1")
	_, err := New(context.Background(), cfg, testLogger(), observability.NewMetrics(prometheus.NewRegistry()))
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "app proxy"))
}
