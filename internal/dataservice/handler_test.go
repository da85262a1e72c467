package dataservice

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitrecap/recap/internal/auth"
	"github.com/gitrecap/recap/internal/config"
	"github.com/gitrecap/recap/internal/observability"
)

type stubGitHub struct {
	*httptest.Server
	calls atomic.Int64

	// status overrides the response of /users/{username} when non-zero.
	status  atomic.Int64
	headers http.Header
}

func newStubGitHub(t *testing.T) *stubGitHub {
	t.Helper()
	gh := &stubGitHub{headers: http.Header{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/{username}", func(w http.ResponseWriter, r *http.Request) {
		gh.calls.Add(1)
		if code := int(gh.status.Load()); code != 0 {
			for k, v := range gh.headers {
				w.Header()[k] = v
			}
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"message":"upstream says no"}`))
			return
		}
		_, _ = w.Write([]byte(`{"login":"` + r.PathValue("username") + `","followers":3}`))
	})
	mux.HandleFunc("GET /users/{username}/repos", func(w http.ResponseWriter, r *http.Request) {
		gh.calls.Add(1)
		if r.URL.Query().Get("type") == "all" {
			_, _ = w.Write([]byte(`[{"name":"hello","created_at":"2024-02-01T00:00:00Z","updated_at":"2024-03-01T00:00:00Z","language":"Go","stargazers_count":1,"forks_count":0}]`))
			return
		}
		_, _ = w.Write([]byte(`[{"name":"hello"}]`))
	})
	mux.HandleFunc("GET /users/{username}/events/public", func(w http.ResponseWriter, _ *http.Request) {
		gh.calls.Add(1)
		_, _ = w.Write([]byte(`[{"type":"PushEvent","created_at":"2024-06-01T00:00:00Z","repo":{"name":"octocat/hello"}}]`))
	})
	mux.HandleFunc("GET /search/repositories", func(w http.ResponseWriter, r *http.Request) {
		gh.calls.Add(1)
		_, _ = w.Write([]byte(`{"total_count":1,"items":[{"full_name":"octocat/` + r.URL.Query().Get("q") + `"}]}`))
	})
	mux.HandleFunc("GET /search/commits", func(w http.ResponseWriter, _ *http.Request) {
		gh.calls.Add(1)
		_, _ = w.Write([]byte(`{"total_count":1,"items":[{"sha":"abc","commit":{"author":{"date":"2024-03-03T00:00:00Z"}}}]}`))
	})
	gh.Server = httptest.NewServer(mux)
	t.Cleanup(gh.Close)
	return gh
}

type fixture struct {
	svc     *Service
	handler http.Handler
	gh      *stubGitHub
	mr      *miniredis.Miniredis
	metrics *observability.Metrics
}

func newFixture(t *testing.T, mod ...func(*config.Config)) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	gh := newStubGitHub(t)
	cfg := config.Defaults()
	cfg.Data.GitHub.BaseURL = gh.URL
	cfg.Data.GitHub.Timeout = "2s"
	cfg.Data.Debounce.Interval = "0s"
	cfg.Data.Debounce.SweepInterval = "0s"
	for _, m := range mod {
		m(cfg)
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	svc, err := NewService(cfg, client, metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	return &fixture{svc: svc, handler: svc.Handler().Routes(), gh: gh, mr: mr, metrics: metrics}
}

func (f *fixture) do(t *testing.T, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	req.RemoteAddr = "127.0.0.1:50000"
	req.Header.Set(auth.HeaderAuthenticated, "1")
	req.Header.Set(auth.HeaderUserID, "42")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	var out map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	}
	return rr, out
}

func TestPingIsPublic(t *testing.T) {
	f := newFixture(t)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ping", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"success":true,"statusCode":200,"message":"Data service pinged successfully","payload":"Pong"}`, rr.Body.String())
}

func TestRoutesRequirePrincipal(t *testing.T) {
	f := newFixture(t)
	for _, target := range []string{"/user/octocat", "/user/octocat/repos", "/search?query=x", "/fetch/2024"} {
		rr := httptest.NewRecorder()
		f.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code, target)
	}

	t.Run("half a header pair is not trusted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/user/octocat", nil)
		req.Header.Set(auth.HeaderAuthenticated, "true")
		req.Header.Set(auth.HeaderUserID, "42")
		rr := httptest.NewRecorder()
		f.handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
	assert.Zero(t, f.gh.calls.Load())
}

func TestForgedTrustHeadersFromRemotePeer(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Auth.JWTSecret = "test-secret" })
	require.NoError(t, f.mr.Set("recap:year:2024", `{"year":2024}`))

	req := httptest.NewRequest(http.MethodPost, "/admin/purge", nil)
	req.RemoteAddr = "203.0.113.7:4444"
	req.Header.Set(auth.HeaderUserID, "attacker")
	req.Header.Set(auth.HeaderAuthenticated, "1")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.True(t, f.mr.Exists("recap:year:2024"))
}

func TestUserIsCached(t *testing.T) {
	f := newFixture(t)

	rr, body := f.do(t, http.MethodGet, "/user/OctoCat", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "User data fetched", body["message"])
	assert.Equal(t, "octocat", body["payload"].(map[string]any)["login"])

	rr, _ = f.do(t, http.MethodGet, "/user/octocat", "")
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, int64(1), f.gh.calls.Load())
	assert.True(t, f.mr.Exists("github:user:octocat"))
	assert.Equal(t, time.Hour, f.mr.TTL("github:user:octocat"))

	snap := f.metrics.Snapshot()
	assert.Equal(t, int64(1), snap.CacheHits)
	assert.Equal(t, int64(1), snap.CacheStores)
}

func TestUserReposIsCached(t *testing.T) {
	f := newFixture(t)
	for range 2 {
		rr, body := f.do(t, http.MethodGet, "/user/octocat/repos", "")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Len(t, body["payload"], 1)
	}
	assert.Equal(t, int64(1), f.gh.calls.Load())
	assert.True(t, f.mr.Exists("github:repos:octocat"))
}

func TestSearch(t *testing.T) {
	t.Run("missing query", func(t *testing.T) {
		f := newFixture(t)
		rr, body := f.do(t, http.MethodGet, "/search", "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "validation_error", body["error"])
	})

	t.Run("cached under the query", func(t *testing.T) {
		f := newFixture(t)
		for range 2 {
			rr, body := f.do(t, http.MethodGet, "/search?query=octo", "")
			require.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, "Repositories fetched", body["message"])
			payload := body["payload"].(map[string]any)
			assert.EqualValues(t, 1, payload["total_count"])
			assert.Equal(t, "octocat/octo", payload["items"].([]any)[0].(map[string]any)["full_name"])
		}
		assert.Equal(t, int64(1), f.gh.calls.Load())
		assert.True(t, f.mr.Exists("github:search:octo"))
	})

	t.Run("debounced", func(t *testing.T) {
		f := newFixture(t, func(c *config.Config) { c.Data.Debounce.Interval = "100ms" })
		start := time.Now()
		for range 3 {
			rr, _ := f.do(t, http.MethodGet, "/search?query=same", "")
			require.Equal(t, http.StatusOK, rr.Code)
		}
		assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	})
}

func TestUpstreamErrorMapping(t *testing.T) {
	reset := strconv.FormatInt(time.Now().Add(30*time.Second).Unix(), 10)
	tests := []struct {
		name     string
		status   int
		headers  map[string]string
		wantCode int
		wantKind string
		wantMsg  string
	}{
		{"not found", http.StatusNotFound, nil, http.StatusNotFound, "not_found", "upstream says no"},
		{"unauthorized", http.StatusUnauthorized, nil, http.StatusUnauthorized, "unauthorized", "upstream says no"},
		{
			"rate limited", http.StatusForbidden,
			map[string]string{"X-RateLimit-Remaining": "0", "X-RateLimit-Reset": reset},
			http.StatusTooManyRequests, "rate_limited", "GitHub API rate limit exceeded",
		},
		{"plain forbidden", http.StatusForbidden, nil, http.StatusForbidden, "upstream_error", "upstream says no"},
		{"server error masked", http.StatusBadGateway, nil, http.StatusBadGateway, "upstream_error", "Internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.gh.status.Store(int64(tt.status))
			for k, v := range tt.headers {
				f.gh.headers.Set(k, v)
			}

			rr, body := f.do(t, http.MethodGet, "/user/octocat", "")
			assert.Equal(t, tt.wantCode, rr.Code)
			assert.Equal(t, tt.wantKind, body["error"])
			assert.Equal(t, tt.wantMsg, body["message"])
			assert.False(t, f.mr.Exists("github:user:octocat"), "errors are never cached")

			if tt.wantCode == http.StatusTooManyRequests {
				secs, err := strconv.Atoi(rr.Header().Get("Retry-After"))
				require.NoError(t, err)
				assert.InDelta(t, 30, secs, 2)
			}
		})
	}
}

func TestUpstreamUnreachableIsBadGateway(t *testing.T) {
	f := newFixture(t)
	f.gh.Close()

	rr, body := f.do(t, http.MethodGet, "/user/octocat", "")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, "upstream_error", body["error"])
}

func TestDevModeShowsUpstreamMessage(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Mode = config.ModeDev })
	f.gh.status.Store(http.StatusInternalServerError)

	rr, body := f.do(t, http.MethodGet, "/user/octocat", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "upstream says no", body["message"])
}

func TestFetchByYear(t *testing.T) {
	f := newFixture(t)

	rr, body := f.do(t, http.MethodGet, "/fetch/2024", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, map[string]any{}, body["payload"])

	rr, _ = f.do(t, http.MethodGet, "/fetch/twenty", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRefreshFetchAndDelete(t *testing.T) {
	f := newFixture(t)

	rr, body := f.do(t, http.MethodPost, "/admin/refresh",
		`{"year":2024,"username":"octocat","githubToken":"ghp_0123456789abcdefghij"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "GitHub recap data for octocat (2024) refreshed successfully", body["message"])
	payload := body["payload"].(map[string]any)
	assert.EqualValues(t, 2024, payload["year"])
	assert.Equal(t, "octocat's 2024 GitHub Recap", payload["title"])
	assert.Equal(t, map[string]any{"repositories": 1.0, "events": 1.0, "commits": 1.0}, payload["recordsCount"])

	rr, body = f.do(t, http.MethodGet, "/fetch/2024", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2024, body["payload"].(map[string]any)["year"])

	rr, _ = f.do(t, http.MethodPost, "/admin/delete", `{"year":2024}`)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr, body = f.do(t, http.MethodPost, "/admin/delete", `{"year":2024}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not_found", body["error"])
}

func TestRefreshValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing token", `{"year":2024,"username":"octocat"}`},
		{"year out of range", `{"year":1800,"username":"octocat","githubToken":"ghp_0123456789abcdefghij"}`},
		{"bad image url", `{"year":2024,"username":"octocat","githubToken":"ghp_0123456789abcdefghij","imageUrl":"::"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, body := f.do(t, http.MethodPost, "/admin/refresh", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, "validation_error", body["error"])
		})
	}
	assert.Zero(t, f.gh.calls.Load())
}

func TestPurge(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mr.Set("recap:year:2023", `{"year":2023}`))
	require.NoError(t, f.mr.Set("recap:year:2024", `{"year":2024}`))
	require.NoError(t, f.mr.Set("github:user:octocat", `{}`))

	rr, body := f.do(t, http.MethodPost, "/admin/purge", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, body["payload"].(map[string]any)["deleted"])
	assert.True(t, f.mr.Exists("github:user:octocat"))
}

func TestInvalidateTags(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mr.Set("github:user:a", `{}`))
	require.NoError(t, f.mr.Set("github:user:b", `{}`))
	require.NoError(t, f.mr.Set("github:repos:a", `[]`))

	rr, body := f.do(t, http.MethodPost, "/admin/cache/invalidate", `{"tags":["github:user"]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, body["payload"].(map[string]any)["deleted"])
	assert.False(t, f.mr.Exists("github:user:a"))
	assert.True(t, f.mr.Exists("github:repos:a"))

	rr, _ = f.do(t, http.MethodPost, "/admin/cache/invalidate", `{"tags":[]}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReloadChangesCacheTTL(t *testing.T) {
	f := newFixture(t)
	cfg := config.Defaults()
	cfg.Data.Cache.TTL = "90s"
	cfg.Data.Debounce.Interval = "0s"
	f.svc.Reload(cfg)

	rr, _ := f.do(t, http.MethodGet, "/user/octocat", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 90*time.Second, f.mr.TTL("github:user:octocat"))
	assert.Equal(t, time.Duration(0), f.svc.gate.Interval())
}
