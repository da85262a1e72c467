package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitrecap/recap/internal/observability"
	"github.com/gitrecap/recap/internal/response"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Chain(okHandler(), mark("outer"), mark("middle"), mark("inner"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "middle", "inner"}, order)
}

func TestRequestID(t *testing.T) {
	var seenHeader, seenCtx string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHeader = r.Header.Get(response.RequestIDHeader)
		seenCtx = observability.RequestIDFrom(r.Context())
	}))

	t.Run("generates when absent", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		id := rr.Header().Get(response.RequestIDHeader)
		assert.Len(t, id, 32)
		assert.Equal(t, id, seenHeader)
		assert.Equal(t, id, seenCtx)
	})

	t.Run("propagates a valid id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(response.RequestIDHeader, "trace-abc.123:x_y")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		assert.Equal(t, "trace-abc.123:x_y", rr.Header().Get(response.RequestIDHeader))
		assert.Equal(t, "trace-abc.123:x_y", seenCtx)
	})

	t.Run("replaces an unsafe id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(response.RequestIDHeader, "bad id\twith space")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		id := rr.Header().Get(response.RequestIDHeader)
		assert.NotEqual(t, "bad id\twith space", id)
		assert.True(t, validRequestID(id))
	})

	t.Run("ids are unique", func(t *testing.T) {
		seen := make(map[string]struct{})
		for range 1000 {
			id := generateRequestID()
			_, dup := seen[id]
			require.False(t, dup)
			seen[id] = struct{}{}
		}
	})
}

func TestValidRequestID(t *testing.T) {
	assert.True(t, validRequestID("abc-DEF_09.:"))
	assert.False(t, validRequestID(""))
	assert.False(t, validRequestID(strings.Repeat("a", maxRequestIDLen+1)))
	assert.False(t, validRequestID("a\r\nb"))
	assert.False(t, validRequestID("a/b"))
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}), RequestID, AccessLog(logger, metrics))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/brew", nil))
	require.Equal(t, http.StatusTeapot, rr.Code)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "access", rec["msg"])
	assert.Equal(t, "POST", rec["method"])
	assert.Equal(t, "/brew", rec["path"])
	assert.EqualValues(t, http.StatusTeapot, rec["status"])
	assert.EqualValues(t, len("short and stout"), rec["bytes"])
}

func TestAccessLogDefaultStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	h := AccessLog(logger, nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.EqualValues(t, http.StatusOK, rec["status"])
}

func TestStatusWriterFlush(t *testing.T) {
	rr := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rr}
	sw.Flush()
	assert.True(t, rr.Flushed)
	assert.Equal(t, rr, sw.Unwrap())
}

func TestRecover(t *testing.T) {
	t.Run("panic becomes 500", func(t *testing.T) {
		h := Recover(discardLogger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		var env response.Envelope
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
		assert.Equal(t, "internal_error", env.Error)
		assert.NotContains(t, rr.Body.String(), "boom")
	})

	t.Run("abort handler is re-raised", func(t *testing.T) {
		h := Recover(discardLogger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic(http.ErrAbortHandler)
		}))
		assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		})
	})

	t.Run("no panic passes through", func(t *testing.T) {
		rr := httptest.NewRecorder()
		Recover(discardLogger)(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
	})
}
