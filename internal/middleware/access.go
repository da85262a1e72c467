package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gitrecap/recap/internal/observability"
)

// statusWriter records the status code written downstream.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
	bytes   int
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// AccessLog emits one "access" record per request and observes the request
// duration histogram. metrics may be nil.
func AccessLog(logger *slog.Logger, metrics *observability.Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := statusWriterPool.Get().(*statusWriter)
			sw.ResponseWriter = w
			sw.code = http.StatusOK
			sw.written = false
			sw.bytes = 0

			defer func() {
				d := time.Since(start)
				if metrics != nil {
					metrics.PromRequestDuration.WithLabelValues(r.Method, strconv.Itoa(sw.code)).Observe(d.Seconds())
				}
				logger.InfoContext(r.Context(), "access",
					"method", r.Method,
					"path", r.URL.Path,
					"status", sw.code,
					"bytes", sw.bytes,
					"duration_ms", float64(d.Microseconds())/1000,
					"remote", r.RemoteAddr,
				)
				sw.ResponseWriter = nil
				statusWriterPool.Put(sw)
			}()

			next.ServeHTTP(sw, r)
		})
	}
}
