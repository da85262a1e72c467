package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gitrecap/recap/internal/response"
)

// Recover turns a handler panic into a 500 JSON response.
// http.ErrAbortHandler is re-raised so the server aborts the connection.
func Recover(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.ErrorContext(r.Context(), "handler panic",
					"panic", rec, "path", r.URL.Path, "stack", string(debug.Stack()))
				response.Error(w, http.StatusInternalServerError, "internal_error", "Internal server error")
			}()
			next.ServeHTTP(w, r)
		})
	}
}
