package auth

import (
	"net/http"
)

// Trust headers exchanged between the gateway and internal services.
const (
	HeaderUserID        = "X-User-Id"
	HeaderAuthenticated = "X-Authenticated"
	HeaderInternalToken = "X-Internal-Token"
)

// trustHeaders are removed from every request entering through the edge.
var trustHeaders = []string{
	HeaderUserID,
	HeaderAuthenticated,
	HeaderInternalToken,
	"X-Forwarded-User",
	"X-Real-User",
}

// debugHeaders toggle diagnostics in some backends and never come from a
// legitimate client. X-Forwarded-For is kept for the rate-limit key.
var debugHeaders = []string{
	"X-Aspnet",
	"X-Env",
	"X-Debug",
}

// Sanitizer strips trust headers plus operator-configured extras.
type Sanitizer struct {
	names []string
}

// NewSanitizer builds a sanitizer. Extra names are canonicalized.
func NewSanitizer(extra ...string) *Sanitizer {
	names := make([]string, 0, len(trustHeaders)+len(debugHeaders)+len(extra))
	names = append(names, trustHeaders...)
	names = append(names, debugHeaders...)
	for _, h := range extra {
		if h != "" {
			names = append(names, http.CanonicalHeaderKey(h))
		}
	}
	return &Sanitizer{names: names}
}

// Sanitize deletes every configured header. Idempotent.
func (s *Sanitizer) Sanitize(h http.Header) {
	for _, name := range s.names {
		h.Del(name)
	}
}

// Handler sanitizes the request before calling next.
func (s *Sanitizer) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Sanitize(r.Header)
		next.ServeHTTP(w, r)
	})
}

var defaultSanitizer = NewSanitizer()

// Sanitize removes the built-in trust headers from h.
func Sanitize(h http.Header) { defaultSanitizer.Sanitize(h) }

// SanitizeHandler wraps next so that the built-in trust headers and extra
// are stripped before anything else sees the request.
func SanitizeHandler(next http.Handler, extra ...string) http.Handler {
	return NewSanitizer(extra...).Handler(next)
}
