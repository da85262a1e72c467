package auth

import (
	"net/http"
	"strings"
)

// DefaultCookieName is the cookie carrying the access token.
const DefaultCookieName = "accessToken"

// Credential returns the bearer token from the Authorization header, or
// from the named cookie when no bearer header is present.
func Credential(r *http.Request, cookieName string) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	if c, err := r.Cookie(cookieName); err == nil {
		return c.Value
	}
	return ""
}
