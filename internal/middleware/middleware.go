// Package middleware holds the HTTP request pipeline shared by the gateway
// and the data service: request correlation, access logging, panic
// recovery and the gateway's per-client rate limit.
package middleware

import "net/http"

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain wraps h so that mws[0] is the outermost layer.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
