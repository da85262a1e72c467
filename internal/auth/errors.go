package auth

import (
	"errors"
	"net/http"
)

// Rejection sentinels. Every error returned by Translator.Authenticate and
// Consumer.Resolve matches exactly one of them with errors.Is.
var (
	ErrForbidden       = errors.New("origin not allowed")
	ErrUnauthenticated = errors.New("missing credential")
	ErrUnauthorized    = errors.New("invalid credential")
)

// Outcome names used for metrics labels and audit events.
const (
	OutcomeAccepted        = "accepted"
	OutcomeForbidden       = "forbidden"
	OutcomeUnauthenticated = "unauthenticated"
	OutcomeUnauthorized    = "unauthorized"
)

// Status maps a rejection to its HTTP status, outcome name and client
// message. Unknown errors are treated as Unauthorized.
func Status(err error) (code int, outcome, message string) {
	switch {
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, OutcomeForbidden, "Forbidden: origin not allowed"
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, OutcomeUnauthenticated, "Missing auth token"
	default:
		return http.StatusUnauthorized, OutcomeUnauthorized, "Unauthorized: invalid token"
	}
}
