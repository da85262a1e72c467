package github

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

// Kind classifies a failed GitHub call.
type Kind int

const (
	KindGeneric Kind = iota
	KindRateLimited
	KindNotFound
	KindUnauthorized
)

// String returns the machine-readable kind carried in error envelopes.
func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "upstream_error"
	}
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its kind.
var (
	ErrRateLimited  = errors.New("github: rate limit exceeded")
	ErrNotFound     = errors.New("github: not found")
	ErrUnauthorized = errors.New("github: unauthorized")
	ErrCircuitOpen  = errors.New("github: circuit breaker open")
)

// Error is a classified GitHub failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	// ResetAt is when the rate limit window resets. Set for KindRateLimited.
	ResetAt time.Time
	Err     error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("github %s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("github %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrUnauthorized:
		return e.Kind == KindUnauthorized
	}
	return false
}

// RetryAfter returns the whole seconds until ResetAt, at least 1.
func (e *Error) RetryAfter(now time.Time) int64 {
	if e.ResetAt.IsZero() {
		return 1
	}
	secs := int64(math.Ceil(e.ResetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// classify maps a non-2xx response to an *Error. message is the "message"
// field of GitHub's error body when present.
func classify(resp *http.Response, message string) *Error {
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	e := &Error{StatusCode: resp.StatusCode, Message: message}

	switch {
	case resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		e.Kind = KindRateLimited
		if reset, ok := ParseRateLimitReset(resp.Header.Get("X-RateLimit-Reset")); ok {
			e.ResetAt = reset
		}
	case resp.StatusCode == http.StatusUnauthorized:
		e.Kind = KindUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		e.Kind = KindNotFound
	default:
		e.Kind = KindGeneric
	}
	return e
}

// transportError wraps a network failure or timeout.
func transportError(err error) *Error {
	return &Error{Kind: KindGeneric, Message: err.Error(), Err: err}
}
