// Package response writes the JSON envelope shared by the gateway and the
// data service.
package response

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// RequestIDHeader is the canonical request correlation header.
const RequestIDHeader = "X-Request-Id"

const maskedMessage = "Internal server error"

// Envelope is the body of every JSON response.
type Envelope struct {
	Success    bool    `json:"success"`
	StatusCode int     `json:"statusCode"`
	Message    string  `json:"message"`
	Error      string  `json:"error,omitempty"`
	Payload    any     `json:"payload,omitempty"`
	RetryAfter float64 `json:"retry_after,omitempty"`
	RequestID  string  `json:"request_id,omitempty"`
}

// Success writes a success envelope.
func Success(w http.ResponseWriter, code int, message string, payload any) {
	write(w, Envelope{
		Success:    true,
		StatusCode: code,
		Message:    message,
		Payload:    payload,
	})
}

// Error writes a failure envelope. kind is a stable machine-readable
// identifier such as "unauthorized" or "rate_limited".
func Error(w http.ResponseWriter, code int, kind, message string) {
	write(w, Envelope{
		StatusCode: code,
		Message:    message,
		Error:      kind,
	})
}

// RateLimited writes a 429 envelope with the Retry-After header set.
func RateLimited(w http.ResponseWriter, kind, message string, retryAfterSeconds int64) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds, 10))
	write(w, Envelope{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Error:      kind,
		RetryAfter: float64(retryAfterSeconds),
	})
}

// Mask hides server-side failure detail outside dev mode.
func Mask(dev bool, code int, message string) string {
	if !dev && code >= http.StatusInternalServerError {
		return maskedMessage
	}
	return message
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		code = http.StatusInternalServerError
		body = []byte(`{"success":false,"statusCode":500,"message":"Internal server error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func write(w http.ResponseWriter, env Envelope) {
	env.RequestID = w.Header().Get(RequestIDHeader)
	JSON(w, env.StatusCode, env)
}
