package middleware

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"math/rand/v2"
	"net/http"
	"sync"

	"github.com/gitrecap/recap/internal/observability"
	"github.com/gitrecap/recap/internal/response"
)

const maxRequestIDLen = 128

// ChaCha8 seeded once from crypto/rand; avoids a syscall per ID.
var (
	requestIDMu  sync.Mutex
	requestIDRng = func() *rand.ChaCha8 {
		var seed [32]byte
		if _, err := cryptorand.Read(seed[:]); err != nil {
			panic("seeding request id generator: " + err.Error())
		}
		return rand.NewChaCha8(seed)
	}()
)

// generateRequestID returns 128 random bits, hex encoded.
func generateRequestID() string {
	var buf [16]byte
	requestIDMu.Lock()
	binary.LittleEndian.PutUint64(buf[:8], requestIDRng.Uint64())
	binary.LittleEndian.PutUint64(buf[8:], requestIDRng.Uint64())
	requestIDMu.Unlock()
	return hex.EncodeToString(buf[:])
}

// validRequestID accepts short IDs made of [A-Za-z0-9-_.:] only, so a
// client-supplied value cannot inject header or log content.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// RequestID propagates a valid inbound X-Request-Id or mints a new one. The
// ID is echoed on the response, forwarded upstream and attached to the
// request context for logging.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(response.RequestIDHeader)
		if !validRequestID(id) {
			id = generateRequestID()
			r.Header.Set(response.RequestIDHeader, id)
		}
		w.Header().Set(response.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(observability.WithRequestID(r.Context(), id)))
	})
}
