package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the identity extracted from a verified credential. It is never
// built from request headers.
type Claims struct {
	SubjectID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// tokenClaims mirrors the access-token payload issued by the app service.
// The subject lives in "id" (string or number) with "sub" as fallback.
type tokenClaims struct {
	UserID flexibleID `json:"id,omitempty"`
	jwt.RegisteredClaims
}

type flexibleID string

func (f *flexibleID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id claim must be a string or number: %w", err)
	}
	*f = flexibleID(n.String())
	return nil
}

// Verifier checks HS256 signatures and expiry with a shared secret.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier returns a verifier for the given secret. leeway tolerates
// clock skew on exp/nbf/iat.
func NewVerifier(secret string, leeway time.Duration) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(leeway),
		),
	}, nil
}

// Verify validates the token and returns its claims. Every failure wraps
// ErrUnauthorized.
func (v *Verifier) Verify(token string) (Claims, error) {
	var tc tokenClaims
	if _, err := v.parser.ParseWithClaims(token, &tc, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	subject := string(tc.UserID)
	if subject == "" {
		subject = tc.Subject
	}
	if subject == "" {
		return Claims{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}

	c := Claims{SubjectID: subject}
	if tc.IssuedAt != nil {
		c.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		c.ExpiresAt = tc.ExpiresAt.Time
	}
	return c, nil
}
