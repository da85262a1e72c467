package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/gitrecap/recap/internal/response"
)

// Source records how a principal was established.
type Source int

const (
	// SourceGatewayTrusted means the gateway verified the credential and
	// forwarded the trust header pair.
	SourceGatewayTrusted Source = iota + 1
	// SourceDirectCredential means the service verified a bearer token or
	// cookie itself.
	SourceDirectCredential
)

func (s Source) String() string {
	switch s {
	case SourceGatewayTrusted:
		return "gateway"
	case SourceDirectCredential:
		return "direct"
	default:
		return "unknown"
	}
}

// Principal is the authenticated caller of an internal service.
type Principal struct {
	SubjectID string
	Source    Source
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal attached by Consumer.Middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// Secret verifies direct credentials. Empty disables the direct path.
	Secret     string
	Leeway     time.Duration
	CookieName string
	// TrustGateway enables the gateway-trusted path.
	TrustGateway bool
	// InternalToken, when set, must accompany gateway trust headers.
	InternalToken string
	// TrustedPeers limits which TCP peers may present trust headers when
	// InternalToken is empty. Empty means loopback only.
	TrustedPeers []string
}

// Consumer decides who is calling an internal service.
type Consumer struct {
	verifier      *Verifier
	cookieName    string
	trustGateway  bool
	internalToken string
	peers         *AllowList
}

// NewConsumer builds a Consumer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	c := &Consumer{
		cookieName:    cfg.CookieName,
		trustGateway:  cfg.TrustGateway,
		internalToken: cfg.InternalToken,
	}
	if c.cookieName == "" {
		c.cookieName = DefaultCookieName
	}
	peers, err := NewAllowList(cfg.TrustedPeers)
	if err != nil {
		return nil, err
	}
	c.peers = peers
	if cfg.Secret != "" {
		v, err := NewVerifier(cfg.Secret, cfg.Leeway)
		if err != nil {
			return nil, err
		}
		c.verifier = v
	}
	return c, nil
}

// Resolve is the single authentication decision for a request. Gateway
// headers are honored only when x-authenticated is exactly "1", the subject
// is non-empty and the hop is proven: by the hop secret when one is
// configured, otherwise by the TCP peer being a trusted peer. Otherwise a
// direct credential is verified.
func (c *Consumer) Resolve(r *http.Request) (Principal, error) {
	if c.trustGateway {
		userID := r.Header.Get(HeaderUserID)
		if r.Header.Get(HeaderAuthenticated) == "1" && userID != "" && c.trustedHop(r) {
			return Principal{SubjectID: userID, Source: SourceGatewayTrusted}, nil
		}
	}

	token := Credential(r, c.cookieName)
	if token == "" {
		return Principal{}, ErrUnauthenticated
	}
	if c.verifier == nil {
		return Principal{}, ErrUnauthorized
	}
	claims, err := c.verifier.Verify(token)
	if err != nil {
		return Principal{}, err
	}
	return Principal{SubjectID: claims.SubjectID, Source: SourceDirectCredential}, nil
}

func (c *Consumer) trustedHop(r *http.Request) bool {
	if c.internalToken != "" {
		return HopTokenValid(r.Header.Get(HeaderInternalToken), c.internalToken)
	}
	return c.peers.Contains(r.RemoteAddr)
}

// Middleware attaches the resolved Principal to the request context or
// rejects the request with a JSON error.
func (c *Consumer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := c.Resolve(r)
		if err != nil {
			code, outcome, _ := Status(err)
			msg := "Unauthorized"
			if outcome == OutcomeUnauthenticated {
				msg = "Not authenticated"
			}
			response.Error(w, code, outcome, msg)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}
