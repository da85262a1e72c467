package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/gitrecap/recap/internal/response"
)

var tracer = otel.Tracer("recap/auth")

// TranslatorConfig holds the hot-reloadable gateway credential settings.
type TranslatorConfig struct {
	Secret         string
	Leeway         time.Duration
	CookieName     string
	AllowedOrigins []string
	Dev            bool
	// InternalToken, when set, is attached to every translated request as
	// the hop secret the consumer checks.
	InternalToken string
	// StripHeaders are extra inbound headers removed along with the
	// built-in trust headers.
	StripHeaders []string
}

// Decision describes one authentication outcome at the gateway.
type Decision struct {
	Outcome   string
	SubjectID string
	Origin    string
	Method    string
	Path      string
	Err       error
}

type translatorState struct {
	verifier      *Verifier
	origins       *AllowList
	sanitizer     *Sanitizer
	cookieName    string
	dev           bool
	internalToken string
}

// Translator converts a verified bearer credential into the internal trust
// header pair. It is the only code allowed to set those headers.
type Translator struct {
	state    atomic.Pointer[translatorState]
	origin   OriginFunc
	onDecide func(context.Context, Decision)
	logger   *slog.Logger
}

// TranslatorOption configures a Translator.
type TranslatorOption func(*Translator)

// WithOriginFunc overrides how the caller address is resolved. The default
// is the TCP peer address.
func WithOriginFunc(fn OriginFunc) TranslatorOption {
	return func(t *Translator) { t.origin = fn }
}

// WithDecisionHook registers a callback invoked once per decision.
func WithDecisionHook(fn func(context.Context, Decision)) TranslatorOption {
	return func(t *Translator) { t.onDecide = fn }
}

// WithLogger sets the logger used for rejected requests.
func WithLogger(l *slog.Logger) TranslatorOption {
	return func(t *Translator) { t.logger = l }
}

// NewTranslator builds a Translator. The secret is required.
func NewTranslator(cfg TranslatorConfig, opts ...TranslatorOption) (*Translator, error) {
	t := &Translator{
		origin: PeerOrigin,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	if err := t.Reload(cfg); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload atomically swaps the secret, allow-list and dev flag. In-flight
// requests keep the settings they started with.
func (t *Translator) Reload(cfg TranslatorConfig) error {
	v, err := NewVerifier(cfg.Secret, cfg.Leeway)
	if err != nil {
		return err
	}
	origins, err := NewAllowList(cfg.AllowedOrigins)
	if err != nil {
		return err
	}
	cookie := cfg.CookieName
	if cookie == "" {
		cookie = DefaultCookieName
	}
	t.state.Store(&translatorState{
		verifier:      v,
		origins:       origins,
		sanitizer:     NewSanitizer(cfg.StripHeaders...),
		cookieName:    cookie,
		dev:           cfg.Dev,
		internalToken: cfg.InternalToken,
	})
	return nil
}

// Authenticate runs the translation steps in order and returns a copy of r
// carrying exactly the trust header pair. The original request is not
// modified. Errors match ErrForbidden, ErrUnauthenticated or ErrUnauthorized.
func (t *Translator) Authenticate(r *http.Request) (*http.Request, error) {
	st := t.state.Load()

	out := r.Clone(r.Context())
	st.sanitizer.Sanitize(out.Header)

	if !st.dev && !st.origins.Contains(t.origin(r)) {
		return nil, ErrForbidden
	}

	token := Credential(out, st.cookieName)
	if token == "" {
		return nil, ErrUnauthenticated
	}

	claims, err := st.verifier.Verify(token)
	if err != nil {
		return nil, err
	}

	out.Header.Set(HeaderUserID, claims.SubjectID)
	out.Header.Set(HeaderAuthenticated, "1")
	if st.internalToken != "" {
		out.Header.Set(HeaderInternalToken, st.internalToken)
	}
	return out, nil
}

// Middleware rejects unauthenticated requests with a JSON error and forwards
// translated ones to next.
func (t *Translator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "recap.auth.translate")
		r = r.WithContext(ctx)

		out, err := t.Authenticate(r)
		d := Decision{
			Origin: t.origin(r),
			Method: r.Method,
			Path:   r.URL.Path,
			Err:    err,
		}
		if err != nil {
			code, outcome, msg := Status(err)
			d.Outcome = outcome
			span.SetAttributes(attribute.String("auth.outcome", outcome))
			span.SetStatus(codes.Error, outcome)
			span.End()
			t.decide(ctx, d)
			t.logger.DebugContext(ctx, "request rejected at gateway",
				"outcome", outcome, "origin", d.Origin, "path", d.Path, "error", err)
			response.Error(w, code, outcome, msg)
			return
		}

		d.Outcome = OutcomeAccepted
		d.SubjectID = out.Header.Get(HeaderUserID)
		span.SetAttributes(attribute.String("auth.outcome", OutcomeAccepted))
		span.End()
		t.decide(ctx, d)
		next.ServeHTTP(w, out)
	})
}

func (t *Translator) decide(ctx context.Context, d Decision) {
	if t.onDecide != nil {
		t.onDecide(ctx, d)
	}
}

// HopTokenValid compares a presented hop secret with the expected one in
// constant time.
func HopTokenValid(presented, expected string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// IsRejection reports whether err is one of the authentication sentinels.
func IsRejection(err error) bool {
	return errors.Is(err, ErrForbidden) || errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrUnauthorized)
}
