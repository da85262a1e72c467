// Package gateway assembles the edge router: header sanitizing, request
// IDs, access logging, rate limiting and the two service proxies, with
// credential translation in front of routes that require it.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gitrecap/recap/internal/auth"
	"github.com/gitrecap/recap/internal/config"
	"github.com/gitrecap/recap/internal/events"
	"github.com/gitrecap/recap/internal/middleware"
	"github.com/gitrecap/recap/internal/observability"
	"github.com/gitrecap/recap/internal/proxy"
	"github.com/gitrecap/recap/internal/response"
)

// Gateway is the assembled edge handler and the components it owns.
type Gateway struct {
	handler    http.Handler
	translator *auth.Translator
	limiter    *middleware.RateLimiter
	emitter    *events.Emitter
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// New builds the gateway from cfg. ctx bounds the rate limiter's Redis
// reconnect loop.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*Gateway, error) {
	g := &Gateway{logger: logger, metrics: metrics}
	gc := cfg.Gateway

	g.emitter = events.NewEmitter(cfg.Events, logger, metrics)

	tcfg, err := translatorConfig(cfg)
	if err != nil {
		return nil, err
	}
	g.translator, err = auth.NewTranslator(tcfg,
		auth.WithLogger(logger),
		auth.WithDecisionHook(g.onDecision()))
	if err != nil {
		_ = g.emitter.Close()
		return nil, fmt.Errorf("auth translator: %w", err)
	}

	proxyOpts := []proxy.Option{
		proxy.WithLogger(logger),
		proxy.WithPoweredBy(gc.PoweredBy),
		proxy.WithHiddenResponseHeaders(auth.HeaderUserID, auth.HeaderAuthenticated, auth.HeaderInternalToken),
	}
	appProxy, err := proxy.New(gc.App, gc.Transport, proxyOpts...)
	if err != nil {
		_ = g.emitter.Close()
		return nil, fmt.Errorf("app proxy: %w", err)
	}
	dataProxy, err := proxy.New(gc.Data, gc.Transport, proxyOpts...)
	if err != nil {
		_ = g.emitter.Close()
		return nil, fmt.Errorf("data proxy: %w", err)
	}

	g.limiter, err = middleware.NewRateLimiter(ctx, gc.RateLimit, cfg.Redis, logger, metrics)
	if err != nil {
		_ = g.emitter.Close()
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health)
	g.mount(mux, gc.App, appProxy)
	g.mount(mux, gc.Data, dataProxy)
	mux.HandleFunc("/", notFound)

	g.handler = auth.SanitizeHandler(middleware.Chain(mux,
		middleware.RequestID,
		middleware.AccessLog(logger, metrics),
		middleware.Recover(logger),
		g.limiter.Middleware,
	), gc.StripHeaders...)

	logger.Info("gateway routes mounted",
		"app_prefix", gc.App.Prefix, "app_url", gc.App.URL, "app_auth", gc.App.RequireAuth,
		"data_prefix", gc.Data.Prefix, "data_url", gc.Data.URL, "data_auth", gc.Data.RequireAuth)
	return g, nil
}

// mount registers h for the route prefix and everything below it.
func (g *Gateway) mount(mux *http.ServeMux, route config.RouteConfig, h http.Handler) {
	if route.RequireAuth {
		h = g.translator.Middleware(h)
	}
	mux.Handle(route.Prefix, h)
	mux.Handle(route.Prefix+"/", h)
}

func (g *Gateway) onDecision() func(context.Context, auth.Decision) {
	emit := g.emitter.AuthHook()
	return func(ctx context.Context, d auth.Decision) {
		if g.metrics != nil {
			g.metrics.ObserveAuth(d.Outcome)
		}
		emit(ctx, d)
	}
}

func translatorConfig(cfg *config.Config) (auth.TranslatorConfig, error) {
	leeway, err := config.ParseDuration(cfg.Auth.Leeway, 0)
	if err != nil {
		return auth.TranslatorConfig{}, fmt.Errorf("auth.leeway: %w", err)
	}
	return auth.TranslatorConfig{
		Secret:         cfg.Auth.JWTSecret.Value(),
		Leeway:         leeway,
		CookieName:     cfg.Auth.CookieName,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
		Dev:            cfg.IsDev(),
		InternalToken:  cfg.Auth.InternalToken.Value(),
		StripHeaders:   cfg.Gateway.StripHeaders,
	}, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.handler.ServeHTTP(w, r)
}

// RedisPinger reports the rate limiter's Redis health for /readyz.
func (g *Gateway) RedisPinger() observability.Pinger { return g.limiter.RedisPinger() }

// Reload swaps the credential settings and the rate limit. Route and
// listener changes need a restart.
func (g *Gateway) Reload(cfg *config.Config) error {
	tcfg, err := translatorConfig(cfg)
	if err != nil {
		return err
	}
	if err := g.translator.Reload(tcfg); err != nil {
		return fmt.Errorf("reload auth: %w", err)
	}
	if err := g.limiter.Reload(cfg.Gateway.RateLimit); err != nil {
		return err
	}
	g.logger.Info("gateway settings reloaded", "dev", cfg.IsDev(), "allowed_origins", cfg.Gateway.AllowedOrigins)
	return nil
}

// Close releases the rate limiter and flushes pending audit events.
func (g *Gateway) Close() error {
	err := g.limiter.Close()
	if cerr := g.emitter.Close(); err == nil {
		err = cerr
	}
	return err
}

func health(w http.ResponseWriter, _ *http.Request) {
	response.JSON(w, http.StatusOK, map[string]any{
		"status":    "Gateway is running",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func notFound(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusNotFound, map[string]string{
		"message": "Route not found",
		"path":    r.URL.Path,
	})
}
