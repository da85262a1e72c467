package dataservice

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gitrecap/recap/internal/auth"
	"github.com/gitrecap/recap/internal/cache"
	"github.com/gitrecap/recap/internal/config"
	"github.com/gitrecap/recap/internal/debounce"
	"github.com/gitrecap/recap/internal/github"
	"github.com/gitrecap/recap/internal/observability"
	"github.com/gitrecap/recap/internal/recap"
	"github.com/gitrecap/recap/internal/redis"
)

const defaultCacheTTL = time.Hour

// Service is the assembled data service: the HTTP handler plus the
// components that outlive a request.
type Service struct {
	handler *Handler
	gate    *debounce.Gate
	store   *cache.Store
	logger  *slog.Logger
}

// NewService wires the GitHub client, the cache façade, the debounce gate
// and the recap store from cfg. metrics may be nil.
func NewService(cfg *config.Config, client redis.Client, metrics *observability.Metrics, logger *slog.Logger) (*Service, error) {
	dc := cfg.Data

	ttl, err := config.ParseDuration(dc.Cache.TTL, defaultCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("data.cache.ttl: %w", err)
	}
	interval, err := config.ParseDuration(dc.Debounce.Interval, 300*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("data.debounce.interval: %w", err)
	}
	sweep, err := config.ParseDuration(dc.Debounce.SweepInterval, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("data.debounce.sweep_interval: %w", err)
	}
	leeway, err := config.ParseDuration(cfg.Auth.Leeway, 0)
	if err != nil {
		return nil, fmt.Errorf("auth.leeway: %w", err)
	}

	gh, err := github.New(dc.GitHub, github.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	store := cache.NewStore(client,
		cache.WithMaxValueSize(int(dc.Cache.MaxValueSize)),
		cache.WithLogger(logger))

	gate := debounce.NewGate(interval, sweep)
	var waiter cache.Waiter = gate
	var redisGate *debounce.RedisGate
	if dc.Debounce.Distributed {
		redisGate = debounce.NewRedisGate(client, gate, dc.Debounce.KeyPrefix, logger)
		waiter = redisGate
	}

	rt := cache.NewReadThrough(store,
		cache.WithGate(waiter),
		cache.WithSingleFlight(dc.Cache.SingleFlight),
		cache.WithReadThroughLogger(logger))

	if metrics != nil {
		store.OnHit = metrics.IncCacheHit
		store.OnMiss = metrics.IncCacheMiss
		store.OnError = metrics.IncCacheError
		store.OnStore = metrics.IncCacheStore
		rt.OnDebounceWait = metrics.ObserveDebounceWait
		gh.OnRequest = metrics.ObserveUpstream
		if redisGate != nil {
			redisGate.OnError = metrics.IncRedisErrors
		}
	}

	consumer, err := auth.NewConsumer(auth.ConsumerConfig{
		Secret:        cfg.Auth.JWTSecret.Value(),
		Leeway:        leeway,
		CookieName:    cfg.Auth.CookieName,
		TrustGateway:  dc.TrustGatewayHeaders,
		InternalToken: cfg.Auth.InternalToken.Value(),
		TrustedPeers:  dc.TrustedPeers,
	})
	if err != nil {
		return nil, fmt.Errorf("auth consumer: %w", err)
	}

	recaps := recap.NewService(gh, recap.NewStore(client), logger)
	h := New(gh, rt, recaps, consumer, ttl, WithLogger(logger), WithDevMode(cfg.IsDev()))

	return &Service{handler: h, gate: gate, store: store, logger: logger}, nil
}

// Handler returns the HTTP handler.
func (s *Service) Handler() *Handler { return s.handler }

// Pinger reports Redis reachability for the deep readiness probe.
func (s *Service) Pinger() observability.Pinger { return s.store }

// Reload applies the settings that can change without a restart.
func (s *Service) Reload(cfg *config.Config) {
	if ttl, err := config.ParseDuration(cfg.Data.Cache.TTL, defaultCacheTTL); err == nil {
		s.handler.SetCacheTTL(ttl)
	}
	if d, err := config.ParseDuration(cfg.Data.Debounce.Interval, 300*time.Millisecond); err == nil {
		s.gate.SetInterval(d)
	}
	s.handler.dev.Store(cfg.IsDev())
	s.logger.Info("data service settings reloaded",
		"cache_ttl", cfg.Data.Cache.TTL, "debounce_interval", cfg.Data.Debounce.Interval)
}

// Close stops the debounce janitor.
func (s *Service) Close() error {
	s.gate.Close()
	return nil
}
