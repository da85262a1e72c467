package middleware

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gitrecap/recap/internal/config"
	"github.com/gitrecap/recap/internal/observability"
	"github.com/gitrecap/recap/internal/ratelimit"
	"github.com/gitrecap/recap/internal/redis"
	"github.com/gitrecap/recap/internal/response"
)

var tracer = otel.Tracer("recap/middleware")

// maxTTL caps bucket expiry at 7 days.
const maxTTL = 7 * 24 * 3600

var (
	defaultRecoveryBackoffBase = time.Second
	defaultRecoveryBackoffMax  = 30 * time.Second

	defaultBackoffJitter = func(d time.Duration) time.Duration {
		return time.Duration(float64(d) * (0.8 + cryptoRandFloat64()*0.4))
	}
)

// cryptoRandFloat64 returns a random float64 in [0, 1).
func cryptoRandFloat64() float64 {
	var buf [8]byte
	if _, err := cryptorand.Read(buf[:]); err != nil {
		return 0.5
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53)
}

type rateLimitParams struct {
	ratePerSecond float64
	burst         int64
	ttl           int
	period        time.Duration
	failurePolicy config.FailurePolicy
	prefix        string
}

func parseRateLimitParams(cfg config.RateLimitConfig) rateLimitParams {
	fp := cfg.FailurePolicy
	if fp == "" {
		fp = config.FailurePolicyPassThrough
	}

	period, err := time.ParseDuration(cfg.Period)
	if err != nil || period <= 0 {
		period = time.Second
	}

	var rate float64
	if cfg.Average > 0 {
		rate = float64(cfg.Average) * float64(time.Second) / float64(period)
	}

	// Idle buckets live for two periods, or until a slow bucket has refilled.
	ttl := max(2, int(math.Ceil(period.Seconds()))*2)
	if rate > 0 && rate < 1 {
		ttl = min(max(ttl, int(1/rate)+2), maxTTL)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "recap:rl:"
	}

	return rateLimitParams{
		ratePerSecond: rate,
		burst:         max(cfg.Burst, 1),
		ttl:           ttl,
		period:        period,
		failurePolicy: fp,
		prefix:        prefix,
	}
}

// RateLimiterOption configures a RateLimiter before any goroutine starts.
type RateLimiterOption func(*RateLimiter)

// WithRecoveryBackoff overrides the Redis reconnect backoff.
func WithRecoveryBackoff(base, maxBackoff time.Duration, jitter func(time.Duration) time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.recoveryBackoffBase = base
		rl.recoveryBackoffMax = maxBackoff
		rl.backoffJitter = jitter
	}
}

// RateLimiter enforces the per-client token bucket in front of the proxied
// routes. Buckets live in Redis; when Redis fails the configured failure
// policy decides, and a background loop reconnects with backoff.
type RateLimiter struct {
	logger   *slog.Logger
	metrics  *observability.Metrics
	redisCfg atomic.Pointer[config.RedisConfig]

	keyStrategy atomic.Pointer[ratelimit.KeyStrategy]

	mu             sync.RWMutex
	params         rateLimitParams
	limiter        *ratelimit.Limiter
	fallback       *ratelimit.InMemoryLimiter
	redisUnhealthy bool

	ctx          context.Context
	cancel       context.CancelFunc
	reconnectMu  sync.Mutex
	reconnecting bool

	recoveryBackoffBase time.Duration
	recoveryBackoffMax  time.Duration
	backoffJitter       func(time.Duration) time.Duration
}

// NewRateLimiter builds the limiter and connects to Redis. An unreachable
// Redis is fatal only under the failclosed policy; otherwise the limiter
// starts degraded and keeps reconnecting.
func NewRateLimiter(
	parentCtx context.Context,
	cfg config.RateLimitConfig,
	redisCfg config.RedisConfig,
	logger *slog.Logger,
	metrics *observability.Metrics,
	opts ...RateLimiterOption,
) (*RateLimiter, error) {
	ks, err := ratelimit.NewKeyStrategy(cfg.KeyStrategy)
	if err != nil {
		return nil, fmt.Errorf("key strategy: %w", err)
	}

	ctx, cancel := context.WithCancel(parentCtx)
	p := parseRateLimitParams(cfg)
	rl := &RateLimiter{
		logger:              logger,
		metrics:             metrics,
		params:              p,
		fallback:            ratelimit.NewInMemoryLimiter(p.ratePerSecond, p.burst, time.Duration(p.ttl)*time.Second),
		ctx:                 ctx,
		cancel:              cancel,
		recoveryBackoffBase: defaultRecoveryBackoffBase,
		recoveryBackoffMax:  defaultRecoveryBackoffMax,
		backoffJitter:       defaultBackoffJitter,
	}
	for _, o := range opts {
		o(rl)
	}
	rl.keyStrategy.Store(&ks)
	rl.redisCfg.Store(&redisCfg)

	if p.ratePerSecond <= 0 {
		logger.Info("gateway rate limiting disabled (average=0)")
		return rl, nil
	}

	client, err := redis.NewClient(redisCfg)
	if err != nil {
		if p.failurePolicy == config.FailurePolicyFailClosed {
			cancel()
			rl.fallback.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		logger.Warn("redis unavailable at startup, rate limiting degraded",
			"error", err, "policy", p.failurePolicy)
		rl.redisUnhealthy = true
		metrics.SetRedisHealthy(false)
		rl.startRecoveryIfNeeded()
	} else {
		rl.limiter = ratelimit.NewLimiter(client, p.ratePerSecond, p.burst, p.ttl, p.prefix, logger)
		metrics.SetRedisHealthy(true)
	}

	logger.Info("gateway rate limiter ready",
		"average", cfg.Average, "burst", p.burst, "period", p.period, "policy", p.failurePolicy)
	return rl, nil
}

// Middleware applies the rate limit before next.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rl.mu.RLock()
		p := rl.params
		lim := rl.limiter
		rl.mu.RUnlock()

		if p.ratePerSecond <= 0 {
			rl.metrics.IncAllowed()
			next.ServeHTTP(w, r)
			return
		}

		key, err := (*rl.keyStrategy.Load()).Extract(r)
		if err != nil {
			rl.metrics.IncKeyExtractErrors()
			rl.logger.WarnContext(r.Context(), "rate-limit key extraction failed", "error", err)
			response.Error(w, http.StatusBadRequest, "key_extraction_failed", "Could not identify client")
			return
		}

		if lim != nil {
			ctx, span := tracer.Start(r.Context(), "recap.ratelimit")
			res, err := lim.Allow(ctx, key)
			if err == nil {
				span.SetAttributes(
					attribute.Bool("ratelimit.allowed", res.Allowed),
					attribute.Int64("ratelimit.remaining", res.Remaining),
				)
				span.End()
				rl.serveResult(w, r, next, res)
				return
			}
			span.RecordError(err)
			span.End()
			rl.handleLimiterError(err)
		}

		rl.applyFailurePolicy(w, r, next, p, key)
	})
}

func (rl *RateLimiter) serveResult(w http.ResponseWriter, r *http.Request, next http.Handler, res *ratelimit.Result) {
	setRateLimitHeaders(w, res)
	if !res.Allowed {
		rl.metrics.IncLimited()
		serveRateLimited(w, res.RetryAfter)
		return
	}
	rl.metrics.IncAllowed()
	next.ServeHTTP(w, r)
}

func (rl *RateLimiter) applyFailurePolicy(w http.ResponseWriter, r *http.Request, next http.Handler, p rateLimitParams, key string) {
	switch p.failurePolicy {
	case config.FailurePolicyFailClosed:
		rl.metrics.IncLimited()
		response.Error(w, http.StatusServiceUnavailable, "service_unavailable", "Rate limiting unavailable")

	case config.FailurePolicyInMemoryFallback:
		rl.metrics.IncFallbackUsed()
		rl.mu.RLock()
		fb := rl.fallback
		rl.mu.RUnlock()
		if fb.Allow(key) {
			rl.metrics.IncAllowed()
			next.ServeHTTP(w, r)
			return
		}
		rl.metrics.IncLimited()
		serveRateLimited(w, time.Duration(float64(time.Second)/p.ratePerSecond))

	default:
		rl.metrics.IncAllowed()
		next.ServeHTTP(w, r)
	}
}

// setRateLimitHeaders follows draft-ietf-httpapi-ratelimit-headers.
func setRateLimitHeaders(w http.ResponseWriter, res *ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(int64(math.Ceil(res.ResetAfter.Seconds())), 10))
}

// serveRateLimited writes the 429 with ±10% jitter on the retry hint so the
// exact refill schedule is not exposed.
func serveRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	retry := time.Duration(float64(retryAfter) * (0.9 + cryptoRandFloat64()*0.2))
	w.Header().Set("X-Retry-In", retry.String())
	response.RateLimited(w, "rate_limited", "Too many requests, please try again later.",
		int64(math.Ceil(retry.Seconds())))
}

func (rl *RateLimiter) handleLimiterError(err error) {
	rl.metrics.IncRedisErrors()
	if !redis.IsConnectivityErr(err) {
		rl.logger.Warn("rate limiter error", "error", err)
		return
	}

	rl.mu.Lock()
	old := rl.swapLimiterLocked(nil)
	first := !rl.redisUnhealthy
	rl.redisUnhealthy = true
	policy := rl.params.failurePolicy
	rl.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	if first {
		rl.metrics.SetRedisHealthy(false)
		rl.logger.Warn("redis became unhealthy, applying failure policy",
			"error", err, "policy", policy)
	}
	rl.startRecoveryIfNeeded()
}

func (rl *RateLimiter) startRecoveryIfNeeded() {
	if rl.ctx.Err() != nil {
		return
	}
	rl.reconnectMu.Lock()
	if rl.reconnecting {
		rl.reconnectMu.Unlock()
		return
	}
	rl.reconnecting = true
	rl.reconnectMu.Unlock()

	go func() {
		rl.recoveryLoop()
		rl.reconnectMu.Lock()
		rl.reconnecting = false
		rl.reconnectMu.Unlock()
	}()
}

func (rl *RateLimiter) recoveryLoop() {
	backoff := rl.recoveryBackoffBase
	for attempt := 1; ; attempt++ {
		if rl.ctx.Err() != nil {
			return
		}
		client, err := redis.NewClient(*rl.redisCfg.Load())
		if err == nil {
			if rl.ctx.Err() != nil {
				_ = client.Close()
				return
			}
			rl.install(client)
			return
		}

		sleep := rl.backoffJitter(backoff)
		if attempt <= 5 || attempt%10 == 0 {
			rl.logger.Warn("redis recovery attempt failed",
				"attempt", attempt, "error", err, "next_in", sleep)
		}
		timer := time.NewTimer(sleep)
		select {
		case <-rl.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff = min(backoff*2, rl.recoveryBackoffMax)
	}
}

func (rl *RateLimiter) install(client redis.Client) {
	rl.mu.Lock()
	p := rl.params
	if p.ratePerSecond <= 0 {
		// Limiting was disabled while reconnecting.
		rl.redisUnhealthy = false
		rl.mu.Unlock()
		_ = client.Close()
		return
	}
	old := rl.swapLimiterLocked(ratelimit.NewLimiter(client, p.ratePerSecond, p.burst, p.ttl, p.prefix, rl.logger))
	rl.redisUnhealthy = false
	rl.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	rl.metrics.SetRedisHealthy(true)
	rl.logger.Info("redis connection recovered")
}

// swapLimiterLocked installs lim and returns the previous limiter's client
// for the caller to close outside the lock.
func (rl *RateLimiter) swapLimiterLocked(lim *ratelimit.Limiter) redis.Client {
	var old redis.Client
	if rl.limiter != nil {
		old = rl.limiter.Client()
	}
	rl.limiter = lim
	return old
}

// Healthy reports whether the Redis-backed limiter is in use.
func (rl *RateLimiter) Healthy() bool {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return !rl.redisUnhealthy
}

// RedisPinger probes the limiter's current Redis connection. It reports an
// error while the limiter is degraded.
func (rl *RateLimiter) RedisPinger() observability.Pinger {
	return observability.PingFunc(func(ctx context.Context) error {
		rl.mu.RLock()
		lim := rl.limiter
		p := rl.params
		rl.mu.RUnlock()
		if p.ratePerSecond <= 0 {
			return nil
		}
		if lim == nil {
			return fmt.Errorf("redis unavailable")
		}
		return lim.Client().Ping(ctx).Err()
	})
}

// Reload swaps the rate, key strategy and failure policy. The Redis
// connection is kept; a limit enabled by reload starts the connect loop.
func (rl *RateLimiter) Reload(cfg config.RateLimitConfig) error {
	ks, err := ratelimit.NewKeyStrategy(cfg.KeyStrategy)
	if err != nil {
		return fmt.Errorf("reload key strategy: %w", err)
	}
	p := parseRateLimitParams(cfg)

	rl.keyStrategy.Store(&ks)

	rl.mu.Lock()
	rl.params = p
	var closeClient redis.Client
	if rl.limiter != nil {
		client := rl.limiter.Client()
		if p.ratePerSecond > 0 {
			rl.limiter = ratelimit.NewLimiter(client, p.ratePerSecond, p.burst, p.ttl, p.prefix, rl.logger)
		} else {
			rl.limiter = nil
			closeClient = client
		}
	}
	needConnect := rl.limiter == nil && p.ratePerSecond > 0
	if needConnect {
		rl.redisUnhealthy = true
	} else if p.ratePerSecond <= 0 {
		rl.redisUnhealthy = false
	}
	oldFB := rl.fallback
	rl.fallback = ratelimit.NewInMemoryLimiter(p.ratePerSecond, p.burst, time.Duration(p.ttl)*time.Second)
	rl.mu.Unlock()

	oldFB.Close()
	if closeClient != nil {
		_ = closeClient.Close()
	}
	if needConnect {
		rl.startRecoveryIfNeeded()
	}

	rl.logger.Info("gateway rate limiter reloaded",
		"average", cfg.Average, "burst", p.burst, "period", p.period, "policy", p.failurePolicy)
	return nil
}

// Close stops the recovery loop and releases Redis and the fallback cache.
func (rl *RateLimiter) Close() error {
	rl.cancel()

	rl.mu.Lock()
	old := rl.swapLimiterLocked(nil)
	rl.redisUnhealthy = true
	fb := rl.fallback
	rl.mu.Unlock()

	fb.Close()
	if old != nil {
		return old.Close()
	}
	return nil
}
