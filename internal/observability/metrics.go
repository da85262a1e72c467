// Package observability provides Prometheus metrics, health endpoints,
// structured logging and OpenTelemetry tracing for the gateway and the data
// service.
package observability

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "recap"

// Metrics holds Prometheus collectors plus atomic counters that tests and
// the admin snapshot read without scraping.
type Metrics struct {
	allowed        int64
	limited        int64
	redisErrors    int64
	fallbackUsed   int64
	keyErrors      int64
	authAccepted   int64
	authRejected   int64
	cacheHits      int64
	cacheMisses    int64
	cacheErrors    int64
	cacheStores    int64
	upstreamErrors int64
	debounceWaits  int64
	eventsDropped  int64

	promAllowed      prometheus.Counter
	promLimited      prometheus.Counter
	promRedisErrors  prometheus.Counter
	promFallbackUsed prometheus.Counter
	promKeyErrors    prometheus.Counter
	promAuth         *prometheus.CounterVec
	promCache        *prometheus.CounterVec
	promUpstream     *prometheus.CounterVec
	promEvents       prometheus.Counter
	promRedisHealthy prometheus.Gauge

	// PromRequestDuration is observed by the access-log middleware.
	PromRequestDuration *prometheus.HistogramVec

	promUpstreamDuration *prometheus.HistogramVec
	promDebounceWait     prometheus.Histogram
}

// NewMetrics creates and registers the collectors on reg, or on the default
// registerer when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		promAllowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_allowed_total",
			Help:      "Requests that passed the gateway rate limit.",
		}),
		promLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_limited_total",
			Help:      "Requests rejected by the gateway rate limit.",
		}),
		promRedisErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_errors_total",
			Help:      "Redis errors encountered.",
		}),
		promFallbackUsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_fallback_used_total",
			Help:      "Rate-limit checks answered by the in-memory fallback.",
		}),
		promKeyErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_key_errors_total",
			Help:      "Rate-limit key extraction failures.",
		}),
		promAuth: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_decisions_total",
			Help:      "Gateway credential translation outcomes.",
		}, []string{"outcome"}),
		promCache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Response cache operations by result.",
		}, []string{"result"}),
		promUpstream: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "GitHub API calls by outcome kind.",
		}, []string{"kind"}),
		promEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Audit events dropped because the buffer was full or delivery failed.",
		}),
		promRedisHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "redis_healthy",
			Help:      "1 when the rate limiter's Redis connection is healthy.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		promUpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "GitHub API call latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		promDebounceWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "debounce_wait_seconds",
			Help:      "Time callers spent waiting on the per-key debounce gate.",
			Buckets:   []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

// IncAllowed increments the rate-limit allowed counter.
func (m *Metrics) IncAllowed() {
	atomic.AddInt64(&m.allowed, 1)
	m.promAllowed.Inc()
}

// IncLimited increments the rate-limit rejected counter.
func (m *Metrics) IncLimited() {
	atomic.AddInt64(&m.limited, 1)
	m.promLimited.Inc()
}

func (m *Metrics) IncRedisErrors() {
	atomic.AddInt64(&m.redisErrors, 1)
	m.promRedisErrors.Inc()
}

func (m *Metrics) IncFallbackUsed() {
	atomic.AddInt64(&m.fallbackUsed, 1)
	m.promFallbackUsed.Inc()
}

func (m *Metrics) IncKeyExtractErrors() {
	atomic.AddInt64(&m.keyErrors, 1)
	m.promKeyErrors.Inc()
}

// ObserveAuth records one gateway authentication decision. outcome is
// "accepted" or one of the rejection kinds.
func (m *Metrics) ObserveAuth(outcome string) {
	if outcome == "accepted" {
		atomic.AddInt64(&m.authAccepted, 1)
	} else {
		atomic.AddInt64(&m.authRejected, 1)
	}
	m.promAuth.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncCacheHit() {
	atomic.AddInt64(&m.cacheHits, 1)
	m.promCache.WithLabelValues("hit").Inc()
}

func (m *Metrics) IncCacheMiss() {
	atomic.AddInt64(&m.cacheMisses, 1)
	m.promCache.WithLabelValues("miss").Inc()
}

func (m *Metrics) IncCacheError() {
	atomic.AddInt64(&m.cacheErrors, 1)
	m.promCache.WithLabelValues("error").Inc()
}

func (m *Metrics) IncCacheStore() {
	atomic.AddInt64(&m.cacheStores, 1)
	m.promCache.WithLabelValues("store").Inc()
}

// ObserveUpstream records one GitHub call. kind is "ok" or the error kind.
func (m *Metrics) ObserveUpstream(kind string, d time.Duration) {
	if kind != "ok" {
		atomic.AddInt64(&m.upstreamErrors, 1)
	}
	m.promUpstream.WithLabelValues(kind).Inc()
	m.promUpstreamDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveDebounceWait records the delay imposed by the debounce gate.
func (m *Metrics) ObserveDebounceWait(d time.Duration) {
	if d > 0 {
		atomic.AddInt64(&m.debounceWaits, 1)
	}
	m.promDebounceWait.Observe(d.Seconds())
}

func (m *Metrics) IncEventsDropped(n int) {
	atomic.AddInt64(&m.eventsDropped, int64(n))
	m.promEvents.Add(float64(n))
}

// SetRedisHealthy flips the Redis health gauge.
func (m *Metrics) SetRedisHealthy(ok bool) {
	if ok {
		m.promRedisHealthy.Set(1)
		return
	}
	m.promRedisHealthy.Set(0)
}

// MetricsSnapshot is a point-in-time copy of the atomic counters.
type MetricsSnapshot struct {
	Allowed        int64
	Limited        int64
	RedisErrors    int64
	FallbackUsed   int64
	KeyErrors      int64
	AuthAccepted   int64
	AuthRejected   int64
	CacheHits      int64
	CacheMisses    int64
	CacheErrors    int64
	CacheStores    int64
	UpstreamErrors int64
	DebounceWaits  int64
	EventsDropped  int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Allowed:        atomic.LoadInt64(&m.allowed),
		Limited:        atomic.LoadInt64(&m.limited),
		RedisErrors:    atomic.LoadInt64(&m.redisErrors),
		FallbackUsed:   atomic.LoadInt64(&m.fallbackUsed),
		KeyErrors:      atomic.LoadInt64(&m.keyErrors),
		AuthAccepted:   atomic.LoadInt64(&m.authAccepted),
		AuthRejected:   atomic.LoadInt64(&m.authRejected),
		CacheHits:      atomic.LoadInt64(&m.cacheHits),
		CacheMisses:    atomic.LoadInt64(&m.cacheMisses),
		CacheErrors:    atomic.LoadInt64(&m.cacheErrors),
		CacheStores:    atomic.LoadInt64(&m.cacheStores),
		UpstreamErrors: atomic.LoadInt64(&m.upstreamErrors),
		DebounceWaits:  atomic.LoadInt64(&m.debounceWaits),
		EventsDropped:  atomic.LoadInt64(&m.eventsDropped),
	}
}
