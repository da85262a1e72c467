package ratelimit

import (
	"sync"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// fallbackMaxCost bounds the fallback bucket cache at 64 MiB.
const fallbackMaxCost = 64 << 20

var bucketCost = int64(unsafe.Sizeof(bucket{}))

// InMemoryLimiter is a process-local token bucket used while Redis is down
// under the inmemoryfallback policy. Budgets are per replica, so a fleet of
// N gateways admits up to N times the configured rate during an outage.
//
// ristretto owns expiry and eviction; each bucket has its own mutex.
type InMemoryLimiter struct {
	disabled bool
	cache    *ristretto.Cache[string, *bucket]
	rate     float64 // tokens per second
	burst    int64
	ttl      time.Duration
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastTime time.Time
}

// NewInMemoryLimiter creates a fallback limiter. A non-positive rate
// disables limiting.
func NewInMemoryLimiter(ratePerSecond float64, burst int64, ttl time.Duration) *InMemoryLimiter {
	items := fallbackMaxCost / bucketCost

	cache, err := ristretto.NewCache(&ristretto.Config[string, *bucket]{
		NumCounters: items * 10,
		MaxCost:     fallbackMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		panic("ristretto: " + err.Error())
	}

	return &InMemoryLimiter{
		disabled: ratePerSecond <= 0,
		cache:    cache,
		rate:     ratePerSecond,
		burst:    burst,
		ttl:      ttl,
	}
}

// Allow consumes one token from key's local bucket.
func (l *InMemoryLimiter) Allow(key string) bool {
	if l.disabled {
		return true
	}
	now := time.Now()

	b, ok := l.cache.Get(key)
	if !ok {
		b = &bucket{tokens: float64(l.burst) - 1, lastTime: now}
		l.cache.SetWithTTL(key, b, bucketCost, l.ttl)
		// Make the new bucket visible to the next Get.
		l.cache.Wait()
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens = min(float64(l.burst), b.tokens+l.rate*now.Sub(b.lastTime).Seconds())
	b.lastTime = now
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Close releases the cache. Safe to call more than once.
func (l *InMemoryLimiter) Close() {
	if l.cache != nil {
		l.cache.Close()
	}
}
