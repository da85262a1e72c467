package github

import (
	"sync"
	"time"
)

// Circuit breaker defaults.
const (
	defaultCBThreshold    = 5
	defaultCBResetTimeout = 30 * time.Second
)

// breaker opens after threshold consecutive failures and stays open for
// resetTimeout. Once that passes, calls are let through as probes; one
// success closes it and one more failure reopens it.
type breaker struct {
	mu           sync.Mutex
	failures     int
	open         bool
	openUntil    time.Time
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time
}

func newBreaker(threshold int, resetTimeout time.Duration) *breaker {
	if threshold <= 0 {
		threshold = defaultCBThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = defaultCBResetTimeout
	}
	return &breaker{threshold: threshold, resetTimeout: resetTimeout, now: time.Now}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.open || !b.now().Before(b.openUntil)
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.open = true
		b.openUntil = b.now().Add(b.resetTimeout)
	}
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.open = false
}
