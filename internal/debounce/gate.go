// Package debounce spaces out dispatches per key so that an upstream call
// for the same key happens at most once per interval.
package debounce

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Gate enforces a minimum interval between dispatches for the same key.
// Concurrent callers on one key reserve consecutive slots, so N callers
// are released interval apart. Different keys never wait on each other.
type Gate struct {
	interval atomic.Int64

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewGate creates a gate. interval <= 0 disables waiting. A positive sweep
// starts a janitor that drops records which can no longer delay anybody;
// call Close to stop it.
func NewGate(interval, sweep time.Duration) *Gate {
	g := &Gate{
		last: make(map[string]time.Time),
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	g.interval.Store(int64(interval))
	if sweep > 0 {
		go g.janitor(sweep)
	} else {
		close(g.done)
	}
	return g
}

// Interval returns the current minimum spacing.
func (g *Gate) Interval() time.Duration { return time.Duration(g.interval.Load()) }

// SetInterval changes the spacing for reservations made from now on.
func (g *Gate) SetInterval(d time.Duration) { g.interval.Store(int64(d)) }

// Wait blocks until key may be dispatched and records the dispatch time.
// The only error is ctx.Err(); a canceled caller gives its slot back when
// nobody has queued behind it.
func (g *Gate) Wait(ctx context.Context, key string) error {
	interval := g.Interval()
	if interval <= 0 {
		return ctx.Err()
	}

	g.mu.Lock()
	now := g.now()
	prev, seen := g.last[key]
	slot := now
	if seen && prev.Add(interval).After(now) {
		slot = prev.Add(interval)
	}
	g.last[key] = slot
	g.mu.Unlock()

	delay := slot.Sub(now)
	if delay <= 0 {
		return nil
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		if cur, ok := g.last[key]; ok && cur.Equal(slot) {
			if seen {
				g.last[key] = prev
			} else {
				delete(g.last, key)
			}
		}
		g.mu.Unlock()
		return ctx.Err()
	}
}

// Sweep removes records whose slot ended more than one interval ago and
// returns how many were removed.
func (g *Gate) Sweep() int {
	cutoff := g.now().Add(-g.Interval())
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for k, t := range g.last {
		if !t.After(cutoff) {
			delete(g.last, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked keys.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.last)
}

// Close stops the janitor. Safe to call more than once.
func (g *Gate) Close() {
	g.stopOnce.Do(func() { close(g.stop) })
	<-g.done
}

func (g *Gate) janitor(every time.Duration) {
	defer close(g.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-t.C:
			g.Sweep()
		}
	}
}
