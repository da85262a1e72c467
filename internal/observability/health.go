package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
)

// deepCheckTimeout bounds the whole deep readiness probe.
const deepCheckTimeout = 2 * time.Second

// Pinger checks connectivity to a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthChecker serves startup, liveness and readiness probes. Readiness
// with ?deep=true also pings every registered dependency.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool

	mu     sync.RWMutex
	checks map[string]Pinger
}

// NewHealthChecker creates a checker in the not-started, not-ready state.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{checks: make(map[string]Pinger)}
}

func (h *HealthChecker) SetStarted()     { h.started.Store(true) }
func (h *HealthChecker) IsStarted() bool { return h.started.Load() }
func (h *HealthChecker) SetReady()       { h.ready.Store(true) }

// SetNotReady flips readiness off so load balancers stop routing while the
// server drains.
func (h *HealthChecker) SetNotReady() { h.ready.Store(false) }
func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// SetCheck registers a named dependency for deep checks. A nil pinger
// removes it.
func (h *HealthChecker) SetCheck(name string, p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p == nil {
		delete(h.checks, name)
		return
	}
	h.checks[name] = p
}

// StartzHandler returns 200 once startup completed, 503 before.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if h.IsStarted() {
			writeProbe(w, http.StatusOK, jsonStarted)
			return
		}
		writeProbe(w, http.StatusServiceUnavailable, jsonNotStarted)
	}
}

// HealthzHandler always returns 200 while the process runs.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, jsonAlive)
	}
}

// ReadyzHandler returns 200 when ready. With ?deep=true every registered
// dependency is pinged and any failure turns the answer into 503.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.IsReady() {
			writeProbe(w, http.StatusServiceUnavailable, jsonNotReady)
			return
		}
		if r.URL.Query().Get("deep") != "true" {
			writeProbe(w, http.StatusOK, jsonReady)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), deepCheckTimeout)
		defer cancel()

		status, results := h.runChecks(ctx)
		body, _ := json.Marshal(struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks,omitempty"`
		}{Status: status, Checks: results})

		code := http.StatusOK
		if status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeProbe(w, code, body)
	}
}

func (h *HealthChecker) runChecks(ctx context.Context) (string, map[string]string) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for n := range h.checks {
		names = append(names, n)
	}
	sort.Strings(names)
	pingers := make([]Pinger, len(names))
	for i, n := range names {
		pingers[i] = h.checks[n]
	}
	h.mu.RUnlock()

	status := "ready"
	results := make(map[string]string, len(names))
	for i, n := range names {
		if err := pingers[i].Ping(ctx); err != nil {
			results[n] = "unreachable"
			status = "not_ready"
			continue
		}
		results[n] = "ok"
	}
	return status, results
}

func writeProbe(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
