// Package events ships gateway authentication decisions to an external audit
// sink. Events are buffered in a ring, batched and POSTed as JSON off the
// request path; when the ring is full the oldest event is dropped.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gitrecap/recap/internal/auth"
	"github.com/gitrecap/recap/internal/config"
	"github.com/gitrecap/recap/internal/observability"
)

// AuthEvent records one gateway authentication decision.
type AuthEvent struct {
	ID        string `json:"id"`
	Outcome   string `json:"outcome"`
	SubjectID string `json:"subject_id,omitempty"`
	Origin    string `json:"origin"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp"` // RFC 3339
}

// Emitter batches events to an HTTP sink. A nil *Emitter is valid and
// discards everything.
type Emitter struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	url    string
	client *http.Client

	batchSize     int
	flushInterval time.Duration
	bufferSize    int

	ringMu   sync.Mutex
	ring     []AuthEvent
	ringHead int
	ringTail int
	ringLen  int

	flushCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEmitter starts an emitter, or returns nil when events are disabled.
func NewEmitter(cfg config.EventsConfig, logger *slog.Logger, metrics *observability.Metrics) *Emitter {
	if !cfg.Enabled {
		return nil
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	bufferSize := max(cfg.BufferSize, batchSize)
	flushInterval, err := config.ParseDuration(cfg.FlushInterval, 5*time.Second)
	if err != nil || flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	e := &Emitter{
		logger:        logger.With("component", "events"),
		metrics:       metrics,
		url:           cfg.URL,
		client:        &http.Client{Timeout: 10 * time.Second},
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		ring:          make([]AuthEvent, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.flushLoop()
	return e
}

// Emit enqueues ev without blocking. Missing ID and timestamp are filled in.
func (e *Emitter) Emit(ev AuthEvent) {
	if e == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	e.ringMu.Lock()
	e.ring[e.ringTail] = ev
	e.ringTail = (e.ringTail + 1) % e.bufferSize
	dropped := false
	if e.ringLen == e.bufferSize {
		e.ringHead = (e.ringHead + 1) % e.bufferSize
		dropped = true
	} else {
		e.ringLen++
	}
	full := e.ringLen >= e.batchSize
	e.ringMu.Unlock()

	if dropped {
		e.metrics.IncEventsDropped(1)
	}
	if full {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// AuthHook adapts the emitter to the translator's decision callback.
func (e *Emitter) AuthHook() func(context.Context, auth.Decision) {
	return func(ctx context.Context, d auth.Decision) {
		e.Emit(AuthEvent{
			Outcome:   d.Outcome,
			SubjectID: d.SubjectID,
			Origin:    d.Origin,
			Method:    d.Method,
			Path:      d.Path,
			RequestID: observability.RequestIDFrom(ctx),
		})
	}
}

// Close stops the flush loop and sends what is left.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
		e.flush()
	})
	return nil
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		if err := e.send(batch); err != nil {
			e.metrics.IncEventsDropped(len(batch))
			e.logger.Warn("dropping events batch", "count", len(batch), "error", err)
		}
	}
}

func (e *Emitter) drain() []AuthEvent {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	n := min(e.ringLen, e.batchSize)
	if n == 0 {
		return nil
	}
	batch := make([]AuthEvent, n)
	for i := range n {
		batch[i] = e.ring[(e.ringHead+i)%e.bufferSize]
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

func (e *Emitter) send(batch []AuthEvent) error {
	if e.url == "" {
		return fmt.Errorf("no events url configured")
	}
	body, err := json.Marshal(struct {
		Events []AuthEvent `json:"events"`
	}{Events: batch})
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("events sink returned %d", resp.StatusCode)
	}
	return nil
}

func (e *Emitter) String() string {
	return fmt.Sprintf("Emitter(url=%s, batch=%d, flush=%s, buf=%d)",
		e.url, e.batchSize, e.flushInterval, e.bufferSize)
}
