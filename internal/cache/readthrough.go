package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("recap/cache")

var errInvalidJSON = errors.New("fetch returned invalid JSON")

// FetchFunc produces the value for a missing key. Its result is encoded to
// JSON before it is cached and returned.
type FetchFunc func(ctx context.Context) (any, error)

// Waiter delays a caller until the key may be dispatched again.
type Waiter interface {
	Wait(ctx context.Context, key string) error
}

type callOptions struct {
	debounced bool
}

// CallOption tunes a single GetOrSet call.
type CallOption func(*callOptions)

// Debounced routes the call through the debounce gate before the cache is
// consulted.
func Debounced() CallOption {
	return func(o *callOptions) { o.debounced = true }
}

// ReadThrough returns cached values and populates the cache from a fetch
// function on a miss. Fetch errors are returned untouched and never cached.
type ReadThrough struct {
	store        *Store
	gate         Waiter
	singleFlight bool
	group        singleflight.Group
	logger       *slog.Logger

	// OnDebounceWait receives the time a debounced caller spent waiting.
	OnDebounceWait func(time.Duration)
}

// ReadThroughOption configures a ReadThrough.
type ReadThroughOption func(*ReadThrough)

// WithGate sets the debounce gate used by Debounced calls.
func WithGate(g Waiter) ReadThroughOption {
	return func(rt *ReadThrough) { rt.gate = g }
}

// WithSingleFlight toggles sharing of concurrent fetches for the same key.
// Enabled by default.
func WithSingleFlight(on bool) ReadThroughOption {
	return func(rt *ReadThrough) { rt.singleFlight = on }
}

// WithReadThroughLogger sets the logger.
func WithReadThroughLogger(l *slog.Logger) ReadThroughOption {
	return func(rt *ReadThrough) { rt.logger = l }
}

// NewReadThrough builds the façade over store.
func NewReadThrough(store *Store, opts ...ReadThroughOption) *ReadThrough {
	rt := &ReadThrough{
		store:        store,
		singleFlight: true,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(rt)
	}
	return rt
}

// Store returns the underlying cache store.
func (rt *ReadThrough) Store() *Store { return rt.store }

// GetOrSet returns the cached value for key, or calls fetch, stores a
// non-null result for ttl and returns it.
func (rt *ReadThrough) GetOrSet(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc, opts ...CallOption) (json.RawMessage, error) {
	var co callOptions
	for _, o := range opts {
		o(&co)
	}

	ctx, span := tracer.Start(ctx, "recap.cache.get_or_set")
	defer span.End()
	span.SetAttributes(attribute.String("cache.key", key), attribute.Bool("cache.debounced", co.debounced))

	if co.debounced && rt.gate != nil {
		start := time.Now()
		if err := rt.gate.Wait(ctx, key); err != nil {
			span.SetStatus(codes.Error, "debounce wait canceled")
			return nil, err
		}
		if rt.OnDebounceWait != nil {
			rt.OnDebounceWait(time.Since(start))
		}
	}

	if v, ok := rt.store.Get(ctx, key); ok {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return v, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	v, err := rt.load(ctx, key, ttl, fetch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
	}
	return v, err
}

func (rt *ReadThrough) load(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (json.RawMessage, error) {
	if !rt.singleFlight {
		return rt.fill(ctx, key, ttl, fetch)
	}

	// The shared fetch outlives any single caller; each caller still honors
	// its own context.
	ch := rt.group.DoChan(key, func() (any, error) {
		return rt.fill(context.WithoutCancel(ctx), key, ttl, fetch)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	}
}

func (rt *ReadThrough) fill(ctx context.Context, key string, ttl time.Duration, fetch FetchFunc) (json.RawMessage, error) {
	val, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := encode(val)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}
	rt.store.Set(ctx, key, raw, ttl)
	return raw, nil
}

func encode(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(t) == 0 {
			return json.RawMessage("null"), nil
		}
		return t, nil
	case []byte:
		if !json.Valid(t) {
			return nil, errInvalidJSON
		}
		return json.RawMessage(t), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
