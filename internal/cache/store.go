// Package cache provides the Redis-backed JSON value cache and the
// read-through façade the data service puts in front of GitHub.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/gitrecap/recap/internal/redis"
)

// Store is a JSON value cache backed by Redis. Keys are stored verbatim so
// that pattern deletes can address them directly. Redis failures are logged
// and reported as misses; callers never see them.
type Store struct {
	client       redis.Client
	maxValueSize int
	logger       *slog.Logger

	OnHit   func()
	OnMiss  func()
	OnError func()
	OnStore func()
	OnPurge func(n int)
}

// Option configures a Store.
type Option func(*Store)

// WithMaxValueSize sets the largest encoded value that will be stored.
// Larger values are returned to the caller but not cached. Default: 4MB.
func WithMaxValueSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxValueSize = n
		}
	}
}

// WithLogger sets the logger for debug/error messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

const defaultMaxValueSize = 4 << 20

// NewStore creates a cache backed by the given Redis client.
func NewStore(client redis.Client, opts ...Option) *Store {
	s := &Store{
		client:       client,
		maxValueSize: defaultMaxValueSize,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Get returns the stored value for key. A miss, an unreachable Redis and a
// corrupt entry all return false.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	data, err := s.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, goredis.Nil):
		s.hook(s.OnMiss)
		return nil, false
	case err != nil:
		s.hook(s.OnError)
		s.logger.WarnContext(ctx, "cache: get failed", "key", key, "error", err)
		return nil, false
	}
	if !json.Valid(data) {
		s.hook(s.OnError)
		s.logger.WarnContext(ctx, "cache: discarding corrupt entry", "key", key)
		return nil, false
	}
	s.hook(s.OnHit)
	return json.RawMessage(data), true
}

// Set stores value under key for ttl. A ttl <= 0, a null value or a value
// over the size limit is skipped. Returns whether the value was written.
func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) bool {
	if ttl <= 0 || len(value) == 0 || string(value) == "null" {
		return false
	}
	if len(value) > s.maxValueSize {
		s.logger.DebugContext(ctx, "cache: value too large, not stored", "key", key, "size", len(value))
		return false
	}
	if err := s.client.Set(ctx, key, []byte(value), ttl).Err(); err != nil {
		s.hook(s.OnError)
		s.logger.WarnContext(ctx, "cache: set failed", "key", key, "error", err)
		return false
	}
	s.hook(s.OnStore)
	s.logger.DebugContext(ctx, "cache: stored", "key", key, "ttl", ttl, "size", len(value))
	return true
}

// Delete removes a single key. Returns true when the key existed.
func (s *Store) Delete(ctx context.Context, key string) bool {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		s.hook(s.OnError)
		s.logger.WarnContext(ctx, "cache: delete failed", "key", key, "error", err)
		return false
	}
	if n == 0 {
		return false
	}
	s.purged(1)
	return true
}

// DeletePattern removes every key matching a Redis glob pattern and returns
// how many were deleted.
func (s *Store) DeletePattern(ctx context.Context, pattern string) int {
	keys, err := redis.ScanKeys(ctx, s.client, pattern)
	if err != nil {
		s.hook(s.OnError)
		s.logger.WarnContext(ctx, "cache: scan failed", "pattern", pattern, "error", err)
		return 0
	}
	n, err := redis.DeleteKeys(ctx, s.client, keys)
	if err != nil {
		s.hook(s.OnError)
		s.logger.WarnContext(ctx, "cache: pattern delete failed", "pattern", pattern, "error", err)
	}
	s.purged(int(n))
	s.logger.DebugContext(ctx, "cache: purged by pattern", "pattern", pattern, "count", n)
	return int(n)
}

// InvalidateTags deletes every key under each tag, where a tag is a key
// prefix such as "github:user". Returns the total deleted.
func (s *Store) InvalidateTags(ctx context.Context, tags ...string) int {
	total := 0
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		total += s.DeletePattern(ctx, tag+":*")
	}
	return total
}

// Ping reports whether the backing Redis answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) purged(n int) {
	if n > 0 && s.OnPurge != nil {
		s.OnPurge(n)
	}
}

func (s *Store) hook(fn func()) {
	if fn != nil {
		fn()
	}
}
