// Package ratelimit implements the gateway's per-client token bucket. The
// bucket lives in Redis and is updated by a Lua script so that every gateway
// replica shares one budget per client; an in-memory bucket serves as the
// fallback while Redis is unreachable.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/gitrecap/recap/internal/redis"
)

// ErrLimiterClosed is returned by Allow after Close.
var ErrLimiterClosed = errors.New("limiter is closed")

// tokenBucketLua refills and consumes one token atomically.
//
// Keys: KEYS[1] = bucket hash.
// Args: ARGV[1] = rate (tokens/us), ARGV[2] = burst, ARGV[3] = ttl (s), ARGV[4] = now (us).
// Returns {allowed, retry_after_us, remaining, burst, reset_after_us}.
//
// The expiry is refreshed at most once per half ttl so that steady traffic
// does not issue an EXPIREAT on every call.
const tokenBucketLua = `
local key   = KEYS[1]
local rate  = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl   = tonumber(ARGV[3])
local now   = tonumber(ARGV[4])

if rate <= 0 then
  return {1, 0, burst, burst, 0}
end

local state  = redis.call('hmget', key, 'last', 'tokens', 'touched')
local last   = tonumber(state[1]) or 0
local tokens = tonumber(state[2]) or burst
local touched = tonumber(state[3]) or 0

if now < last then
  last = now
end
tokens = math.min(burst, tokens + rate * (now - last))

local reset_after = 0
if tokens < burst then
  reset_after = math.ceil((burst - tokens) / rate)
end

local allowed = 0
local retry = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry = math.ceil((1 - tokens) / rate)
end

if (now - touched) > ttl * 500000 then
  redis.call('hset', key, 'last', now, 'tokens', tokens, 'touched', now)
  redis.call('expireat', key, math.floor(now / 1000000) + ttl)
else
  redis.call('hset', key, 'last', now, 'tokens', tokens)
end

if allowed == 1 then
  return {1, 0, math.floor(tokens), burst, reset_after}
end
return {0, retry, 0, burst, reset_after}
`

var tokenBucketScript = goredis.NewScript(tokenBucketLua)

// Result is the outcome of one rate-limit check.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration // zero when Allowed
	Remaining  int64
	Limit      int64
	ResetAfter time.Duration // until the bucket is full again
}

// Limiter checks per-key token buckets stored in Redis.
type Limiter struct {
	client    redis.Client
	logger    *slog.Logger
	rate      float64 // tokens per microsecond
	burst     int64
	ttl       int // seconds
	keyPrefix string
	closed    atomic.Bool
}

// NewLimiter creates a Redis-backed limiter refilling ratePerSecond tokens
// up to burst. Idle buckets expire after ttl seconds.
func NewLimiter(client redis.Client, ratePerSecond float64, burst int64, ttl int, prefix string, logger *slog.Logger) *Limiter {
	return &Limiter{
		client:    client,
		logger:    logger,
		rate:      ratePerSecond / 1e6,
		burst:     burst,
		ttl:       ttl,
		keyPrefix: prefix,
	}
}

// Allow consumes one token from key's bucket.
func (l *Limiter) Allow(ctx context.Context, key string) (*Result, error) {
	if l.closed.Load() {
		return nil, ErrLimiterClosed
	}
	keys := []string{l.keyPrefix + key}
	args := []any{l.rate, l.burst, l.ttl, time.Now().UnixMicro()}

	cmd := l.client.EvalSha(ctx, tokenBucketScript.Hash(), keys, args...)
	if err := cmd.Err(); err != nil && redis.IsNoScriptErr(err) {
		l.logger.Debug("token bucket script not cached, loading", "key", keys[0])
		cmd = l.client.Eval(ctx, tokenBucketLua, keys, args...)
	}
	if err := cmd.Err(); err != nil {
		return nil, err
	}
	return parseResult(cmd)
}

// Client returns the Redis client the limiter runs on.
func (l *Limiter) Client() redis.Client { return l.client }

// Close marks the limiter closed and closes its Redis client.
func (l *Limiter) Close() error {
	l.closed.Store(true)
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

func parseResult(cmd *goredis.Cmd) (*Result, error) {
	arr, err := cmd.Slice()
	if err != nil {
		return nil, fmt.Errorf("reading script result: %w", err)
	}
	if len(arr) != 5 {
		return nil, fmt.Errorf("script returned %d elements, want 5", len(arr))
	}

	var vals [5]int64
	for i, v := range arr {
		n, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("parsing script result[%d]: %w", i, err)
		}
		vals[i] = n
	}
	return &Result{
		Allowed:    vals[0] == 1,
		RetryAfter: time.Duration(vals[1]) * time.Microsecond,
		Remaining:  vals[2],
		Limit:      vals[3],
		ResetAfter: time.Duration(vals[4]) * time.Microsecond,
	}, nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
