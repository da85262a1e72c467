package debounce

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/gitrecap/recap/internal/redis"
)

// reserveLua atomically reserves the next dispatch slot for a key.
//
// Keys: KEYS[1] = record key.
// Args: ARGV[1] = now (ms), ARGV[2] = interval (ms).
// Returns the delay in ms the caller must wait before dispatching.
const reserveLua = `
local now      = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local last     = tonumber(redis.call('get', KEYS[1]))

local slot = now
if last and last + interval > now then
  slot = last + interval
end

redis.call('set', KEYS[1], slot, 'px', slot - now + interval)
return slot - now
`

var reserveScript = goredis.NewScript(reserveLua)

// DefaultKeyPrefix namespaces debounce records in Redis.
const DefaultKeyPrefix = "recap:debounce:"

// RedisGate keeps debounce records in Redis so that every data service
// replica shares one schedule per key. When Redis fails it degrades to the
// local gate.
type RedisGate struct {
	client  redis.Client
	local   *Gate
	prefix  string
	logger  *slog.Logger
	OnError func()
}

// NewRedisGate wraps local with a Redis-backed schedule. The interval is
// taken from local so that SetInterval applies to both.
func NewRedisGate(client redis.Client, local *Gate, prefix string, logger *slog.Logger) *RedisGate {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisGate{client: client, local: local, prefix: prefix, logger: logger}
}

// Wait reserves a slot in Redis and sleeps until it arrives.
func (g *RedisGate) Wait(ctx context.Context, key string) error {
	interval := g.local.Interval()
	if interval <= 0 {
		return ctx.Err()
	}

	delay, err := g.reserve(ctx, key, interval)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if g.OnError != nil {
			g.OnError()
		}
		g.logger.WarnContext(ctx, "debounce: redis unavailable, using local gate", "key", key, "error", err)
		return g.local.Wait(ctx, key)
	}
	if delay <= 0 {
		return nil
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the local gate's janitor.
func (g *RedisGate) Close() { g.local.Close() }

func (g *RedisGate) reserve(ctx context.Context, key string, interval time.Duration) (time.Duration, error) {
	keys := []string{g.prefix + key}
	now := time.Now().UnixMilli()
	cmd := g.client.EvalSha(ctx, reserveScript.Hash(), keys, now, interval.Milliseconds())
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		cmd = g.client.Eval(ctx, reserveLua, keys, now, interval.Milliseconds())
	}
	ms, err := cmd.Int64()
	if err != nil {
		return 0, fmt.Errorf("reserve debounce slot: %w", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
