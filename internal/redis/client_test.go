package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitrecap/recap/internal/config"
)

func newTestClient(t *testing.T) (Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewClient(config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestNewClient(t *testing.T) {
	t.Run("connects to a single instance", func(t *testing.T) {
		c, _ := newTestClient(t)
		assert.NoError(t, c.Ping(context.Background()).Err())
	})

	t.Run("unreachable single address", func(t *testing.T) {
		_, err := NewClient(config.RedisConfig{
			Endpoints:   []string{"127.0.0.1:1"},
			Mode:        config.RedisModeSingle,
			DialTimeout: "100ms",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "single: connect")
	})

	t.Run("unreachable cluster", func(t *testing.T) {
		_, err := NewClient(config.RedisConfig{
			Endpoints:   []string{"127.0.0.1:1", "127.0.0.1:2"},
			Mode:        config.RedisModeCluster,
			DialTimeout: "100ms",
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cluster: connect")
	})

	t.Run("unknown mode", func(t *testing.T) {
		_, err := NewClient(config.RedisConfig{Endpoints: []string{"redis:6379"}, Mode: "magic"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown redis mode")
	})

	t.Run("without ping does not dial", func(t *testing.T) {
		c, err := NewClientWithoutPing(config.RedisConfig{Endpoints: []string{"127.0.0.1:1"}})
		require.NoError(t, err)
		assert.NoError(t, c.Close())
	})
}

func TestScanKeys(t *testing.T) {
	t.Run("returns only matching keys", func(t *testing.T) {
		c, mr := newTestClient(t)
		for i := 0; i < 450; i++ {
			require.NoError(t, mr.Set(fmt.Sprintf("recap:year:%d", 1600+i), "{}"))
		}
		require.NoError(t, mr.Set("github:user:octocat", "{}"))

		keys, err := ScanKeys(context.Background(), c, "recap:year:*")
		require.NoError(t, err)
		assert.Len(t, keys, 450)
		assert.NotContains(t, keys, "github:user:octocat")
	})

	t.Run("no matches", func(t *testing.T) {
		c, _ := newTestClient(t)
		keys, err := ScanKeys(context.Background(), c, "nothing:*")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

func TestDeleteKeys(t *testing.T) {
	t.Run("deletes and counts existing keys", func(t *testing.T) {
		c, mr := newTestClient(t)
		require.NoError(t, mr.Set("a", "1"))
		require.NoError(t, mr.Set("b", "2"))

		n, err := DeleteKeys(context.Background(), c, []string{"a", "b", "missing"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		keys := mr.Keys()
		sort.Strings(keys)
		assert.Empty(t, keys)
	})

	t.Run("empty input is a no-op", func(t *testing.T) {
		c, _ := newTestClient(t)
		n, err := DeleteKeys(context.Background(), c, nil)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestParseOptions(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		opts, err := parseOptions(config.RedisConfig{Endpoints: []string{"redis:6379"}})
		require.NoError(t, err)
		assert.Equal(t, config.RedisModeSingle, opts.mode)
		assert.Equal(t, 10, opts.poolSize)
		assert.Equal(t, "5s", opts.dialTimeout.String())
		assert.Equal(t, "3s", opts.readTimeout.String())
	})

	t.Run("rejects invalid dial timeout", func(t *testing.T) {
		_, err := parseOptions(config.RedisConfig{Endpoints: []string{"redis:6379"}, DialTimeout: "x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dial_timeout")
	})

	t.Run("rejects missing endpoints", func(t *testing.T) {
		_, err := parseOptions(config.RedisConfig{})
		assert.Error(t, err)
	})
}

func TestMakeTLSConfig(t *testing.T) {
	assert.Nil(t, makeTLSConfig(&options{}))

	cfg := makeTLSConfig(&options{tlsEnabled: true, tlsSkipVerify: true})
	require.NotNil(t, cfg)
	assert.True(t, cfg.InsecureSkipVerify)
}

func TestIsNoScriptErr(t *testing.T) {
	assert.True(t, IsNoScriptErr(errors.New("NOSCRIPT No matching script")))
	assert.False(t, IsNoScriptErr(nil))
	assert.False(t, IsNoScriptErr(errors.New("ERR other")))
}

func TestIsConnectivityErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"refused", errors.New("dial tcp: connection refused"), true},
		{"eof", errors.New("read tcp: EOF"), true},
		{"clusterdown", errors.New("CLUSTERDOWN The cluster is down"), true},
		{"op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("x")}, true},
		{"wrongtype", errors.New("WRONGTYPE Operation against a key"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectivityErr(tt.err))
		})
	}
}
