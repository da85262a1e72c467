package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitrecap/recap/internal/config"
)

func TestInitTracing(t *testing.T) {
	t.Run("disabled returns a no-op shutdown", func(t *testing.T) {
		shutdown, err := InitTracing(context.Background(), config.TracingConfig{}, "gateway", "test")
		require.NoError(t, err)
		assert.NoError(t, shutdown(context.Background()))
	})

	t.Run("enabled with lazy exporter", func(t *testing.T) {
		cfg := config.TracingConfig{Enabled: true, Endpoint: "http://localhost:4318", SampleRate: 1}
		shutdown, err := InitTracing(context.Background(), cfg, "data-service", "v1")
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = shutdown(ctx)
	})
}
