package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinlabs/skein/internal/log"
)

func TestSetup_DefaultEndpoint(t *testing.T) {
	cfg := Config{
		Environment: "test",
		ServiceName: "test-service",
	}

	ctx := context.Background()
	shutdown, err := Setup(ctx, cfg, log.NewNop())

	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.NoError(t, shutdown(ctx))
}

func TestSetup_CustomEndpoint(t *testing.T) {
	cfg := Config{
		Endpoint:    "collector.internal:4318",
		Environment: "staging",
		ServiceName: "custom-service",
	}

	ctx := context.Background()
	shutdown, err := Setup(ctx, cfg, log.NewNop())

	require.NoError(t, err)
	require.NotNil(t, shutdown)

	// No spans were recorded; shutdown must not try to reach the
	// unreachable collector.
	assert.NoError(t, shutdown(ctx))
}

func TestSetup_EmptyConfig(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{}, log.NewNop())

	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestDefaultEndpoint_Value(t *testing.T) {
	assert.Equal(t, "localhost:4318", DefaultEndpoint)
}
