package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"advocacy-site/internal/cache"
	"advocacy-site/internal/config"
	"advocacy-site/internal/forwarder"
	"advocacy-site/internal/logging"
)

func TestOpenDependenciesInMemory(t *testing.T) {
	cfg := &config.Config{
		Storage: config.StorageConfig{Backend: config.BackendMemory, Fallback: config.FallbackMemory},
		Forward: config.ForwardConfig{BrevoAPIKey: "key", Timeout: time.Second},
	}

	deps, err := OpenDependencies(context.Background(), cfg, logging.NewDiscardLogger())
	require.NoError(t, err)
	defer deps.Close(context.Background())

	assert.Equal(t, "memory", deps.Primary.Name())
	assert.Nil(t, deps.Fallback, "memory primary needs no fallback")
	_, isMemoryCache := deps.Cache.(*cache.InMemoryCache)
	assert.True(t, isMemoryCache)
	assert.Equal(t, []string{forwarder.BrevoName}, deps.Forwarder.Providers())
}
