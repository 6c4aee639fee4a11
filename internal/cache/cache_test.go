package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"advocacy-site/internal/models"
)

func sampleReport() *models.StatsReport {
	return &models.StatsReport{
		Stats:       &models.Stats{Total: 2, Active: 1, Unsubscribed: 1, BySource: map[string]int{"footer": 2}},
		EmailList:   []string{"a@x.com"},
		TotalEmails: 1,
		GeneratedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testCacheContract(t *testing.T, c Cache) {
	ctx := context.Background()
	key := GenerateStatsKey(5)

	_, err := c.Get(ctx, key)
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, key, sampleReport(), time.Minute))
	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Stats.Total)
	assert.Equal(t, []string{"a@x.com"}, got.EmailList)

	require.NoError(t, c.Delete(ctx, key))
	_, err = c.Get(ctx, key)
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, GenerateStatsKey(5), sampleReport(), time.Minute))
	require.NoError(t, c.Set(ctx, GenerateStatsKey(10), sampleReport(), time.Minute))
	require.NoError(t, c.Clear(ctx))
	_, err = c.Get(ctx, GenerateStatsKey(10))
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestInMemoryCache(t *testing.T) {
	testCacheContract(t, NewInMemoryCache())
}

func TestInMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache()

	require.NoError(t, c.Set(ctx, "short", sampleReport(), 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	_, err := c.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Empty(t, c.items, "expired entries are dropped on read")
}

func TestGenerateStatsKey(t *testing.T) {
	assert.Equal(t, "email-stats:recent=5", GenerateStatsKey(5))
	assert.NotEqual(t, GenerateStatsKey(5), GenerateStatsKey(10))
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	testCacheContract(t, NewRedisCache(client))
}
