package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"advocacy-site/internal/models"
)

const redisKeyPrefix = "advocacy-site:"

// RedisCache shares stats reports between instances. Keys carry a common
// prefix so Clear only touches this application's entries.
type RedisCache struct {
	client *redis.Client
	tracer trace.Tracer
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{
		client: client,
		tracer: otel.Tracer("cache"),
	}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*models.StatsReport, error) {
	ctx, span := c.tracer.Start(ctx, "cache.get",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.String("operation", "cache.read"),
			attribute.String("cache.backend", "redis"),
		))
	defer span.End()

	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			span.SetAttributes(attribute.Bool("cache.hit", false))
			return nil, ErrCacheMiss
		}
		span.RecordError(err)
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	var report models.StatsReport
	if err := json.Unmarshal(data, &report); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("decode cached report: %w", err)
	}

	span.SetAttributes(attribute.Bool("cache.hit", true))
	return &report, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, report *models.StatsReport, ttl time.Duration) error {
	ctx, span := c.tracer.Start(ctx, "cache.set",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.String("operation", "cache.write"),
			attribute.String("cache.backend", "redis"),
			attribute.String("ttl", ttl.String()),
		))
	defer span.End()

	data, err := json.Marshal(report)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encode report: %w", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, data, ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, span := c.tracer.Start(ctx, "cache.delete",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.String("operation", "cache.write"),
			attribute.String("cache.backend", "redis"),
		))
	defer span.End()

	if err := c.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Clear(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "cache.clear",
		trace.WithAttributes(
			attribute.String("operation", "cache.write"),
			attribute.String("cache.backend", "redis"),
		))
	defer span.End()

	var cleared int
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			span.RecordError(err)
			return fmt.Errorf("redis del %s: %w", iter.Val(), err)
		}
		cleared++
	}
	if err := iter.Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("redis scan: %w", err)
	}

	span.SetAttributes(attribute.Int("items.cleared", cleared))
	return nil
}
