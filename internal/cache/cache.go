// Package cache provides Redis-backed caching for read-path API responses.
//
// Caching here is strictly a performance hint: every entry has a short
// TTL and mutation handlers invalidate eagerly, so a cached response
// never changes observable pipeline semantics. Alert state itself is
// never cached; only the camera listing is.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nightwatch-sec/nightwatch/internal/config"
)

// Entries are namespaced so the cache can share a Redis database with
// the detection ingest buffer without key collisions.
const keyPrefix = "nightwatch:cache:"

// Cache is a Redis-backed response cache. A nil *Cache is not valid;
// callers that run without Redis hold no cache at all and skip it.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// New connects to Redis and verifies the connection before returning.
// Callers treat a connection failure as "run without a cache", not as a
// startup error.
func New(redisURL string, logger *slog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.RedisConnectionTimeout)
	defer cancel()

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Cache{
		client: client,
		logger: logger.With("component", "response_cache"),
	}, nil
}

// GetJSON retrieves and unmarshals a cached JSON value into v.
// The boolean is false on a miss. An undecodable entry is treated as a
// miss and evicted, so a schema change never serves stale shapes.
func (c *Cache) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.logger.Warn("evicting undecodable cache entry", "key", key, "error", err)
		c.client.Del(ctx, keyPrefix+key)
		return false, nil
	}
	return true, nil
}

// SetJSON marshals and stores a JSON value with the given TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+key, data, ttl).Err()
}

// Delete invalidates a key. Mutation handlers call this eagerly rather
// than waiting out the TTL.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, keyPrefix+key).Err()
}

// Ping tests Redis connectivity for the health endpoint.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
