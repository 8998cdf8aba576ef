package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"
)

const keyPrefix = "spendlens:resp"

// ResponseCache stores JSON renderings of read models in Redis for a short
// TTL. Concurrent misses for one key share a single load.
type ResponseCache struct {
	client redis.UniversalClient
	ttl    time.Duration
	group  singleflight.Group
	log    *slog.Logger
}

// NewResponseCache constructs a cache. A nil client or non-positive ttl
// disables caching and every Fetch calls the loader.
func NewResponseCache(client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *ResponseCache {
	return &ResponseCache{client: client, ttl: ttl, log: logger}
}

// Key derives a fixed-length cache key from the namespace and parts.
func Key(namespace string, parts ...string) string {
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x00")))
	return fmt.Sprintf("%s:%s:%s", keyPrefix, namespace, hex.EncodeToString(sum[:16]))
}

func (c *ResponseCache) enabled() bool {
	return c != nil && c.client != nil && c.ttl > 0
}

func (c *ResponseCache) logger() *slog.Logger {
	if c != nil && c.log != nil {
		return c.log
	}
	return slog.Default()
}

// Fetch decodes the cached value for key into dest, or runs loader, caches
// its result and decodes that. Redis failures fall back to the loader.
func (c *ResponseCache) Fetch(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("cache: loader required")
	}
	if !c.enabled() {
		return load(ctx, dest, loader)
	}

	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		return json.Unmarshal(payload, dest)
	}
	if !errors.Is(err, redis.Nil) {
		c.logger().Warn("response cache read", slog.String("key", key), slog.Any("error", err))
		return load(ctx, dest, loader)
	}

	// The shared load outlives any single caller's cancellation.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		value, err := loader(shared)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(shared, key, raw, c.ttl).Err(); err != nil {
			c.logger().Warn("response cache write", slog.String("key", key), slog.Any("error", err))
		}
		return raw, nil
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		return json.Unmarshal(res.Val.([]byte), dest)
	}
}

// Invalidate removes keys. It is a no-op when caching is disabled.
func (c *ResponseCache) Invalidate(ctx context.Context, keys ...string) error {
	if !c.enabled() || len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: invalidate: %w", err)
	}
	return nil
}

func load(ctx context.Context, dest any, loader func(context.Context) (any, error)) error {
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
