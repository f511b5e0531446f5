// Package cache keeps inference results in Redis, keyed by model, decoding
// settings and image content, so that the same upload is not run twice.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mpromonet/tflite-pipeline/pipeline"
)

// Cache wraps a Redis client. A nil *Cache is valid and caches nothing.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	log    logrus.FieldLogger
}

// New connects to the Redis server at addr and checks it with a PING.
func New(ctx context.Context, addr string, ttl time.Duration, log logrus.FieldLogger) (*Cache, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return &Cache{client: client, ttl: ttl, log: log.WithField("component", "cache")}, nil
}

// Key derives the cache key of an image processed under cfg. Every setting
// that changes the decoded result is part of the key, so that a threshold
// update misses entries computed under the previous one.
func Key(cfg pipeline.Config, image []byte) string {
	sum := sha256.Sum256(image)
	settings := sha256.Sum256([]byte(fmt.Sprintf("%s|%g|%d|%d|%t",
		cfg.LabelsPath, cfg.Threshold, cfg.TopN, cfg.ClassOffset, cfg.FullScan)))
	return fmt.Sprintf("tflite:%s:%s:%s", cfg.ModelPath,
		hex.EncodeToString(settings[:8]), hex.EncodeToString(sum[:]))
}

// Get returns the result cached under key, or nil when there is none.
func (c *Cache) Get(ctx context.Context, key string) (*pipeline.Result, error) {
	if c == nil {
		return nil, nil
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	var res pipeline.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("corrupted cache entry %s: %w", key, err)
	}
	c.log.WithField("key", key).Debug("cache hit")
	return &res, nil
}

// Put stores res under key for the configured TTL.
func (c *Cache) Put(ctx context.Context, key string, res *pipeline.Result) error {
	if c == nil || res == nil {
		return nil
	}
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
