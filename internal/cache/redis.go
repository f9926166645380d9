// Package cache stores generated captions in Redis, addressed by the
// digest of the encoded image.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/replicate/captioner/internal/logging"
	"github.com/replicate/captioner/internal/model"
)

const keyPrefix = "caption"

type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, opts Options, logger *logging.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		MaxRetries:   2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return &RedisCache{client: client, ttl: opts.TTL, logger: logger.Named("cache")}, nil
}

// Key builds the cache key for an image digest under a given model and
// token cap; changing either invalidates earlier entries.
func Key(modelName string, maxTokens int, digest string) string {
	return fmt.Sprintf("%s:%s:%d:%s", keyPrefix, modelName, maxTokens, digest)
}

// Get returns the cached result for key; a miss is (nil, false, nil).
func (c *RedisCache) Get(ctx context.Context, key string) (*model.Result, bool, error) {
	bs, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis GET failed: %w", err)
	}

	var res model.Result
	if err := json.Unmarshal(bs, &res); err != nil {
		c.logger.Sugar().Warnw("dropping undecodable cache entry", "key", key, "error", err)
		if err := c.client.Del(ctx, key).Err(); err != nil {
			c.logger.Sugar().Warnw("redis DEL failed", "key", key, "error", err)
		}
		return nil, false, nil
	}
	res.Cached = true
	return &res, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, res *model.Result) error {
	bs, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, key, bs, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
