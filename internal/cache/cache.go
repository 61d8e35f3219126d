package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// cancelTTL bounds how long a cancellation request is remembered.
const cancelTTL = 24 * time.Hour

// Cache is the shared-counter interface used by request throttling.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// RedisCache implements Cache using go-redis/v9. It also carries cancellation
// signals between the API and worker processes.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a new RedisCache from a Redis URL. prefix namespaces every
// key and channel.
func NewRedisCache(redisURL, prefix string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opts), prefix: prefix}, nil
}

// Client exposes the underlying connection pool for components sharing it.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// IncrWithExpiry increments key and refreshes its expiry in one transaction.
func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, c.prefix+key)
	pipe.Expire(ctx, c.prefix+key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// RequestCancel records a cancellation for jobID and notifies any waiting executor.
// The key makes the request visible to executors that start waiting later.
func (c *RedisCache) RequestCancel(ctx context.Context, jobID uuid.UUID) error {
	key := c.prefix + CancelKey(jobID)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, "1", cancelTTL)
	pipe.Publish(ctx, key, "1")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	return nil
}

// CancelRequested reports whether a cancellation was recorded for jobID.
func (c *RedisCache) CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	n, err := c.client.Exists(ctx, c.prefix+CancelKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// WaitCancel blocks until a cancellation for jobID is requested (returns nil) or ctx
// ends (returns ctx.Err()).
func (c *RedisCache) WaitCancel(ctx context.Context, jobID uuid.UUID) error {
	key := c.prefix + CancelKey(jobID)
	pubsub := c.client.Subscribe(ctx, key)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe cancel: %w", err)
	}

	// subscribed first so a request landing in between is not missed
	if ok, err := c.CancelRequested(ctx, jobID); err == nil && ok {
		return nil
	}

	for {
		_, err := pubsub.ReceiveMessage(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, redis.ErrClosed) {
			return err
		}
		// transport hiccup: fall back to the key, then keep listening
		if ok, kerr := c.CancelRequested(ctx, jobID); kerr == nil && ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
