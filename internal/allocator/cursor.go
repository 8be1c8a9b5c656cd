package allocator

import (
	"context"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Cursor yields a monotonically increasing sequence for round-robin rotation.
type Cursor interface {
	Next(ctx context.Context) (uint64, error)
}

type memoryCursor struct {
	n atomic.Uint64
}

// NewMemoryCursor returns a process-local cursor. Rotation restarts from zero
// after a restart; use the redis cursor when continuity matters.
func NewMemoryCursor() Cursor {
	return &memoryCursor{}
}

func (c *memoryCursor) Next(context.Context) (uint64, error) {
	return c.n.Add(1) - 1, nil
}

type redisCursor struct {
	client  *redis.Client
	key     string
	timeout time.Duration
}

// NewRedisCursor returns a cursor persisted in redis, shared across replicas
// and restarts.
func NewRedisCursor(client *redis.Client, key string) Cursor {
	if key == "" {
		key = "provisiond:allocator:cursor"
	}
	return &redisCursor{client: client, key: key, timeout: 250 * time.Millisecond}
}

func (c *redisCursor) Next(ctx context.Context) (uint64, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	n, err := c.client.Incr(opCtx, c.key).Result()
	if err != nil {
		return 0, err
	}
	return uint64(n - 1), nil
}
