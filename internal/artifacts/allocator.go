package artifacts

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Allocator hands out result folder numbers. A number is never handed out twice.
type Allocator interface {
	Next(ctx context.Context) (int, error)
}

// LocalAllocator numbers folders for a single process
type LocalAllocator struct {
	mu   sync.Mutex
	last int
}

// NewLocalAllocator starts numbering after highWater
func NewLocalAllocator(highWater int) *LocalAllocator {
	return &LocalAllocator{last: highWater}
}

// Next returns the next unused number
func (a *LocalAllocator) Next(_ context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.last++
	return a.last, nil
}

// RedisAllocator numbers folders with INCR so several API processes sharing the
// same directory never collide
type RedisAllocator struct {
	client *redis.Client
	key    string
}

// NewRedisAllocator seeds key with highWater unless it already holds a value
func NewRedisAllocator(ctx context.Context, client *redis.Client, key string, highWater int) (*RedisAllocator, error) {
	if err := client.SetNX(ctx, key, highWater, 0).Err(); err != nil {
		return nil, fmt.Errorf("failed to seed folder counter: %w", err)
	}

	// a counter that fell behind the directory (flushed redis, restored backup) is moved forward
	current, err := client.Get(ctx, key).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to read folder counter: %w", err)
	}
	if current < highWater {
		if err := client.Set(ctx, key, highWater, 0).Err(); err != nil {
			return nil, fmt.Errorf("failed to advance folder counter: %w", err)
		}
	}

	return &RedisAllocator{client: client, key: key}, nil
}

// Next increments the shared counter
func (a *RedisAllocator) Next(ctx context.Context) (int, error) {
	n, err := a.client.Incr(ctx, a.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate folder number: %w", err)
	}
	return int(n), nil
}
