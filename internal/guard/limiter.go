package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// windowCounter counts events in a trailing window. Backed by Redis sorted
// sets in production; the in-process fallback serves tests and single-node
// development.
type windowCounter interface {
	// Incr records one event and returns the count inside the window,
	// including the new event.
	Incr(ctx context.Context, key string, window time.Duration) (int, error)
	// Count returns the number of events inside the window without recording.
	Count(ctx context.Context, key string, window time.Duration) (int, error)
}

type redisCounter struct {
	client *redis.Client
}

func newRedisCounter(client *redis.Client) *redisCounter {
	return &redisCounter{client: client}
}

func (c *redisCounter) Incr(ctx context.Context, key string, window time.Duration) (int, error) {
	now := time.Now()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])

	pipe := c.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", now.Add(-window).UnixNano()))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

func (c *redisCounter) Count(ctx context.Context, key string, window time.Duration) (int, error) {
	now := time.Now()
	pipe := c.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", now.Add(-window).UnixNano()))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

type memoryCounter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	now    func() time.Time
}

func newMemoryCounter() *memoryCounter {
	return &memoryCounter{
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

func (c *memoryCounter) prune(key string, cutoff time.Time) []time.Time {
	kept := c.events[key][:0]
	for _, t := range c.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.events[key] = kept
	return kept
}

func (c *memoryCounter) Incr(_ context.Context, key string, window time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	kept := c.prune(key, now.Add(-window))
	c.events[key] = append(kept, now)
	return len(c.events[key]), nil
}

func (c *memoryCounter) Count(_ context.Context, key string, window time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prune(key, c.now().Add(-window))), nil
}
