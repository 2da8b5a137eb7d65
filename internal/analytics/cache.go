package analytics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// ReportCache stores daily reports by date key.
type ReportCache interface {
	// Get returns the cached report, or false if there is none.
	Get(ctx context.Context, key string) (*Report, bool, error)
	Set(ctx context.Context, key string, r *Report) error
}

// MemoryCache implements ReportCache in process memory.
type MemoryCache struct {
	mu      sync.RWMutex
	reports map[string]*Report
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{reports: make(map[string]*Report)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*Report, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.reports[key]
	return r, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, r *Report) error {
	c.mu.Lock()
	c.reports[key] = r
	c.mu.Unlock()
	return nil
}

// RedisCache implements ReportCache on Redis. Reports are stored as JSON
// and expire after ttl; a zero ttl keeps them forever.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Report, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading cached report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false, fmt.Errorf("decoding cached report: %w", err)
	}
	return &r, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, r *Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("caching report: %w", err)
	}
	return nil
}
