package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"homepulse/core-go/internal/health"
)

const DefaultTTL = 5 * time.Minute

// HealthCache keeps the latest health result per device in Redis so API
// replicas and restarts can serve a score without recomputing it.
type HealthCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewHealthCache(rdb redis.Cmdable, ttl time.Duration) *HealthCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &HealthCache{rdb: rdb, ttl: ttl}
}

// Open connects to the Redis server at url and verifies it answers PING.
func Open(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func key(id string) string { return "health:score:" + id }

func (c *HealthCache) Set(ctx context.Context, r health.Result) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode health result: %w", err)
	}
	return c.rdb.Set(ctx, key(r.DeviceID), b, c.ttl).Err()
}

// Get returns the cached result. A miss returns ok=false with no error.
func (c *HealthCache) Get(ctx context.Context, id string) (health.Result, bool, error) {
	if c == nil || c.rdb == nil {
		return health.Result{}, false, nil
	}
	b, err := c.rdb.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return health.Result{}, false, nil
	}
	if err != nil {
		return health.Result{}, false, err
	}
	var r health.Result
	if err := json.Unmarshal(b, &r); err != nil {
		return health.Result{}, false, fmt.Errorf("decode health result: %w", err)
	}
	return r, true, nil
}

func (c *HealthCache) Delete(ctx context.Context, id string) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx, key(id)).Err()
}
