package capability

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTLCache caches the most recent Snapshot for a bounded duration. It is
// read-mostly: GetSnapshot reads through the store only when the cache is
// empty or has expired, and every Register/MarkInactive invalidates it.
//
// When a Redis client is attached via WithRedisMirror, the cache also mirrors
// snapshots to Redis so that multiple Registry processes sharing one backing
// Store can serve reads without each of them independently re-querying the
// store on every miss — the first process to repopulate after an
// invalidation effectively primes the others.
type TTLCache struct {
	ttl time.Duration

	mu        sync.Mutex
	value     any
	expiresAt time.Time

	redis    *redis.Client
	redisKey string
}

// NewTTLCache constructs a cache with the given time-to-live. A zero or
// negative ttl disables caching: every Get is a miss.
func NewTTLCache(ttl time.Duration) *TTLCache {
	return &TTLCache{ttl: ttl, redisKey: "flex:capability:snapshot"}
}

// WithRedisMirror attaches a Redis client used to mirror cached snapshots
// across processes. It returns the cache for chaining.
func (c *TTLCache) WithRedisMirror(client *redis.Client) *TTLCache {
	c.redis = client
	return c
}

// Get returns the cached value if present and unexpired.
func (c *TTLCache) Get() (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 {
		return nil, false
	}
	if c.value == nil || time.Now().After(c.expiresAt) {
		if v, ok := c.getFromRedis(); ok {
			c.value = v
			c.expiresAt = time.Now().Add(c.ttl)
			return v, true
		}
		return nil, false
	}
	return c.value, true
}

// Set stores value with a fresh expiry and mirrors it to Redis if attached.
func (c *TTLCache) Set(value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 {
		return
	}
	c.value = value
	c.expiresAt = time.Now().Add(c.ttl)
	c.setInRedis(value)
}

// Invalidate clears the cached value immediately, forcing the next Get to
// miss and the caller to re-read through to the store.
func (c *TTLCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = nil
	c.expiresAt = time.Time{}
	if c.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()
		_ = c.redis.Del(ctx, c.redisKey).Err()
	}
}

func (c *TTLCache) getFromRedis() (any, bool) {
	if c.redis == nil {
		return nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	raw, err := c.redis.Get(ctx, c.redisKey).Bytes()
	if err != nil {
		return nil, false
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, false
	}
	return snap, true
}

func (c *TTLCache) setInRedis(value any) {
	if c.redis == nil {
		return
	}
	snap, ok := value.(Snapshot)
	if !ok {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = c.redis.Set(ctx, c.redisKey, data, c.ttl).Err()
}
