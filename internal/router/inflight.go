package router

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// InflightGuard prevents a deduped route from firing again while a previous
// job for the same (orgID, eventType, sequenceKey) is still running. The
// TTL is a safety net against slots leaked by crashed workers.
type InflightGuard interface {
	// Acquire takes the slot for the key. Returns false if already held.
	Acquire(ctx context.Context, key string) (bool, error)

	// Release frees the slot.
	Release(ctx context.Context, key string) error
}

// --- MemoryInflightGuard ---

// MemoryInflightGuard is an in-memory InflightGuard with TTL support.
// Suitable for testing and single-instance deployments.
type MemoryInflightGuard struct {
	ttl time.Duration

	mu    sync.Mutex
	slots map[string]time.Time // key -> expiry
}

// NewMemoryInflightGuard creates a new in-memory guard.
func NewMemoryInflightGuard(ttl time.Duration) *MemoryInflightGuard {
	return &MemoryInflightGuard{
		ttl:   ttl,
		slots: make(map[string]time.Time),
	}
}

// Acquire takes the slot if free or expired.
func (g *MemoryInflightGuard) Acquire(_ context.Context, key string) (bool, error) {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if expiry, held := g.slots[key]; held && now.Before(expiry) {
		return false, nil
	}
	g.slots[key] = now.Add(g.ttl)
	return true, nil
}

// Release frees the slot.
func (g *MemoryInflightGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	delete(g.slots, key)
	g.mu.Unlock()
	return nil
}

// Len returns the number of held slots (including expired ones). For testing.
func (g *MemoryInflightGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots)
}

// --- RedisInflightGuard ---

// RedisInflightGuard is a redis-backed InflightGuard for multi-worker
// deployments sharing one dedup space.
type RedisInflightGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisInflightGuard creates a redis-backed guard.
func NewRedisInflightGuard(client *redis.Client, ttl time.Duration) *RedisInflightGuard {
	return &RedisInflightGuard{client: client, ttl: ttl}
}

// Acquire takes the slot atomically via SET NX.
func (g *RedisInflightGuard) Acquire(ctx context.Context, key string) (bool, error) {
	return g.client.SetNX(ctx, "inflight:"+key, "1", g.ttl).Result()
}

// Release frees the slot.
func (g *RedisInflightGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, "inflight:"+key).Err()
}

// HealthCheck verifies redis connectivity. Used by the readiness endpoint.
func (g *RedisInflightGuard) HealthCheck(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}
