package saga

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is an order-scoped lock held for the duration of a saga step run.
// It guarantees no two concurrent executions of the same order's saga:
// a second caller is rejected, never silently interleaved.
type Lease interface {
	// Acquire takes the lock for key, returning false if it is held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release frees the lock. Releasing an unheld lock is a no-op.
	Release(ctx context.Context, key string) error
}

// redisLease implements Lease on Redis SET NX with a TTL, so a crashed
// holder's lock expires instead of wedging the order forever.
type redisLease struct {
	client *redis.Client
}

// NewRedisLease returns a distributed Lease backed by the given Redis.
func NewRedisLease(addr string) Lease {
	return &redisLease{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (l *redisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, "fulfillment:lease:"+key, "1", ttl).Result()
}

func (l *redisLease) Release(ctx context.Context, key string) error {
	return l.client.Del(ctx, "fulfillment:lease:"+key).Err()
}

// memoryLease is a process-local Lease for tests and single-node runs.
type memoryLease struct {
	mu   sync.Mutex
	held map[string]time.Time
}

// NewMemoryLease returns an in-process Lease with TTL expiry.
func NewMemoryLease() Lease {
	return &memoryLease{held: make(map[string]time.Time)}
}

func (l *memoryLease) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until, ok := l.held[key]; ok && time.Now().Before(until) {
		return false, nil
	}
	l.held[key] = time.Now().Add(ttl)
	return true, nil
}

func (l *memoryLease) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}
