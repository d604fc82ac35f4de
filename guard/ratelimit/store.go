package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore increments fixed-window counters. Implementations must be
// safe for concurrent use. Callers treat any error as "store unavailable"
// and fail open for that check.
type CounterStore interface {
	// Incr adds one to the counter at key, creating it with the given
	// TTL, and returns the new count.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Ping reports store reachability.
	Ping(ctx context.Context) error
	Close() error
}

// MemoryStore keeps counters in-process with TTL self-eviction. Suitable
// for single-instance deployments; counters are lost on restart, which for
// rate limiting only errs on the permissive side.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memCounter
	done     chan struct{}
	wg       sync.WaitGroup
}

type memCounter struct {
	count   int64
	expires time.Time
}

// NewMemoryStore creates a memory-backed counter store and starts its
// eviction sweep.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		counters: make(map[string]*memCounter),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.evict()
			case <-s.done:
				return
			}
		}
	}()
	return s
}

// Incr implements CounterStore.
func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || now.After(c.expires) {
		c = &memCounter{expires: now.Add(ttl)}
		s.counters[key] = c
	}
	c.count++
	return c.count, nil
}

// Ping implements CounterStore; memory is always reachable.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close stops the eviction sweep.
func (s *MemoryStore) Close() error {
	close(s.done)
	s.wg.Wait()
	return nil
}

// Len returns the number of live counters.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

func (s *MemoryStore) evict() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.counters {
		if now.After(c.expires) {
			delete(s.counters, key)
		}
	}
}

// RedisStore shares counters across instances through Redis. INCR plus a
// first-write EXPIRE gives fixed-window semantics identical to the memory
// store.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects a counter store to Redis.
func NewRedisStore(addr string, db int) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:         addr,
			DB:           db,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
		}),
	}
}

// Incr implements CounterStore.
func (s *RedisStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// NX keeps the window anchored at the first hit instead of sliding
	// the expiry on every request.
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Ping implements CounterStore.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
