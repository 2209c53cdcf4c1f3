package metaquery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Deduplicator remembers query fingerprints for a time window.
type Deduplicator interface {
	// FirstSeen marks the fingerprint as seen and reports whether it was
	// new within the window.
	FirstSeen(ctx context.Context, fingerprint string) bool
	Forget(ctx context.Context, fingerprint string)
}

// InMemoryDeduplicator is bounded: when full, the least recently seen
// fingerprint is evicted early and will count as new again.
type InMemoryDeduplicator struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, time.Time]
}

func NewInMemoryDeduplicator(size int, ttl time.Duration) *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		seen: expirable.NewLRU[string, time.Time](size, nil, ttl),
	}
}

func (d *InMemoryDeduplicator) FirstSeen(ctx context.Context, fingerprint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen.Peek(fingerprint); ok {
		return false
	}
	d.seen.Add(fingerprint, time.Now())
	return true
}

func (d *InMemoryDeduplicator) Forget(ctx context.Context, fingerprint string) {
	d.seen.Remove(fingerprint)
}

// RedisDeduplicator shares the window across router instances.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisDeduplicator(redisURL string, ttl time.Duration) (*RedisDeduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisDeduplicatorWithClient(client, ttl), nil
}

func NewRedisDeduplicatorWithClient(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client: client,
		ttl:    ttl,
		prefix: "metaquery:seen:",
	}
}

// FirstSeen relies on SETNX so exactly one instance wins per window.
// A Redis error counts as new.
func (d *RedisDeduplicator) FirstSeen(ctx context.Context, fingerprint string) bool {
	acquired, err := d.client.SetNX(ctx, d.prefix+fingerprint, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) Forget(ctx context.Context, fingerprint string) {
	d.client.Del(ctx, d.prefix+fingerprint)
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}
