package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CooldownStore records when an alert key last fired. Implementations must be
// safe for concurrent use; callers must not assume they are lock-free.
type CooldownStore interface {
	Get(key string) (time.Time, bool)
	Set(key string, firedAt time.Time)
	Delete(key string)
}

// MemoryCooldowns is the default in-process cooldown store.
type MemoryCooldowns struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

// NewMemoryCooldowns creates an empty in-memory store.
func NewMemoryCooldowns() *MemoryCooldowns {
	return &MemoryCooldowns{entries: make(map[string]time.Time)}
}

func (m *MemoryCooldowns) Get(key string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.entries[key]
	return t, ok
}

func (m *MemoryCooldowns) Set(key string, firedAt time.Time) {
	m.mu.Lock()
	m.entries[key] = firedAt
	m.mu.Unlock()
}

func (m *MemoryCooldowns) Delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// RedisCooldowns shares cooldown state across instances. Entries expire on
// their own after ttl so the keyspace stays bounded.
type RedisCooldowns struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
}

// NewRedisCooldowns creates a Redis-backed store. Entries live for ttl, which
// should be at least the cooldown period.
func NewRedisCooldowns(client *redis.Client, ttl time.Duration) *RedisCooldowns {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCooldowns{client: client, ttl: ttl, timeout: 2 * time.Second}
}

func cooldownKey(key string) string { return "procpulse:cooldown:" + key }

func (r *RedisCooldowns) Get(key string) (time.Time, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	val, err := r.client.Get(ctx, cooldownKey(key)).Result()
	if err != nil {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (r *RedisCooldowns) Set(key string, firedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	r.client.Set(ctx, cooldownKey(key), firedAt.Format(time.RFC3339Nano), r.ttl)
}

func (r *RedisCooldowns) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	r.client.Del(ctx, cooldownKey(key))
}
