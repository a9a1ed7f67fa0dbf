package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultIdempotencyTTL = 24 * time.Hour
	idempotencyHeader     = "Idempotency-Key"
	maxIdempotencyKeyLen  = 128
)

// Deduper remembers which task an idempotency key created so a retried
// create returns the original task instead of adding a second one.
type Deduper interface {
	// Claim records taskID under key. When the key is already held it
	// returns the id recorded first and false.
	Claim(ctx context.Context, userID, key, taskID string) (string, bool, error)
	// Release forgets key so the caller may retry after a failed create.
	Release(ctx context.Context, userID, key string) error
}

// RedisDeduper stores idempotency keys in Redis so all instances agree on
// which create a key belongs to.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", userID, key)
}

func (r *RedisDeduper) Claim(ctx context.Context, userID, key, taskID string) (string, bool, error) {
	k := r.key(userID, key)
	// a second pass covers a key that expired between SETNX and GET
	for range 2 {
		ok, err := r.client.SetNX(ctx, k, taskID, r.ttl).Result()
		if err != nil {
			return "", false, err
		}
		if ok {
			return taskID, true, nil
		}
		existing, err := r.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", false, err
		}
		return existing, false, nil
	}
	return "", false, fmt.Errorf("idempotency key %q is churning", key)
}

func (r *RedisDeduper) Release(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}

type dedupeEntry struct {
	taskID  string
	expires time.Time
}

// MemoryDeduper is the single-instance Deduper.
type MemoryDeduper struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]dedupeEntry
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{ttl: ttl, now: time.Now, entries: make(map[string]dedupeEntry)}
}

func (m *MemoryDeduper) Claim(_ context.Context, userID, key, taskID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
	k := userID + ":" + key
	if e, ok := m.entries[k]; ok {
		return e.taskID, false, nil
	}
	m.entries[k] = dedupeEntry{taskID: taskID, expires: now.Add(m.ttl)}
	return taskID, true, nil
}

func (m *MemoryDeduper) Release(_ context.Context, userID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, userID+":"+key)
	return nil
}
