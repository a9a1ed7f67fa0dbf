package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

// Redis keeps the snapshot in a single Redis string without expiry.
type Redis struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// NewRedis creates a Redis-backed snapshot store. An empty key uses DefaultKey.
func NewRedis(client *redis.Client, key string) *Redis {
	if client == nil {
		panic("snapshot.NewRedis: client is nil")
	}
	if key == "" {
		key = DefaultKey
	}
	return &Redis{client: client, key: key, now: time.Now}
}

func (r *Redis) Load(ctx context.Context) ([]domain.Task, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decode(data)
}

func (r *Redis) Save(ctx context.Context, tasks []domain.Task) error {
	data, err := encode(tasks, r.now())
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return r.client.Set(ctx, r.key, data, 0).Err()
}
