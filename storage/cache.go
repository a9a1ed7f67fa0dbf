package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"taskboard/domain"
)

// Cache wraps a Repository with a Redis read-through cache for ListTasks.
// Every write evicts the user's cached list and bumps a per-user version; a
// fill whose version changed while the backing read ran is dropped.
type Cache struct {
	base  Repository
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Repository. A zero ttl disables cache fills.
func NewCache(base Repository, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base repository is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasksFromCache(ctx, userID); ok {
		return tasks, nil
	}

	ver, ok := c.version(ctx, userID)
	tasks, err := c.base.ListTasks(ctx, userID)
	if err != nil {
		return nil, err
	}

	if ok {
		c.storeTasks(ctx, userID, tasks, ver)
	}
	return tasks, nil
}

func (c *Cache) GetTask(ctx context.Context, userID, id string) (domain.Task, error) {
	return c.base.GetTask(ctx, userID, id)
}

func (c *Cache) PutTask(ctx context.Context, userID string, task domain.Task) error {
	defer c.evict(ctx, userID)
	return c.base.PutTask(ctx, userID, task)
}

func (c *Cache) PutTasks(ctx context.Context, userID string, tasks []domain.Task) error {
	defer c.evict(ctx, userID)
	return c.base.PutTasks(ctx, userID, tasks)
}

func (c *Cache) DeleteTask(ctx context.Context, userID, id string) error {
	defer c.evict(ctx, userID)
	return c.base.DeleteTask(ctx, userID, id)
}

func (c *Cache) loadTasksFromCache(ctx context.Context, userID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// redis trouble degrades to the backing repository
			_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := sonic.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(userID)).Err()
		return nil, false
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return tasks, true
}

// version reads the user's write counter. ok is false when redis is
// unavailable and the fill should be skipped.
func (c *Cache) version(ctx context.Context, userID string) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	v, err := c.redis.Get(ctx, tasksVersionKey(userID)).Int64()
	switch {
	case err == nil:
		return v, true
	case errors.Is(err, redis.Nil):
		return 0, true
	default:
		return 0, false
	}
}

// storeTasks fills the cache only if no write bumped the version since ver
// was read.
func (c *Cache) storeTasks(ctx context.Context, userID string, tasks []domain.Task, ver int64) {
	data, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	verKey := tasksVersionKey(userID)
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, verKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != ver {
			return errStaleFill
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, tasksCacheKey(userID), data, c.ttl)
			return nil
		})
		return err
	}, verKey)
}

func (c *Cache) evict(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, tasksVersionKey(userID))
		p.Del(ctx, tasksCacheKey(userID))
		return nil
	})
}

var errStaleFill = errors.New("cache fill raced a write")

func tasksCacheKey(userID string) string {
	return "tasks:" + userID
}

func tasksVersionKey(userID string) string {
	return "tasks:ver:" + userID
}
