package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"boardsync/domain"
)

// Cache wraps a TaskStore with Redis-backed caching of board snapshots.
// Every mutation evicts the board's cached list, so readers after a write
// always see the backing store's answer.
type Cache struct {
	base  TaskStore
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching TaskStore wrapper using the provided Redis
// client and TTL. A nil client makes the cache a pass-through.
func NewCache(base TaskStore, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base store is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) Create(ctx context.Context, t domain.Task) (domain.Task, error) {
	created, err := c.base.Create(ctx, t)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, t.BoardID)
	return created, nil
}

func (c *Cache) FindByID(ctx context.Context, boardID, id string) (*domain.Task, error) {
	return c.base.FindByID(ctx, boardID, id)
}

func (c *Cache) Update(ctx context.Context, boardID, id string, p domain.TaskPatch) (*domain.Task, error) {
	t, err := c.base.Update(ctx, boardID, id, p)
	if err != nil {
		return nil, err
	}
	if t != nil {
		c.evict(ctx, boardID)
	}
	return t, nil
}

func (c *Cache) Delete(ctx context.Context, boardID, id string) (bool, error) {
	removed, err := c.base.Delete(ctx, boardID, id)
	if err != nil {
		return false, err
	}
	if removed {
		c.evict(ctx, boardID)
	}
	return removed, nil
}

func (c *Cache) ListByBoard(ctx context.Context, boardID string) ([]domain.Task, error) {
	if tasks, ok := c.loadFromCache(ctx, boardID); ok {
		return tasks, nil
	}
	tasks, err := c.base.ListByBoard(ctx, boardID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, boardID, tasks)
	return tasks, nil
}

func (c *Cache) loadFromCache(ctx context.Context, boardID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(boardID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing store without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(boardID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(boardID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) store(ctx context.Context, boardID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(boardID), data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, tasksCacheKey(boardID)).Result()
}

func tasksCacheKey(boardID string) string {
	return "tasks:" + boardID
}
