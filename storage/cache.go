package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"onlytask-api/domain"
)

type backend interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.Task, error)
	InsertTask(ctx context.Context, userID string, t domain.Task) error
	UpdateTask(ctx context.Context, userID, id string, u domain.TaskUpdate) error
	DeleteTask(ctx context.Context, userID, id string) error
	DeleteTasks(ctx context.Context, userID string, ids []string) error
	FetchSOPs(ctx context.Context, userID string) ([]domain.SOP, error)
	InsertSOP(ctx context.Context, userID string, sop domain.SOP) error
	UpdateSOP(ctx context.Context, userID, id string, u domain.SOPUpdate) error
	DeleteSOP(ctx context.Context, userID, id string) error
}

// Cache wraps a Storage instance with Redis-backed caching for read operations.
// Every write delegates to the backing storage and evicts the user's cached
// collection so the next load observes the remote state.
type Cache struct {
	*Storage
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

func (c *Cache) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	if tasks, ok := loadCached[[]domain.Task](ctx, c, tasksCacheKey(userID)); ok {
		return tasks, nil
	}

	tasks, err := c.base.FetchTasks(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, tasksCacheKey(userID), tasks)
	return tasks, nil
}

func (c *Cache) InsertTask(ctx context.Context, userID string, t domain.Task) error {
	if err := c.base.InsertTask(ctx, userID, t); err != nil {
		return err
	}
	c.evictTasks(ctx, userID)
	return nil
}

func (c *Cache) UpdateTask(ctx context.Context, userID, id string, u domain.TaskUpdate) error {
	if err := c.base.UpdateTask(ctx, userID, id, u); err != nil {
		return err
	}
	c.evictTasks(ctx, userID)
	return nil
}

func (c *Cache) DeleteTask(ctx context.Context, userID, id string) error {
	if err := c.base.DeleteTask(ctx, userID, id); err != nil {
		return err
	}
	c.evictTasks(ctx, userID)
	return nil
}

func (c *Cache) DeleteTasks(ctx context.Context, userID string, ids []string) error {
	if err := c.base.DeleteTasks(ctx, userID, ids); err != nil {
		return err
	}
	c.evictTasks(ctx, userID)
	return nil
}

func (c *Cache) FetchSOPs(ctx context.Context, userID string) ([]domain.SOP, error) {
	if sops, ok := loadCached[[]domain.SOP](ctx, c, sopsCacheKey(userID)); ok {
		return sops, nil
	}

	sops, err := c.base.FetchSOPs(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.store(ctx, sopsCacheKey(userID), sops)
	return sops, nil
}

func (c *Cache) InsertSOP(ctx context.Context, userID string, sop domain.SOP) error {
	if err := c.base.InsertSOP(ctx, userID, sop); err != nil {
		return err
	}
	c.evictSOPs(ctx, userID)
	return nil
}

func (c *Cache) UpdateSOP(ctx context.Context, userID, id string, u domain.SOPUpdate) error {
	if err := c.base.UpdateSOP(ctx, userID, id, u); err != nil {
		return err
	}
	c.evictSOPs(ctx, userID)
	return nil
}

func (c *Cache) DeleteSOP(ctx context.Context, userID, id string) error {
	if err := c.base.DeleteSOP(ctx, userID, id); err != nil {
		return err
	}
	c.evictSOPs(ctx, userID)
	return nil
}

func loadCached[T any](ctx context.Context, c *Cache, key string) (T, bool) {
	var zero T
	if c.redis == nil {
		return zero, false
	}
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, key).Err()
		}
		return zero, false
	}
	var val T
	if err := json.Unmarshal(data, &val); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return zero, false
	}
	return val, true
}

func (c *Cache) store(ctx context.Context, key string, val any) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(val)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, key, data, c.ttl).Err()
}

func (c *Cache) evictTasks(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, tasksCacheKey(userID)).Result()
}

func (c *Cache) evictSOPs(ctx context.Context, userID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, sopsCacheKey(userID)).Result()
}

func tasksCacheKey(userID string) string {
	return "tasks:" + userID
}

func sopsCacheKey(userID string) string {
	return "sops:" + userID
}
