package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"minutes-api/domain"
)

type registry interface {
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	CreateTask(ctx context.Context, t domain.Task) error
	UpdateTask(ctx context.Context, t domain.Task) error
	DeleteTask(ctx context.Context, id string) error
	ListSeriesTasks(ctx context.Context, seriesID string) ([]domain.Task, error)
	FindTaskBySource(ctx context.Context, seriesID, sourceTaskID string) (*domain.Task, error)
}

// Cache wraps a Storage instance with a Redis-backed cache of the per-series
// task lists. Writes go to the backing registry and evict the series entry.
type Cache struct {
	*Storage
	base  registry
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis client and TTL.
func NewCache(base registry, client *redis.Client, ttl time.Duration) *Cache {
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

func (c *Cache) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return c.base.GetTask(ctx, id)
}

func (c *Cache) FindTaskBySource(ctx context.Context, seriesID, sourceTaskID string) (*domain.Task, error) {
	return c.base.FindTaskBySource(ctx, seriesID, sourceTaskID)
}

func (c *Cache) ListSeriesTasks(ctx context.Context, seriesID string) ([]domain.Task, error) {
	if tasks, ok := c.loadTasks(ctx, seriesID); ok {
		return tasks, nil
	}

	tasks, err := c.base.ListSeriesTasks(ctx, seriesID)
	if err != nil {
		return nil, err
	}

	c.storeTasks(ctx, seriesID, tasks)
	return tasks, nil
}

func (c *Cache) CreateTask(ctx context.Context, t domain.Task) error {
	if err := c.base.CreateTask(ctx, t); err != nil {
		return err
	}
	c.Evict(ctx, t.MeetingSeriesID)
	return nil
}

// UpdateTask evicts both the series the task left and the one it moved to.
func (c *Cache) UpdateTask(ctx context.Context, t domain.Task) error {
	prev, prevErr := c.base.GetTask(ctx, t.ID)
	if err := c.base.UpdateTask(ctx, t); err != nil {
		return err
	}
	c.Evict(ctx, t.MeetingSeriesID)
	c.evictPrevious(ctx, prev, prevErr, t.MeetingSeriesID)
	return nil
}

func (c *Cache) DeleteTask(ctx context.Context, id string) error {
	prev, prevErr := c.base.GetTask(ctx, id)
	if err := c.base.DeleteTask(ctx, id); err != nil {
		return err
	}
	c.evictPrevious(ctx, prev, prevErr, "")
	return nil
}

// evictPrevious drops the entry of the series a task belonged to before a
// write. When that series is unknown every series entry is dropped.
func (c *Cache) evictPrevious(ctx context.Context, prev *domain.Task, err error, evicted string) {
	if err != nil || prev == nil {
		c.EvictAll(ctx)
		return
	}
	if prev.MeetingSeriesID != "" && prev.MeetingSeriesID != evicted {
		c.Evict(ctx, prev.MeetingSeriesID)
	}
}

// Refresh reloads the series task list from the registry into the cache.
func (c *Cache) Refresh(ctx context.Context, seriesID string) ([]domain.Task, error) {
	tasks, err := c.base.ListSeriesTasks(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	c.storeTasks(ctx, seriesID, tasks)
	return tasks, nil
}

// Evict drops the cached task list of a series.
func (c *Cache) Evict(ctx context.Context, seriesID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, tasksCacheKey(seriesID)).Result()
}

// EvictAll drops every cached series task list.
func (c *Cache) EvictAll(ctx context.Context) {
	if c.redis == nil {
		return
	}
	iter := c.redis.Scan(ctx, 0, tasksCacheKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		_ = c.redis.Del(ctx, iter.Val()).Err()
	}
}

func (c *Cache) loadTasks(ctx context.Context, seriesID string) ([]domain.Task, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, tasksCacheKey(seriesID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, tasksCacheKey(seriesID)).Err()
		}
		return nil, false
	}
	var tasks []domain.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		_ = c.redis.Del(ctx, tasksCacheKey(seriesID)).Err()
		return nil, false
	}
	return tasks, true
}

func (c *Cache) storeTasks(ctx context.Context, seriesID string, tasks []domain.Task) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, tasksCacheKey(seriesID), data, c.ttl).Err()
}

func tasksCacheKey(seriesID string) string {
	return "series-tasks:" + seriesID
}
