package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ambulance/internal/dispatch"
)

// MemoryQueue keeps tasks in process.
type MemoryQueue struct {
	mu    sync.Mutex
	tasks map[string]Task
}

var _ TaskQueue = (*MemoryQueue)(nil)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{tasks: make(map[string]Task)}
}

func (q *MemoryQueue) Save(_ context.Context, t Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks[t.ID] = t
	return nil
}

func (q *MemoryQueue) Due(_ context.Context, now time.Time, limit int) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Task
	for _, t := range q.tasks {
		if !t.Phase.Done() && !t.NextRunAt.After(now) {
			out = append(out, t)
		}
	}
	sortTasks(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *MemoryQueue) Get(_ context.Context, id string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("task %s: %w", id, dispatch.ErrNotFound)
	}
	return t, nil
}

func (q *MemoryQueue) List(_ context.Context) ([]Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func sortTasks(ts []Task) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].NextRunAt.Equal(ts[j].NextRunAt) {
			return ts[i].NextRunAt.Before(ts[j].NextRunAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

const (
	redisTasksKey = "emergency:tasks"
	redisDueKey   = "emergency:tasks:due"
)

// RedisQueue keeps tasks as JSON in a hash with a sorted set of due times,
// so every API and worker process sees the same searches.
type RedisQueue struct {
	client *redis.Client
}

var _ TaskQueue = (*RedisQueue)(nil)

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Save(ctx context.Context, t Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, redisTasksKey, t.ID, body)
	if t.Phase.Done() {
		pipe.ZRem(ctx, redisDueKey, t.ID)
	} else {
		pipe.ZAdd(ctx, redisDueKey, redis.Z{Score: float64(t.NextRunAt.UnixMilli()), Member: t.ID})
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Due(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	ids, err := q.client.ZRangeByScore(ctx, redisDueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	vals, err := q.client.HMGet(ctx, redisTasksKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(vals))
	for _, v := range vals {
		t, ok, err := decodeTask(v)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (q *RedisQueue) Get(ctx context.Context, id string) (Task, error) {
	raw, err := q.client.HGet(ctx, redisTasksKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return Task{}, fmt.Errorf("task %s: %w", id, dispatch.ErrNotFound)
	}
	if err != nil {
		return Task{}, err
	}
	t, _, err := decodeTask(raw)
	return t, err
}

func (q *RedisQueue) List(ctx context.Context) ([]Task, error) {
	all, err := q.client.HGetAll(ctx, redisTasksKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(all))
	for _, raw := range all {
		t, _, err := decodeTask(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// decodeTask reads an HMGET slot; a nil slot is a task removed between the
// two calls.
func decodeTask(v any) (Task, bool, error) {
	var raw string
	switch s := v.(type) {
	case nil:
		return Task{}, false, nil
	case string:
		raw = s
	default:
		return Task{}, false, fmt.Errorf("unexpected task value %T", v)
	}
	var t Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}
