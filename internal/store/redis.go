package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lybic/mini-agent/internal/model"
)

const (
	redisKeyPrefix   = "agent:task:"
	redisCreatedZSet = "agent:tasks:created"

	// Optimistic transaction retries for per-task write serialization.
	redisTxRetries = 5
)

// RedisConfig holds connection parameters for the Redis-backed store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// Compile-time interface satisfaction check.
var _ Store = (*RedisStore)(nil)

// RedisStore implements Store on Redis: one JSON value per task plus a
// sorted set indexing task IDs by creation time. Writes to a single task
// are serialized with WATCH-based optimistic transactions.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func taskKey(id string) string {
	return redisKeyPrefix + id
}

func (s *RedisStore) Create(ctx context.Context, rec *model.TaskRecord) error {
	c := rec.Clone()
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}

	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	// Value and index land in one MULTI/EXEC so a record can never exist
	// without its created_at index entry. ZAddNX keeps a duplicate submission
	// from rewriting the existing task's creation score.
	var created *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, taskKey(c.ID), payload, 0)
		pipe.ZAddNX(ctx, redisCreatedZSet, redis.Z{
			Score:  float64(c.CreatedAt.UnixMicro()),
			Member: c.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if !created.Val() {
		return ErrDuplicateID
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.TaskRecord, error) {
	payload, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	rec := &model.TaskRecord{}
	if err := json.Unmarshal(payload, rec); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return rec, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, upd TaskUpdate) error {
	key := taskKey(id)
	txf := func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read task for update: %w", err)
		}
		rec := &model.TaskRecord{}
		if err := json.Unmarshal(payload, rec); err != nil {
			return fmt.Errorf("decode task: %w", err)
		}

		if err := applyUpdate(rec, upd); err != nil {
			return err
		}

		out, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode task: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for i := 0; i < redisTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue // concurrent writer, retry
		}
		return err
	}
	return fmt.Errorf("update task %s: too many concurrent writes", id)
}

// loadAll fetches all records ordered by created_at descending.
func (s *RedisStore) loadAll(ctx context.Context) ([]*model.TaskRecord, error) {
	ids, err := s.client.ZRevRange(ctx, redisCreatedZSet, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list task ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}

	tasks := make([]*model.TaskRecord, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // index entry without a value; skip
		}
		rec := &model.TaskRecord{}
		if err := json.Unmarshal([]byte(raw), rec); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		tasks = append(tasks, rec)
	}
	// The zset orders by creation time; make ties deterministic by ID.
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID > tasks[j].ID
		}
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (s *RedisStore) List(ctx context.Context, opts ListOptions) ([]*model.TaskRecord, int, error) {
	all, err := s.loadAll(ctx)
	if err != nil {
		return nil, 0, err
	}

	matched := all
	if opts.Status != "" {
		matched = matched[:0:0]
		for _, rec := range all {
			if rec.Status == opts.Status {
				matched = append(matched, rec)
			}
		}
	}

	total := len(matched)
	if opts.Offset > 0 {
		if opts.Offset >= total {
			matched = nil
		} else {
			matched = matched[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, total, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	deleted, err := s.client.Del(ctx, taskKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if deleted == 0 {
		return ErrNotFound
	}
	if err := s.client.ZRem(ctx, redisCreatedZSet, id).Err(); err != nil {
		return fmt.Errorf("unindex task: %w", err)
	}
	return nil
}

func (s *RedisStore) CountActive(ctx context.Context) (int, error) {
	all, err := s.loadAll(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, rec := range all {
		if rec.Status == model.StatusPending || rec.Status == model.StatusRunning {
			count++
		}
	}
	return count, nil
}

func (s *RedisStore) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	all, err := s.loadAll(ctx)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, rec := range all {
		if !model.Terminal(rec.Status) || !rec.CreatedAt.Before(cutoff) {
			continue
		}
		if err := s.Delete(ctx, rec.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // already swept by a concurrent cleanup
			}
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
