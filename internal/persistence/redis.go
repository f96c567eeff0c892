package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/keleshteri/agent-flow-sub000/internal/scheduler"
	"github.com/keleshteri/agent-flow-sub000/internal/task"
)

// DefaultKeyPrefix namespaces every key the Redis store writes.
const DefaultKeyPrefix = "agentflow:"

// RedisStore implements Store on Redis. Results are JSON strings; a sorted
// set scored by submission time indexes workflows for listing.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	owned     bool
}

// NewRedisStore connects with opts and verifies the server responds.
func NewRedisStore(ctx context.Context, opts *redis.Options, keyPrefix string) (*RedisStore, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	s := NewRedisStoreFromClient(client, keyPrefix)
	s.owned = true
	return s, nil
}

// NewRedisStoreFromClient wraps an existing client. Close leaves the client
// open.
func NewRedisStoreFromClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) workflowKey(id string) string { return s.keyPrefix + "workflow:" + id }
func (s *RedisStore) taskKey(id string) string     { return s.keyPrefix + "task:" + id }
func (s *RedisStore) indexKey() string             { return s.keyPrefix + "workflows" }

func (s *RedisStore) SaveWorkflow(ctx context.Context, result *scheduler.WorkflowResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode workflow result: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.workflowKey(result.WorkflowID), data, 0)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(result.SubmittedAt.UnixNano()),
		Member: result.WorkflowID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save workflow result: %w", err)
	}
	return nil
}

func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*scheduler.WorkflowResult, error) {
	data, err := s.client.Get(ctx, s.workflowKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow result: %w", err)
	}
	return decodeWorkflow(id, data)
}

func (s *RedisStore) ListWorkflows(ctx context.Context, limit int) ([]WorkflowSummary, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.workflowKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load workflows: %w", err)
	}

	out := make([]WorkflowSummary, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index entry whose value has been evicted.
			continue
		}
		r, err := decodeWorkflow(ids[i], []byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, Summarize(r))
	}
	return out, nil
}

func (s *RedisStore) SaveTask(ctx context.Context, result *task.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode task result: %w", err)
	}
	if err := s.client.Set(ctx, s.taskKey(result.TaskID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save task result: %w", err)
	}
	return nil
}

func (s *RedisStore) GetTask(ctx context.Context, id string) (*task.Result, error) {
	data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task result: %w", err)
	}
	var r task.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode task result %s: %w", id, err)
	}
	return &r, nil
}

func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
