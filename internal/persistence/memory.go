package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/keleshteri/agent-flow-sub000/internal/scheduler"
	"github.com/keleshteri/agent-flow-sub000/internal/task"
)

// MemoryStore keeps results in process memory. Values are stored encoded so
// callers never share state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string][]byte
	summaries map[string]WorkflowSummary
	tasks     map[string][]byte
	closed    bool
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string][]byte),
		summaries: make(map[string]WorkflowSummary),
		tasks:     make(map[string][]byte),
	}
}

func (m *MemoryStore) SaveWorkflow(_ context.Context, result *scheduler.WorkflowResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode workflow result: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.workflows[result.WorkflowID] = data
	m.summaries[result.WorkflowID] = Summarize(result)
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*scheduler.WorkflowResult, error) {
	m.mu.RLock()
	data, ok := m.workflows[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return decodeWorkflow(id, data)
}

func (m *MemoryStore) ListWorkflows(_ context.Context, limit int) ([]WorkflowSummary, error) {
	m.mu.RLock()
	out := make([]WorkflowSummary, 0, len(m.summaries))
	for _, s := range m.summaries {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.After(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SaveTask(_ context.Context, result *task.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode task result: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.tasks[result.TaskID] = data
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*task.Result, error) {
	m.mu.RLock()
	data, ok := m.tasks[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	var r task.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode task result %s: %w", id, err)
	}
	return &r, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
