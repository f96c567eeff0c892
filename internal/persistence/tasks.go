package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/keleshteri/agent-flow-sub000/internal/task"
)

// SaveTask saves or updates a task result.
// Uses ON CONFLICT to make saves idempotent.
func (s *SQLiteStore) SaveTask(ctx context.Context, result *task.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode task result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_results (id, task_type, status, worker_id, started_at, ended_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task_type = excluded.task_type,
			status = excluded.status,
			worker_id = excluded.worker_id,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			data = excluded.data
	`, result.TaskID, string(result.TaskType), result.Status.String(), result.WorkerID,
		result.StartedAt.UnixNano(), unixNano(result.EndedAt), string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert task result: %w", err)
	}
	return nil
}

// GetTask retrieves a task result by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*task.Result, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM task_results WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task result: %w", err)
	}

	var result task.Result
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("failed to decode task result %s: %w", id, err)
	}
	return &result, nil
}
