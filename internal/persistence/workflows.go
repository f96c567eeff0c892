package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/keleshteri/agent-flow-sub000/internal/scheduler"
)

// SaveWorkflow saves or updates a workflow result.
func (s *SQLiteStore) SaveWorkflow(ctx context.Context, result *scheduler.WorkflowResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode workflow result: %w", err)
	}

	// Begin transaction with serializable isolation (BEGIN IMMEDIATE)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_results (id, name, status, reason, submitted_at, ended_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			reason = excluded.reason,
			submitted_at = excluded.submitted_at,
			ended_at = excluded.ended_at,
			data = excluded.data
	`, result.WorkflowID, result.Name, result.Status.String(), result.Reason,
		result.SubmittedAt.UnixNano(), unixNano(result.EndedAt), string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert workflow result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow result by ID.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*scheduler.WorkflowResult, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM workflow_results WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow result: %w", err)
	}
	return decodeWorkflow(id, []byte(data))
}

// ListWorkflows returns stored workflow summaries, newest first.
func (s *SQLiteStore) ListWorkflows(ctx context.Context, limit int) ([]WorkflowSummary, error) {
	query := `SELECT data FROM workflow_results ORDER BY submitted_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow results: %w", err)
	}
	defer rows.Close()

	var out []WorkflowSummary
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan workflow result: %w", err)
		}
		r, err := decodeWorkflow("", []byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, Summarize(r))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow results: %w", err)
	}
	return out, nil
}

func decodeWorkflow(id string, data []byte) (*scheduler.WorkflowResult, error) {
	var r scheduler.WorkflowResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode workflow result %s: %w", id, err)
	}
	return &r, nil
}

// unixNano maps an optional timestamp onto a nullable INTEGER column.
func unixNano(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
