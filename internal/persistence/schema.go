package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist. Timestamps are
// unix nanoseconds; data holds the full JSON-encoded result.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflow_results (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		submitted_at INTEGER NOT NULL,
		ended_at INTEGER,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workflow_results_submitted_at
		ON workflow_results(submitted_at DESC);

	CREATE TABLE IF NOT EXISTS task_results (
		id TEXT PRIMARY KEY,
		task_type TEXT NOT NULL,
		status TEXT NOT NULL,
		worker_id TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		ended_at INTEGER,
		data TEXT NOT NULL
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
