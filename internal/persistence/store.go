package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/keleshteri/agent-flow-sub000/internal/scheduler"
	"github.com/keleshteri/agent-flow-sub000/internal/task"
)

var (
	// ErrNotFound is returned when no result is stored under the requested id.
	ErrNotFound = errors.New("not found")
	// ErrStoreClosed is returned by writes after Close.
	ErrStoreClosed = errors.New("store closed")
)

// Store archives finished workflow and task results.
type Store interface {
	SaveWorkflow(ctx context.Context, result *scheduler.WorkflowResult) error
	GetWorkflow(ctx context.Context, id string) (*scheduler.WorkflowResult, error)
	// ListWorkflows returns summaries newest first. A non-positive limit
	// returns everything.
	ListWorkflows(ctx context.Context, limit int) ([]WorkflowSummary, error)

	SaveTask(ctx context.Context, result *task.Result) error
	GetTask(ctx context.Context, id string) (*task.Result, error)

	Close() error
}

// WorkflowSummary is the listing view of a stored workflow result.
type WorkflowSummary struct {
	ID          string             `json:"id"`
	Name        string             `json:"name,omitempty"`
	Status      scheduler.Status   `json:"status"`
	Reason      string             `json:"reason,omitempty"`
	Progress    scheduler.Progress `json:"progress"`
	SubmittedAt time.Time          `json:"submitted_at"`
	EndedAt     *time.Time         `json:"ended_at,omitempty"`
}

// Summarize builds the listing view of r.
func Summarize(r *scheduler.WorkflowResult) WorkflowSummary {
	return WorkflowSummary{
		ID:          r.WorkflowID,
		Name:        r.Name,
		Status:      r.Status,
		Reason:      r.Reason,
		Progress:    r.Progress,
		SubmittedAt: r.SubmittedAt,
		EndedAt:     r.EndedAt,
	}
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-backed store at the given path.
// Creates parent directories if needed. Enables WAL mode and a busy timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	return openSQLite(ctx, connStr)
}

// NewSQLiteMemoryStore creates an in-memory SQLite store for testing.
// Each call gets its own named database; the shared cache lets the pool's
// connections see the same data.
func NewSQLiteMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	connStr := fmt.Sprintf("file:agentflow-%s?mode=memory&cache=shared", uuid.NewString())
	return openSQLite(ctx, connStr)
}

func openSQLite(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer plus one reader keeps WAL contention low.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
