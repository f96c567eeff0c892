package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keleshteri/agent-flow-sub000/internal/agent"
)

// Status represents the state of a task or one of its attempts.
type Status int

const (
	StatusPending   Status = iota // Not yet started
	StatusRunning                 // Attempt in flight
	StatusCompleted               // Finished successfully
	StatusFailed                  // Finished with error
	StatusCancelled               // Stopped by cancellation
	StatusTimedOut                // Attempt or deadline expired
)

var statusNames = map[Status]string{
	StatusPending:   "pending",
	StatusRunning:   "running",
	StatusCompleted: "completed",
	StatusFailed:    "failed",
	StatusCancelled: "cancelled",
	StatusTimedOut:  "timed_out",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s != StatusPending && s != StatusRunning
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for k, v := range statusNames {
		if v == string(text) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown task status %q", string(text))
}

// Task is a single unit of work with a declared capability type.
type Task struct {
	ID        string         `json:"id"`
	Type      agent.TaskType `json:"type"`
	Priority  int            `json:"priority,omitempty"`
	Input     agent.Input    `json:"input"`
	Deadline  *time.Time     `json:"deadline,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// New creates a task with a fresh ID.
func New(taskType agent.TaskType, input agent.Input) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Input:     input,
		CreatedAt: time.Now(),
	}
}

// Attempt records the outcome of one execution attempt.
type Attempt struct {
	Number    int        `json:"number"`
	Status    Status     `json:"status"`
	Output    any        `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Result is the outcome of running a task to a terminal state.
type Result struct {
	TaskID    string         `json:"task_id"`
	TaskType  agent.TaskType `json:"task_type"`
	Status    Status         `json:"status"`
	Output    any            `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Attempts  []Attempt      `json:"attempts,omitempty"`
}

// Duration returns how long the task ran, or zero if it has not ended.
func (r *Result) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}
