package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	WorkflowID() string
}

// Topic constants
const (
	TopicStep     = "step"
	TopicWorkflow = "workflow"
	TopicTask     = "task"
)

// Event type constants
const (
	EventTypeStepProgress     = "step.progress"
	EventTypeStepCompensated  = "step.compensated"
	EventTypeWorkflowProgress = "workflow.progress"
	EventTypeTaskFinished     = "task.finished"
)

// StepProgressEvent is published whenever a step changes status.
type StepProgressEvent struct {
	Workflow  string
	StepID    string
	Status    string
	WorkerID  string
	Attempts  int
	Error     string
	Timestamp time.Time
}

func (e StepProgressEvent) EventType() string  { return EventTypeStepProgress }
func (e StepProgressEvent) WorkflowID() string { return e.Workflow }

// CompensationEvent is published after a compensating action runs.
type CompensationEvent struct {
	Workflow  string
	StepID    string
	Succeeded bool
	Error     string
	Timestamp time.Time
}

func (e CompensationEvent) EventType() string  { return EventTypeStepCompensated }
func (e CompensationEvent) WorkflowID() string { return e.Workflow }

// WorkflowProgressEvent is published when workflow counts or status change.
type WorkflowProgressEvent struct {
	Workflow  string
	Status    string
	Reason    string
	Total     int
	Completed int
	Failed    int
	Skipped   int
	Cancelled int
	Running   int
	Timestamp time.Time
}

func (e WorkflowProgressEvent) EventType() string  { return EventTypeWorkflowProgress }
func (e WorkflowProgressEvent) WorkflowID() string { return e.Workflow }

// Pending returns the steps not yet started or resolved.
func (e WorkflowProgressEvent) Pending() int {
	return e.Total - e.Completed - e.Failed - e.Skipped - e.Cancelled - e.Running
}

// TaskFinishedEvent is published when a standalone task ends.
type TaskFinishedEvent struct {
	TaskID    string
	TaskType  string
	Status    string
	WorkerID  string
	Duration  time.Duration
	Error     string
	Timestamp time.Time
}

func (e TaskFinishedEvent) EventType() string  { return EventTypeTaskFinished }
func (e TaskFinishedEvent) WorkflowID() string { return "" }
