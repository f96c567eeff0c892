package agent

import (
	"context"
	"errors"
	"fmt"
)

// TaskType is the capability tag a task declares and a worker advertises.
type TaskType string

// Input is what a worker receives for a single execution.
type Input struct {
	Payload any            `json:"payload,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// Output is what a worker reports back for a single execution.
type Output struct {
	Success   bool           `json:"success"`
	Output    any            `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Retryable *bool          `json:"retryable,omitempty"` // nil means retryable
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Agent is the execution contract a worker implements. The reasoning or
// content generation behind Execute is entirely the worker's business.
type Agent interface {
	// Validate reports whether the worker accepts this input for the task type.
	// A false result is a validation failure and is never retried.
	Validate(taskType TaskType, input Input) bool

	// Execute performs the work. It must honour ctx cancellation.
	// A returned error is treated as a retryable execution failure unless
	// wrapped with NonRetryable.
	Execute(ctx context.Context, taskType TaskType, input Input) (Output, error)
}

// Compensator is implemented by workers that can undo a completed execution.
type Compensator interface {
	Compensate(ctx context.Context, taskType TaskType, input Input, output any) error
}

// ConfidenceScorer is implemented by workers that score their own fitness
// for a task type. Scores are clamped to [0,1]; ok=false means no opinion.
type ConfidenceScorer interface {
	Confidence(taskType TaskType) (score float64, ok bool)
}

var (
	// ErrInvalidInput is returned when a worker rejects the input in Validate.
	ErrInvalidInput = errors.New("input rejected by worker")
	// ErrNoCompensation is returned by workers without a compensating action.
	ErrNoCompensation = errors.New("worker has no compensating action")
)

// CanCompensate reports whether a has a usable compensating action.
func CanCompensate(a Agent) bool {
	c, ok := a.(Compensator)
	if !ok {
		return false
	}
	if f, ok := c.(interface{ CanCompensate() bool }); ok {
		return f.CanCompensate()
	}
	return true
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err so the executor will not retry it.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err (or anything it wraps) was marked NonRetryable.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}

// Err converts an unsuccessful Output into an error, honouring its Retryable flag.
// It returns nil for successful outputs.
func (o Output) Err() error {
	if o.Success {
		return nil
	}
	msg := o.Error
	if msg == "" {
		msg = "worker reported failure"
	}
	err := fmt.Errorf("%s", msg)
	if o.Retryable != nil && !*o.Retryable {
		return NonRetryable(err)
	}
	return err
}
