package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidWorkflow matches every ValidationError via errors.Is.
	ErrInvalidWorkflow = errors.New("invalid workflow")
	// ErrCancelled is the cancellation cause recorded for a cancelled workflow.
	ErrCancelled = errors.New("workflow cancelled")
	// ErrGlobalTimeout is the cause recorded when a workflow exceeds its global timeout.
	ErrGlobalTimeout = errors.New("workflow global timeout exceeded")
	// ErrStepFailed is the abort cause when a required step fails.
	ErrStepFailed = errors.New("required step failed")
)

// ValidationError reports a malformed workflow. It is returned before any
// step is dispatched.
type ValidationError struct {
	WorkflowID string
	StepID     string
	Reason     string
	Err        error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid workflow")
	if e.WorkflowID != "" {
		fmt.Fprintf(&b, " %q", e.WorkflowID)
	}
	if e.StepID != "" {
		fmt.Fprintf(&b, ": step %q", e.StepID)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidWorkflow }

// CyclicDependencyError names the steps forming a dependency cycle, with the
// first step repeated at the end.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return "cyclic dependency: " + strings.Join(e.Cycle, " -> ")
}
