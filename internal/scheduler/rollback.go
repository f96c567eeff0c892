package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/keleshteri/agent-flow-sub000/internal/agent"
	"github.com/keleshteri/agent-flow-sub000/internal/events"
	"github.com/keleshteri/agent-flow-sub000/internal/registry"
)

// DefaultCompensationTimeout bounds a single compensating action.
const DefaultCompensationTimeout = 30 * time.Second

// ErrNoCompensator is recorded for a completed step whose worker cannot undo it.
var ErrNoCompensator = errors.New("no worker can compensate step")

// Completed is a finished step eligible for compensation.
type Completed struct {
	StepID   string
	TaskType agent.TaskType
	WorkerID string
	Input    agent.Input
	Output   any
}

// RollbackCoordinator undoes completed steps of a failed workflow in reverse
// completion order. Failures are recorded and never stop the walk.
type RollbackCoordinator struct {
	reg     *registry.Registry
	timeout time.Duration
	logger  *zap.Logger
}

// NewRollbackCoordinator creates a coordinator. A non-positive timeout uses
// DefaultCompensationTimeout.
func NewRollbackCoordinator(reg *registry.Registry, timeout time.Duration, logger *zap.Logger) *RollbackCoordinator {
	if timeout <= 0 {
		timeout = DefaultCompensationTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RollbackCoordinator{
		reg:     reg,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "rollback")),
	}
}

// Rollback compensates steps in reverse of the given completion order and
// returns one record per step, in the order attempted. It runs detached from
// ctx cancellation so a cancelled workflow still rolls back.
func (rc *RollbackCoordinator) Rollback(ctx context.Context, workflowID string, completed []Completed, pub events.Publisher) []CompensationRecord {
	ctx = context.WithoutCancel(ctx)
	log := rc.logger.With(zap.String("workflow_id", workflowID))
	records := make([]CompensationRecord, 0, len(completed))

	for i := len(completed) - 1; i >= 0; i-- {
		c := completed[i]
		rec := CompensationRecord{StepID: c.StepID}
		if err := rc.compensate(ctx, c); err != nil {
			rec.Error = err.Error()
			log.Warn("compensation failed", zap.String("step_id", c.StepID), zap.Error(err))
		} else {
			rec.Compensated = true
			log.Info("step compensated", zap.String("step_id", c.StepID))
		}
		records = append(records, rec)

		if pub != nil {
			pub.Publish(events.TopicStep, events.CompensationEvent{
				Workflow:  workflowID,
				StepID:    c.StepID,
				Succeeded: rec.Compensated,
				Error:     rec.Error,
				Timestamp: time.Now(),
			})
		}
	}
	return records
}

func (rc *RollbackCoordinator) compensate(ctx context.Context, c Completed) (err error) {
	comp, ok := rc.compensator(c)
	if !ok {
		return fmt.Errorf("%w %q", ErrNoCompensator, c.StepID)
	}

	ctx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation panicked: %v", r)
		}
	}()
	return comp.Compensate(ctx, c.TaskType, c.Input, c.Output)
}

// compensator prefers the worker that ran the step, falling back to any
// capable worker able to compensate if it has since been deregistered.
func (rc *RollbackCoordinator) compensator(c Completed) (agent.Compensator, bool) {
	if w, ok := rc.reg.Lookup(c.WorkerID); ok {
		if agent.CanCompensate(w.Agent) {
			return w.Agent.(agent.Compensator), true
		}
		return nil, false
	}
	for _, cand := range rc.reg.ListByCapability(c.TaskType) {
		if w, ok := rc.reg.Lookup(cand.ID); ok && agent.CanCompensate(w.Agent) {
			return w.Agent.(agent.Compensator), true
		}
	}
	return nil, false
}
