package scheduler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/keleshteri/agent-flow-sub000/internal/agent"
	"github.com/keleshteri/agent-flow-sub000/internal/dispatch"
	"github.com/keleshteri/agent-flow-sub000/internal/events"
	"github.com/keleshteri/agent-flow-sub000/internal/executor"
	"github.com/keleshteri/agent-flow-sub000/internal/task"
)

// DependenciesKey is the task context key holding completed dependency outputs.
const DependenciesKey = "dependencies"

// Observer receives scheduler lifecycle notifications.
// Implementations must be safe for concurrent use.
type Observer interface {
	WorkflowStarted()
	DispatchFailed(taskType agent.TaskType)
	StepFinished(taskType agent.TaskType, status StepStatus, d time.Duration)
	WorkflowFinished(status Status, d time.Duration)
	Compensated(ok bool)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l.With(zap.String("component", "scheduler"))
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithPublisher sets where step and workflow progress events go.
func WithPublisher(p events.Publisher) Option {
	return func(s *Scheduler) {
		if p != nil {
			s.pub = p
		}
	}
}

// WithLocks shares a resource lock manager across schedulers.
func WithLocks(l *ResourceLockManager) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.locks = l
		}
	}
}

// WithRollback sets the coordinator used when enable_rollback is on.
func WithRollback(rc *RollbackCoordinator) Option {
	return func(s *Scheduler) { s.rollback = rc }
}

// WithCapacity enables the adaptive strategy's capacity feedback.
func WithCapacity(c Capacity) Option {
	return func(s *Scheduler) { s.capacity = c }
}

// WithAdaptInterval sets how often the adaptive throttle re-reads capacity.
func WithAdaptInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.adaptInterval = d
		}
	}
}

func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// Scheduler drives workflow graphs to completion, dispatching ready steps
// through the policy and running them on the executor.
type Scheduler struct {
	policy        *dispatch.Policy
	exec          *executor.Executor
	locks         *ResourceLockManager
	rollback      *RollbackCoordinator
	capacity      Capacity
	pub           events.Publisher
	observer      Observer
	logger        *zap.Logger
	tracer        trace.Tracer
	adaptInterval time.Duration
}

// New creates a Scheduler.
func New(policy *dispatch.Policy, exec *executor.Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		policy:        policy,
		exec:          exec,
		locks:         NewResourceLockManager(),
		pub:           events.Discard,
		logger:        zap.NewNop(),
		tracer:        otel.Tracer("github.com/keleshteri/agent-flow-sub000/internal/scheduler"),
		adaptInterval: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execution is a running workflow. Its result is written only by the
// scheduler goroutine; readers get snapshots.
type Execution struct {
	mu     sync.RWMutex
	result *WorkflowResult
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Snapshot returns a copy of the current result.
func (e *Execution) Snapshot() *WorkflowResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.result.Clone()
}

// Done is closed once the result is final.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Cancel requests cancellation. It returns false if the workflow had
// already finished.
func (e *Execution) Cancel() bool {
	select {
	case <-e.done:
		return false
	default:
	}
	e.cancel(ErrCancelled)
	return true
}

// Wait blocks until the workflow finishes or ctx is done.
func (e *Execution) Wait(ctx context.Context) (*WorkflowResult, error) {
	select {
	case <-e.done:
		return e.Snapshot(), nil
	case <-ctx.Done():
		return e.Snapshot(), ctx.Err()
	}
}

func (e *Execution) update(fn func(r *WorkflowResult)) *WorkflowResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.result)
	e.result.recount()
	return e.result.Clone()
}

// Start launches g and returns immediately. The workflow stops when ctx is
// cancelled, when Cancel is called or when its global timeout passes.
func (s *Scheduler) Start(ctx context.Context, g *Graph) *Execution {
	ctx, cancel := context.WithCancelCause(ctx)
	ex := &Execution{
		result: NewWorkflowResult(g.Workflow()),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer cancel(nil)
		defer close(ex.done)
		s.run(ctx, g, ex)
	}()
	return ex
}

// Run executes g and blocks until it reaches a terminal status.
func (s *Scheduler) Run(ctx context.Context, g *Graph) *WorkflowResult {
	ex := s.Start(ctx, g)
	<-ex.Done()
	return ex.Snapshot()
}

type stepOutcome struct {
	id     string
	status StepStatus
	result task.Result
	err    error
}

// run is the single writer of all per-workflow state. Step goroutines only
// report outcomes over the completions channel.
type run struct {
	s   *Scheduler
	g   *Graph
	ex  *Execution
	cfg Config
	log *zap.Logger

	status    map[string]StepStatus
	outputs   map[string]any
	inputs    map[string]agent.Input
	completed []Completed

	inFlight    int
	aborted     bool
	abortCause  error
	firstFailed string
	throttle    *throttle
	completions chan stepOutcome
}

func (s *Scheduler) run(ctx context.Context, g *Graph, ex *Execution) {
	cfg := g.Config()
	wf := g.Workflow()
	if cfg.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, cfg.GlobalTimeout, ErrGlobalTimeout)
		defer cancel()
	}

	ctx, span := s.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.String("workflow.strategy", cfg.Strategy.Resolve().String()),
		attribute.Int("workflow.steps", g.Len()),
	))
	defer span.End()

	r := &run{
		s:           s,
		g:           g,
		ex:          ex,
		cfg:         cfg,
		log:         s.logger.With(zap.String("workflow_id", wf.ID)),
		status:      make(map[string]StepStatus, g.Len()),
		outputs:     make(map[string]any, g.Len()),
		inputs:      make(map[string]agent.Input, g.Len()),
		throttle:    newThrottle(cfg, s.capacity),
		completions: make(chan stepOutcome, g.Len()),
	}
	for _, id := range g.Order() {
		r.status[id] = StepPending
	}

	started := time.Now()
	snap := ex.update(func(res *WorkflowResult) {
		res.Status = StatusRunning
		res.StartedAt = &started
	})
	r.publishWorkflow(snap)
	if s.observer != nil {
		s.observer.WorkflowStarted()
	}
	r.log.Info("workflow started",
		zap.String("strategy", cfg.Strategy.Resolve().String()),
		zap.Int("steps", g.Len()))

	var tick <-chan time.Time
	if r.throttle.adaptive {
		ticker := time.NewTicker(s.adaptInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var wg errgroup.Group
	done := ctx.Done()
	for {
		if done != nil && ctx.Err() != nil {
			done = nil
			r.abort(context.Cause(ctx))
		}
		if !r.aborted {
			r.schedule(ctx, &wg)
		}
		if r.inFlight == 0 {
			break
		}
		select {
		case out := <-r.completions:
			r.apply(out)
		case <-done:
			done = nil
			r.abort(context.Cause(ctx))
		case <-tick:
			r.throttle.adjust(r.inFlight)
		}
	}
	_ = wg.Wait()

	r.finish(ctx, span, started)
}

// schedule applies skips until none remain, then launches ready steps up
// to the current concurrency limit.
func (r *run) schedule(ctx context.Context, wg *errgroup.Group) {
	var ready []string
	for {
		rd := r.g.ReadySteps(State{Status: r.status, Outputs: r.outputs})
		if len(rd.Skip) == 0 {
			ready = rd.Ready
			break
		}
		for _, id := range slices.Sorted(maps.Keys(rd.Skip)) {
			r.skip(id, rd.Skip[id])
		}
	}

	limit := r.throttle.adjust(r.inFlight)
	for _, id := range ready {
		if r.inFlight >= limit {
			return
		}
		r.launch(ctx, id, wg)
	}
}

func (r *run) skip(id, reason string) {
	r.status[id] = StepSkipped
	now := time.Now()
	snap := r.ex.update(func(res *WorkflowResult) {
		sr := res.Steps[id]
		sr.Status = StepSkipped
		sr.Reason = reason
		sr.EndedAt = &now
	})
	r.log.Info("step skipped", zap.String("step_id", id), zap.String("reason", reason))
	r.publishStep(snap.Steps[id])
}

func (r *run) launch(ctx context.Context, id string, wg *errgroup.Group) {
	step, _ := r.g.Step(id)
	input := r.inputFor(step)
	r.inputs[id] = input

	t := &task.Task{
		ID:        uuid.NewString(),
		Type:      step.TaskType,
		Priority:  step.Priority,
		Input:     input,
		CreatedAt: time.Now(),
	}

	r.status[id] = StepRunning
	r.inFlight++
	now := time.Now()
	snap := r.ex.update(func(res *WorkflowResult) {
		sr := res.Steps[id]
		sr.Status = StepRunning
		sr.TaskID = t.ID
		sr.StartedAt = &now
	})
	r.log.Debug("step dispatched", zap.String("step_id", id), zap.String("task_id", t.ID))
	r.publishStep(snap.Steps[id])

	wg.Go(func() error {
		r.completions <- r.s.runStep(ctx, r.g.Workflow().ID, step, t)
		return nil
	})
}

// inputFor builds a step's task input, attaching the outputs of completed
// dependencies under DependenciesKey.
func (r *run) inputFor(step *Step) agent.Input {
	c := make(map[string]any, len(step.Context)+1)
	maps.Copy(c, step.Context)
	deps := make(map[string]any)
	for _, dep := range step.Dependencies {
		if r.status[dep.StepID] == StepCompleted {
			deps[dep.StepID] = r.outputs[dep.StepID]
		}
	}
	if len(deps) > 0 {
		c[DependenciesKey] = deps
	}
	return agent.Input{Payload: step.Payload, Context: c}
}

// runStep acquires the step's resources, reserves a worker and executes the
// task. It runs on its own goroutine and touches no shared run state.
func (s *Scheduler) runStep(ctx context.Context, workflowID string, step *Step, t *task.Task) stepOutcome {
	ctx, span := s.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("step.id", step.ID),
		attribute.String("task.type", string(step.TaskType)),
	))
	defer span.End()

	out := stepOutcome{id: step.ID}
	fail := func(status StepStatus, err error) stepOutcome {
		out.status = status
		out.err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, status.String())
		return out
	}

	if len(step.Resources) > 0 {
		if err := s.locks.LockAll(ctx, step.Resources); err != nil {
			return fail(StepCancelled, fmt.Errorf("acquire resources: %w", context.Cause(ctx)))
		}
		defer s.locks.UnlockAll(step.Resources)
	}

	h, err := s.policy.Dispatch(ctx, step.TaskType)
	if err != nil {
		if ctx.Err() != nil {
			return fail(StepCancelled, context.Cause(ctx))
		}
		if s.observer != nil {
			s.observer.DispatchFailed(step.TaskType)
		}
		return fail(StepFailed, err)
	}

	out.result = s.exec.Run(ctx, t, h, executor.Options{Timeout: step.Timeout, MaxRetries: step.Retries()})
	out.status = stepStatusFor(out.result.Status)
	if out.status != StepCompleted && ctx.Err() != nil {
		// The workflow was cancelled or timed out under this step.
		out.status = StepCancelled
	}
	if out.result.Error != "" {
		out.err = errors.New(out.result.Error)
		span.SetStatus(codes.Error, out.status.String())
	}
	return out
}

// apply records one step outcome.
func (r *run) apply(out stepOutcome) {
	r.inFlight--
	step, _ := r.g.Step(out.id)
	r.status[out.id] = out.status

	keepOutput := r.cfg.SaveIntermediateResults || len(r.g.Dependents(out.id)) == 0
	now := time.Now()
	snap := r.ex.update(func(res *WorkflowResult) {
		sr := res.Steps[out.id]
		sr.Status = out.status
		sr.WorkerID = out.result.WorkerID
		sr.EndedAt = &now
		sr.Attempts = out.result.Attempts
		if !r.cfg.SaveIntermediateResults {
			sr.Attempts = stripOutputs(sr.Attempts)
		}
		if out.err != nil {
			sr.Error = out.err.Error()
		}
		if out.status == StepCompleted {
			res.CompletionOrder = append(res.CompletionOrder, out.id)
			if keepOutput {
				sr.Output = out.result.Output
			}
		}
		if out.status == StepCancelled && r.abortCause != nil {
			sr.Reason = "workflow aborted: " + r.abortCause.Error()
		}
	})

	var d time.Duration
	if sr := snap.Steps[out.id]; sr.StartedAt != nil {
		d = now.Sub(*sr.StartedAt)
	}
	if r.s.observer != nil {
		r.s.observer.StepFinished(step.TaskType, out.status, d)
	}

	switch out.status {
	case StepCompleted:
		r.outputs[out.id] = out.result.Output
		r.completed = append(r.completed, Completed{
			StepID:   out.id,
			TaskType: step.TaskType,
			WorkerID: out.result.WorkerID,
			Input:    r.inputs[out.id],
			Output:   out.result.Output,
		})
		r.log.Info("step completed", zap.String("step_id", out.id), zap.Int("attempts", len(out.result.Attempts)))
	case StepFailed:
		r.log.Warn("step failed", zap.String("step_id", out.id), zap.Bool("optional", step.Optional), zap.Error(out.err))
		if !step.Optional {
			if r.firstFailed == "" {
				r.firstFailed = out.id
			}
			if !r.cfg.ContinueOnError {
				r.abort(ErrStepFailed)
			}
		}
	}

	r.publishStep(snap.Steps[out.id])
	r.publishWorkflow(snap)
}

// abort stops further dispatch. In-flight steps drain; when cause comes
// from the context they observe the cancellation themselves.
func (r *run) abort(cause error) {
	if r.aborted {
		return
	}
	if cause == nil {
		cause = context.Canceled
	}
	r.aborted = true
	r.abortCause = cause
	r.log.Warn("workflow aborting", zap.Int("in_flight", r.inFlight), zap.Error(cause))
}

func (r *run) finish(ctx context.Context, span trace.Span, started time.Time) {
	status, reason, errMsg := StatusCompleted, "", ""
	switch {
	case errors.Is(r.abortCause, ErrGlobalTimeout), errors.Is(r.abortCause, context.DeadlineExceeded):
		status, reason, errMsg = StatusFailed, ReasonGlobalTimeout, ErrGlobalTimeout.Error()
	case r.aborted && !errors.Is(r.abortCause, ErrStepFailed):
		status, reason, errMsg = StatusCancelled, ReasonCancelled, ErrCancelled.Error()
	case r.firstFailed != "":
		status, reason = StatusFailed, ReasonStepFailed
		errMsg = fmt.Sprintf("%v: step %q", ErrStepFailed, r.firstFailed)
	}

	var compensations []CompensationRecord
	if r.cfg.EnableRollback && status != StatusCompleted && r.s.rollback != nil && len(r.completed) > 0 {
		compensations = r.s.rollback.Rollback(ctx, r.g.Workflow().ID, r.completed, r.s.pub)
		if r.s.observer != nil {
			for _, c := range compensations {
				r.s.observer.Compensated(c.Compensated)
			}
		}
	}

	now := time.Now()
	snap := r.ex.update(func(res *WorkflowResult) {
		for _, id := range r.g.Order() {
			if sr := res.Steps[id]; sr.Status == StepPending {
				sr.Status = StepCancelled
				sr.Reason = "not started: workflow aborted"
				if r.abortCause != nil {
					sr.Reason += ": " + r.abortCause.Error()
				}
				sr.EndedAt = &now
			}
		}
		res.Status = status
		res.Reason = reason
		res.Error = errMsg
		res.Compensations = compensations
		res.EndedAt = &now
	})

	span.SetAttributes(
		attribute.String("workflow.status", status.String()),
		attribute.Int("workflow.completed", snap.Progress.Completed))
	if status == StatusCompleted {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, reason)
	}
	if r.s.observer != nil {
		r.s.observer.WorkflowFinished(status, now.Sub(started))
	}

	r.log.Info("workflow finished",
		zap.String("status", status.String()),
		zap.String("reason", reason),
		zap.String("progress", snap.Progress.String()),
		zap.Duration("duration", now.Sub(started)))
	r.publishWorkflow(snap)
}

func (r *run) publishStep(sr *StepResult) {
	r.s.pub.Publish(events.TopicStep, events.StepProgressEvent{
		Workflow:  r.g.Workflow().ID,
		StepID:    sr.StepID,
		Status:    sr.Status.String(),
		WorkerID:  sr.WorkerID,
		Attempts:  len(sr.Attempts),
		Error:     sr.Error,
		Timestamp: time.Now(),
	})
}

func (r *run) publishWorkflow(res *WorkflowResult) {
	p := res.Progress
	r.s.pub.Publish(events.TopicWorkflow, events.WorkflowProgressEvent{
		Workflow:  res.WorkflowID,
		Status:    res.Status.String(),
		Reason:    res.Reason,
		Total:     p.Total,
		Completed: p.Completed,
		Failed:    p.Failed,
		Skipped:   p.Skipped,
		Cancelled: p.Cancelled,
		Running:   p.Running,
		Timestamp: time.Now(),
	})
}

func stripOutputs(attempts []task.Attempt) []task.Attempt {
	out := slices.Clone(attempts)
	for i := range out {
		out[i].Output = nil
	}
	return out
}
