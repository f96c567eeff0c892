package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/keleshteri/agent-flow-sub000/internal/agent"
	"github.com/keleshteri/agent-flow-sub000/internal/dispatch"
	"github.com/keleshteri/agent-flow-sub000/internal/task"
)

var (
	// ErrAttemptTimeout is recorded when a single attempt exceeds its timeout.
	ErrAttemptTimeout = errors.New("attempt timed out")
	// ErrDeadlineExceeded is recorded when the task's own deadline passes.
	ErrDeadlineExceeded = errors.New("task deadline exceeded")
	// ErrCircuitOpen is recorded when the worker's breaker rejects the attempt.
	ErrCircuitOpen = errors.New("worker circuit open")
	// ErrCancelled is recorded when the caller cancels the task.
	ErrCancelled = errors.New("task cancelled")
)

// Options are the per-run limits.
type Options struct {
	Timeout    time.Duration // per attempt; zero means none
	MaxRetries int           // additional attempts after the first
}

// Observer receives one call per finished attempt.
type Observer interface {
	ObserveAttempt(taskType agent.TaskType, status task.Status, d time.Duration)
}

// Option configures an Executor.
type Option func(*Executor)

func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l.With(zap.String("component", "executor"))
		}
	}
}

func WithRetryConfig(c RetryConfig) Option {
	return func(e *Executor) { e.retry = c }
}

// WithBreakers enables per-worker circuit breaking.
func WithBreakers(b *BreakerRegistry) Option {
	return func(e *Executor) { e.breakers = b }
}

func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		if t != nil {
			e.tracer = t
		}
	}
}

func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// Executor runs a task on a reserved worker with timeout and retry.
type Executor struct {
	retry    RetryConfig
	breakers *BreakerRegistry
	logger   *zap.Logger
	tracer   trace.Tracer
	observer Observer
}

// New creates an Executor with the default retry policy and no breakers.
func New(opts ...Option) *Executor {
	e := &Executor{
		retry:  DefaultRetryConfig(),
		logger: zap.NewNop(),
		tracer: otel.Tracer("github.com/keleshteri/agent-flow-sub000/internal/executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes t on the worker behind h, releasing h exactly once before it
// returns. It always yields one terminal Result with one Attempt per try.
func (e *Executor) Run(ctx context.Context, t *task.Task, h *dispatch.Handle, opts Options) task.Result {
	defer h.Release()

	ctx, span := e.tracer.Start(ctx, "task.run", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.type", string(t.Type)),
		attribute.String("worker.id", h.WorkerID),
	))
	defer span.End()

	log := e.logger.With(
		zap.String("task_id", t.ID),
		zap.String("task_type", string(t.Type)),
		zap.String("worker_id", h.WorkerID))

	res := task.Result{
		TaskID:    t.ID,
		TaskType:  t.Type,
		Status:    task.StatusRunning,
		WorkerID:  h.WorkerID,
		StartedAt: time.Now(),
	}

	if t.Deadline != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadlineCause(ctx, *t.Deadline, ErrDeadlineExceeded)
		defer cancel()
	}

	if !h.Agent.Validate(t.Type, t.Input) {
		now := time.Now()
		res.Attempts = append(res.Attempts, task.Attempt{
			Number:    1,
			Status:    task.StatusFailed,
			Error:     agent.ErrInvalidInput.Error(),
			StartedAt: res.StartedAt,
			EndedAt:   &now,
		})
		e.observe(t.Type, task.StatusFailed, 0)
		log.Warn("task input rejected by worker")
		return e.finish(span, res, task.StatusFailed, agent.ErrInvalidInput)
	}

	maxRetries := max(opts.MaxRetries, 0)
	var last agent.Output

	op := func() error {
		n := len(res.Attempts) + 1
		start := time.Now()
		out, status, err := e.attempt(ctx, t, h, opts.Timeout)
		end := time.Now()

		a := task.Attempt{Number: n, Status: status, StartedAt: start, EndedAt: &end}
		if err != nil {
			a.Error = err.Error()
		} else {
			a.Output = out.Output
			last = out
		}
		res.Attempts = append(res.Attempts, a)
		e.observe(t.Type, status, end.Sub(start))

		if err == nil {
			return nil
		}
		if permanent(status, err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		log.Info("retrying task",
			zap.Int("attempt", len(res.Attempts)),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(op, e.retry.policy(ctx, maxRetries), notify)
	if err == nil {
		res.Output = last.Output
		res.Metadata = last.Metadata
		log.Debug("task completed", zap.Int("attempts", len(res.Attempts)))
		return e.finish(span, res, task.StatusCompleted, nil)
	}

	status := task.StatusFailed
	if ctx.Err() != nil {
		// Cancellation or deadline, possibly during a backoff wait.
		status, err = contextStatus(ctx)
	}

	log.Warn("task failed",
		zap.String("status", status.String()),
		zap.Int("attempts", len(res.Attempts)),
		zap.Error(err))
	return e.finish(span, res, status, err)
}

// attempt runs one Execute call under the attempt timeout and breaker.
func (e *Executor) attempt(ctx context.Context, t *task.Task, h *dispatch.Handle, timeout time.Duration) (agent.Output, task.Status, error) {
	if ctx.Err() != nil {
		status, err := contextStatus(ctx)
		return agent.Output{}, status, err
	}

	actx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		actx, cancel = context.WithTimeoutCause(ctx, timeout, ErrAttemptTimeout)
	}
	defer cancel()

	call := func() (any, error) {
		out, err := execute(actx, h.Agent, t)
		if err == nil {
			err = out.Err()
		}
		if err != nil && ctx.Err() != nil {
			// The caller gave up; keep it off the worker's breaker.
			return out, fmt.Errorf("%w: %w", context.Canceled, err)
		}
		return out, err
	}

	var (
		raw any
		err error
	)
	if cb := e.breakers.Get(h.WorkerID); cb != nil {
		raw, err = cb.Execute(call)
	} else {
		raw, err = call()
	}
	out, _ := raw.(agent.Output)

	if err == nil {
		return out, task.StatusCompleted, nil
	}
	switch {
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		return out, task.StatusFailed, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	case ctx.Err() != nil:
		status, cerr := contextStatus(ctx)
		return out, status, cerr
	case errors.Is(context.Cause(actx), ErrAttemptTimeout):
		return out, task.StatusTimedOut, ErrAttemptTimeout
	}
	return out, task.StatusFailed, err
}

type outcome struct {
	out agent.Output
	err error
}

// execute calls the agent in its own goroutine so an attempt ends on ctx
// expiry even if the agent ignores ctx.
func execute(ctx context.Context, a agent.Agent, t *task.Task) (agent.Output, error) {
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("worker panicked: %v", r)}
			}
		}()
		out, err := a.Execute(ctx, t.Type, t.Input)
		ch <- outcome{out: out, err: err}
	}()

	select {
	case o := <-ch:
		return o.out, o.err
	case <-ctx.Done():
		return agent.Output{}, context.Cause(ctx)
	}
}

func (e *Executor) finish(span trace.Span, res task.Result, status task.Status, err error) task.Result {
	now := time.Now()
	res.Status = status
	res.EndedAt = &now
	if err != nil {
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, status.String())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(
		attribute.String("task.status", status.String()),
		attribute.Int("task.attempts", len(res.Attempts)))
	return res
}

func (e *Executor) observe(taskType agent.TaskType, status task.Status, d time.Duration) {
	if e.observer != nil {
		e.observer.ObserveAttempt(taskType, status, d)
	}
}

// permanent reports whether an attempt outcome must not be retried.
func permanent(status task.Status, err error) bool {
	switch {
	case status == task.StatusCancelled:
		return true
	case errors.Is(err, ErrDeadlineExceeded), errors.Is(err, ErrCircuitOpen):
		return true
	case errors.Is(err, agent.ErrInvalidInput), agent.IsNonRetryable(err):
		return true
	}
	return false
}

// contextStatus maps a done parent context to a task status and error.
func contextStatus(ctx context.Context) (task.Status, error) {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrDeadlineExceeded):
		return task.StatusTimedOut, ErrDeadlineExceeded
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return task.StatusTimedOut, cause
	default:
		if cause == nil || errors.Is(cause, context.Canceled) {
			return task.StatusCancelled, ErrCancelled
		}
		return task.StatusCancelled, fmt.Errorf("%w: %v", ErrCancelled, cause)
	}
}
