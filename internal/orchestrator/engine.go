package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/keleshteri/agent-flow-sub000/internal/config"
	"github.com/keleshteri/agent-flow-sub000/internal/dispatch"
	"github.com/keleshteri/agent-flow-sub000/internal/events"
	"github.com/keleshteri/agent-flow-sub000/internal/executor"
	"github.com/keleshteri/agent-flow-sub000/internal/metrics"
	"github.com/keleshteri/agent-flow-sub000/internal/persistence"
	"github.com/keleshteri/agent-flow-sub000/internal/registry"
	"github.com/keleshteri/agent-flow-sub000/internal/scheduler"
	"github.com/keleshteri/agent-flow-sub000/internal/task"
)

var (
	ErrNotInitialised    = errors.New("engine not initialised")
	ErrShutdown          = errors.New("engine is shut down")
	ErrNotFound          = errors.New("workflow not found")
	ErrDuplicateWorkflow = errors.New("workflow id already in use")
	ErrDuplicateTask     = errors.New("task id already in use")
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Components derive their own from it.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEventBus publishes progress events on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithProgressHandler calls fn for every progress event, in addition to the bus.
// fn runs on the publishing goroutine and must not block.
func WithProgressHandler(fn func(events.Event)) Option {
	return func(e *Engine) { e.handler = fn }
}

// WithStore archives finished results in s. Without it Init opens the store
// named by the configuration.
func WithStore(s persistence.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithMetrics records engine activity on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// Engine is the entry point for submitting, querying and cancelling
// workflows and standalone tasks.
type Engine struct {
	cfg     *config.Config
	logger  *zap.Logger
	tracer  trace.Tracer
	bus     *events.EventBus
	handler func(events.Event)
	store   persistence.Store
	metrics *metrics.Collector

	ownsStore bool
	reg       *registry.Registry
	policy    *dispatch.Policy
	exec      *executor.Executor
	sched     *scheduler.Scheduler
	pub       events.Publisher

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	runs        map[string]*scheduler.Execution
	taskIDs     map[string]struct{}
	initialised bool
	closed      bool
	archive     sync.WaitGroup
}

// New creates an engine. Call Init before submitting work.
func New(cfg *config.Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	e := &Engine{
		cfg:     cfg,
		logger:  zap.NewNop(),
		tracer:  otel.Tracer("github.com/keleshteri/agent-flow-sub000/internal/orchestrator"),
		runs:    make(map[string]*scheduler.Execution),
		taskIDs: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	regOpts := []registry.Option{registry.WithLogger(e.logger)}
	if e.metrics != nil {
		regOpts = append(regOpts, registry.WithLoadObserver(e.metrics.ObserveLoad))
	}
	e.reg = registry.New(regOpts...)
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Registry exposes worker registration after Init.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Init registers workers, opens the result store if none was injected and
// wires the dispatch, execution and scheduling layers.
func (e *Engine) Init(ctx context.Context, workers ...registry.Worker) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrShutdown
	}
	if e.initialised {
		return nil
	}

	if err := e.reg.Init(workers...); err != nil {
		return fmt.Errorf("register workers: %w", err)
	}

	if e.store == nil {
		store, err := persistence.Open(ctx, e.cfg.Store)
		if err != nil {
			return fmt.Errorf("open result store: %w", err)
		}
		e.store = store
		e.ownsStore = true
	}

	var pubs []events.Publisher
	if e.bus != nil {
		pubs = append(pubs, e.bus)
	}
	if e.handler != nil {
		fn := e.handler
		pubs = append(pubs, events.PublisherFunc(func(_ string, ev events.Event) { fn(ev) }))
	}
	e.pub = events.Multi(pubs...)

	e.policy = dispatch.New(e.reg,
		dispatch.WithWait(e.cfg.Engine.DispatchWait),
		dispatch.WithLogger(e.logger))

	execOpts := []executor.Option{
		executor.WithLogger(e.logger),
		executor.WithTracer(e.tracer),
		executor.WithRetryConfig(e.cfg.Retry.Executor()),
		executor.WithBreakers(executor.NewBreakerRegistry(e.cfg.Breaker.Executor(), e.logger)),
	}
	schedOpts := []scheduler.Option{
		scheduler.WithLogger(e.logger),
		scheduler.WithTracer(e.tracer),
		scheduler.WithPublisher(e.pub),
		scheduler.WithLocks(scheduler.NewResourceLockManager()),
		scheduler.WithRollback(scheduler.NewRollbackCoordinator(e.reg, e.cfg.Engine.RollbackTimeout, e.logger)),
		scheduler.WithCapacity(e.reg),
	}
	if e.metrics != nil {
		execOpts = append(execOpts, executor.WithObserver(e.metrics))
		schedOpts = append(schedOpts, scheduler.WithObserver(e.metrics))
	}
	e.exec = executor.New(execOpts...)
	e.sched = scheduler.New(e.policy, e.exec, schedOpts...)

	e.initialised = true
	e.logger.Info("engine initialised",
		zap.Int("workers", e.reg.Len()),
		zap.String("store", e.cfg.Store.Driver))
	return nil
}

func (e *Engine) ready() error {
	if e.closed {
		return ErrShutdown
	}
	if !e.initialised {
		return ErrNotInitialised
	}
	return nil
}

// SubmitWorkflow validates w and starts it, returning its id. Validation
// failures are returned as *scheduler.ValidationError and nothing runs.
// w is not modified.
func (e *Engine) SubmitWorkflow(ctx context.Context, w *scheduler.Workflow) (string, error) {
	wf := e.withDefaults(w)
	g, err := scheduler.Build(wf)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return "", err
	}
	if _, ok := e.runs[wf.ID]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicateWorkflow, wf.ID)
	}

	// Keep the caller's trace but not its cancellation.
	runCtx := trace.ContextWithSpanContext(e.ctx, trace.SpanContextFromContext(ctx))
	ex := e.sched.Start(runCtx, g)
	e.runs[wf.ID] = ex

	e.archive.Add(1)
	go e.finalise(wf.ID, ex)

	e.logger.Info("workflow submitted",
		zap.String("workflow_id", wf.ID),
		zap.String("name", wf.Name),
		zap.Int("steps", len(wf.Steps)))
	return wf.ID, nil
}

// withDefaults copies w and fills in the id and engine-wide defaults.
func (e *Engine) withDefaults(w *scheduler.Workflow) *scheduler.Workflow {
	wf := *w
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.Config.MaxParallelSteps <= 0 {
		wf.Config.MaxParallelSteps = e.cfg.Engine.MaxParallelSteps
	}
	if wf.Config.Strategy == scheduler.StrategyUnset {
		wf.Config.Strategy = e.cfg.Engine.DefaultStrategy
	}
	wf.Steps = make([]scheduler.Step, len(w.Steps))
	copy(wf.Steps, w.Steps)
	for i := range wf.Steps {
		if wf.Steps[i].Timeout <= 0 {
			wf.Steps[i].Timeout = e.cfg.Engine.StepTimeout
		}
	}
	return &wf
}

// finalise archives a workflow once it ends and schedules its eviction.
func (e *Engine) finalise(id string, ex *scheduler.Execution) {
	defer e.archive.Done()
	<-ex.Done()

	res := ex.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.SaveWorkflow(ctx, res); err != nil {
		e.logger.Error("failed to archive workflow result",
			zap.String("workflow_id", id), zap.Error(err))
	}

	if d := e.cfg.Engine.RetainFinished; d > 0 {
		time.AfterFunc(d, func() { e.evict(id, ex) })
	}
}

func (e *Engine) evict(id string, ex *scheduler.Execution) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runs[id] == ex {
		delete(e.runs, id)
	}
}

func (e *Engine) lookup(id string) (*scheduler.Execution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ex, ok := e.runs[id]
	return ex, ok
}

// GetWorkflowStatus returns a snapshot of the workflow, falling back to the
// result store once it has been evicted from memory.
func (e *Engine) GetWorkflowStatus(ctx context.Context, id string) (*scheduler.WorkflowResult, error) {
	if ex, ok := e.lookup(id); ok {
		return ex.Snapshot(), nil
	}
	if e.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	res, err := e.store.GetWorkflow(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return res, err
}

// CancelWorkflow cancels a running workflow. It reports false when the
// workflow is unknown or already finished.
func (e *Engine) CancelWorkflow(id string) bool {
	ex, ok := e.lookup(id)
	if !ok {
		return false
	}
	if ex.Cancel() {
		e.logger.Info("workflow cancel requested", zap.String("workflow_id", id))
		return true
	}
	return false
}

// Wait blocks until the workflow ends or ctx is done. A workflow that hit
// its global timeout returns its result together with
// scheduler.ErrGlobalTimeout.
func (e *Engine) Wait(ctx context.Context, id string) (*scheduler.WorkflowResult, error) {
	var res *scheduler.WorkflowResult
	if ex, ok := e.lookup(id); ok {
		r, err := ex.Wait(ctx)
		if err != nil {
			return nil, err
		}
		res = r
	} else {
		r, err := e.GetWorkflowStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		res = r
	}
	if res.Reason == scheduler.ReasonGlobalTimeout {
		return res, scheduler.ErrGlobalTimeout
	}
	return res, nil
}

// ListWorkflows returns in-memory and archived workflows, newest first.
func (e *Engine) ListWorkflows(ctx context.Context, limit int) ([]persistence.WorkflowSummary, error) {
	seen := make(map[string]struct{})
	var out []persistence.WorkflowSummary

	e.mu.RLock()
	for id, ex := range e.runs {
		seen[id] = struct{}{}
		out = append(out, persistence.Summarize(ex.Snapshot()))
	}
	e.mu.RUnlock()

	if e.store != nil {
		stored, err := e.store.ListWorkflows(ctx, limit)
		if err != nil {
			return nil, err
		}
		for _, s := range stored {
			if _, ok := seen[s.ID]; !ok {
				out = append(out, s)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.After(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SubmitTask runs a single task outside any workflow and blocks until it
// ends. Dispatch failures are reported in the result, not as an error. A
// task id may be submitted once per engine.
func (e *Engine) SubmitTask(ctx context.Context, t *task.Task) (*task.Result, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	e.mu.Lock()
	err := e.ready()
	if err == nil {
		if _, seen := e.taskIDs[t.ID]; seen {
			err = fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		} else {
			e.taskIDs[t.ID] = struct{}{}
		}
	}
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var res task.Result
	h, err := e.policy.Dispatch(ctx, t.Type)
	if err != nil {
		now := time.Now()
		res = task.Result{
			TaskID:    t.ID,
			TaskType:  t.Type,
			Status:    task.StatusFailed,
			Error:     err.Error(),
			StartedAt: now,
			EndedAt:   &now,
		}
		if e.metrics != nil {
			e.metrics.DispatchFailed(t.Type)
		}
	} else {
		res = e.exec.Run(ctx, t, h, executor.Options{
			Timeout:    e.cfg.Engine.StepTimeout,
			MaxRetries: scheduler.DefaultMaxRetries,
		})
	}

	e.pub.Publish(events.TopicTask, events.TaskFinishedEvent{
		TaskID:    res.TaskID,
		TaskType:  string(res.TaskType),
		Status:    res.Status.String(),
		WorkerID:  res.WorkerID,
		Duration:  res.Duration(),
		Error:     res.Error,
		Timestamp: time.Now(),
	})

	if err := e.store.SaveTask(context.WithoutCancel(ctx), &res); err != nil {
		e.logger.Error("failed to archive task result",
			zap.String("task_id", res.TaskID), zap.Error(err))
	}
	return &res, nil
}

// GetTask returns an archived standalone task result.
func (e *Engine) GetTask(ctx context.Context, id string) (*task.Result, error) {
	if e.store == nil {
		return nil, ErrNotInitialised
	}
	res, err := e.store.GetTask(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return res, err
}

// Shutdown cancels every running workflow, waits for them to finish
// (including rollback) until ctx is done, then releases the registry and
// any store the engine opened.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	running := 0
	for _, ex := range e.runs {
		if ex.Cancel() {
			running++
		}
	}
	e.mu.Unlock()

	e.logger.Info("engine shutting down", zap.Int("cancelled", running))
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.archive.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown: %w", context.Cause(ctx))
	}

	e.reg.Shutdown()
	if e.ownsStore && e.store != nil {
		if cerr := e.store.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}
