package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/keleshteri/agent-flow-sub000/internal/agent"
	"github.com/keleshteri/agent-flow-sub000/internal/dispatch"
	"github.com/keleshteri/agent-flow-sub000/internal/events"
	"github.com/keleshteri/agent-flow-sub000/internal/executor"
	"github.com/keleshteri/agent-flow-sub000/internal/registry"
)

// gauge tracks the peak number of concurrent executions.
type gauge struct {
	cur, peak atomic.Int32
}

func (g *gauge) enter() {
	n := g.cur.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (g *gauge) exit() { g.cur.Add(-1) }

// scripted behaves by task type: "work" echoes the payload, "fail" errors,
// "slow" sleeps for the payload duration unless cancelled.
func scripted(g *gauge) *agent.FuncAgent {
	return &agent.FuncAgent{ExecuteFunc: func(ctx context.Context, tt agent.TaskType, in agent.Input) (agent.Output, error) {
		if g != nil {
			g.enter()
			defer g.exit()
		}
		switch tt {
		case "fail":
			return agent.Output{}, errors.New("boom")
		case "slow":
			d, _ := in.Payload.(time.Duration)
			select {
			case <-time.After(d):
				return agent.Output{Success: true, Output: "slept"}, nil
			case <-ctx.Done():
				return agent.Output{}, ctx.Err()
			}
		}
		return agent.Output{Success: true, Output: in.Payload}, nil
	}}
}

type harness struct {
	reg   *registry.Registry
	sched *Scheduler

	mu     sync.Mutex
	events []events.Event
}

func newHarness(t *testing.T, a agent.Agent, opts ...Option) *harness {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Worker{
		ID:                 "w1",
		Capabilities:       []agent.TaskType{"work", "fail", "slow"},
		MaxConcurrentTasks: 16,
		Agent:              a,
	}))

	h := &harness{reg: reg}
	exec := executor.New(executor.WithRetryConfig(executor.RetryConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}))
	base := []Option{
		WithPublisher(events.PublisherFunc(h.record)),
		WithRollback(NewRollbackCoordinator(reg, time.Second, nil)),
		WithCapacity(reg),
		WithAdaptInterval(5 * time.Millisecond),
	}
	h.sched = New(dispatch.New(reg), exec, append(base, opts...)...)
	return h
}

func (h *harness) record(_ string, e events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, e)
}

func (h *harness) recorded() []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]events.Event(nil), h.events...)
}

func (h *harness) run(t *testing.T, wf *Workflow) *WorkflowResult {
	t.Helper()
	g, err := Build(wf)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.sched.Run(ctx, g)
}

func typed(id string, tt agent.TaskType, payload any, deps ...StepDependency) Step {
	return Step{ID: id, TaskType: tt, Payload: payload, Dependencies: deps}
}

func noRetries(s Step) Step {
	zero := 0
	s.MaxRetries = &zero
	return s
}

func TestRun_LinearWorkflowPassesDependencyOutputs(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = map[string]any{}
	)
	a := &agent.FuncAgent{ExecuteFunc: func(ctx context.Context, tt agent.TaskType, in agent.Input) (agent.Output, error) {
		mu.Lock()
		seen[fmt.Sprint(in.Payload)] = in.Context[DependenciesKey]
		mu.Unlock()
		return agent.Output{Success: true, Output: fmt.Sprintf("out-%v", in.Payload)}, nil
	}}
	h := newHarness(t, a)

	res := h.run(t, workflow(
		typed("a", "work", "A"),
		typed("b", "work", "B", blocking("a")),
	))

	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, []string{"a", "b"}, res.CompletionOrder)
	assert.Equal(t, "out-B", res.Steps["b"].Output)
	assert.Equal(t, "w1", res.Steps["b"].WorkerID)
	assert.Equal(t, Progress{Total: 2, Completed: 2}, res.Progress)

	mu.Lock()
	defer mu.Unlock()
	assert.Nil(t, seen["A"])
	assert.Equal(t, map[string]any{"a": "out-A"}, seen["B"])
}

func TestRun_RespectsMaxParallelSteps(t *testing.T) {
	var g gauge
	a := &agent.FuncAgent{ExecuteFunc: func(ctx context.Context, tt agent.TaskType, in agent.Input) (agent.Output, error) {
		g.enter()
		defer g.exit()
		time.Sleep(15 * time.Millisecond)
		return agent.Output{Success: true}, nil
	}}
	h := newHarness(t, a)

	wf := &Workflow{ID: "wf", Config: Config{MaxParallelSteps: 2}}
	for i := range 6 {
		wf.Steps = append(wf.Steps, step(fmt.Sprintf("s%d", i)))
	}
	res := h.run(t, wf)

	require.Equal(t, StatusCompleted, res.Status)
	assert.Len(t, res.CompletionOrder, 6)
	assert.Equal(t, int32(2), g.peak.Load())
}

func TestRun_SequentialRunsOneAtATimeInOrder(t *testing.T) {
	var g gauge
	h := newHarness(t, scripted(&g))

	wf := &Workflow{ID: "wf", Config: Config{Strategy: StrategySequential, MaxParallelSteps: 8}}
	for i := range 4 {
		wf.Steps = append(wf.Steps, typed(fmt.Sprintf("s%d", i), "slow", 2*time.Millisecond))
	}
	res := h.run(t, wf)

	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int32(1), g.peak.Load())
	assert.Equal(t, []string{"s0", "s1", "s2", "s3"}, res.CompletionOrder)
}

func TestRun_NonBlockingDependencyDoesNotGate(t *testing.T) {
	h := newHarness(t, scripted(nil))

	res := h.run(t, workflow(
		typed("a", "slow", 60*time.Millisecond),
		typed("b", "work", "B", StepDependency{StepID: "a", Type: DependencyNonBlocking}),
	))

	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, []string{"b", "a"}, res.CompletionOrder)
}

func TestRun_StepFailureDrainsInFlight(t *testing.T) {
	h := newHarness(t, scripted(nil))

	res := h.run(t, workflow(
		noRetries(typed("a", "fail", nil)),
		typed("b", "slow", 40*time.Millisecond),
		typed("c", "work", nil, blocking("b")),
	))

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonStepFailed, res.Reason)
	assert.Contains(t, res.Error, `"a"`)
	assert.Equal(t, StepFailed, res.Steps["a"].Status)
	assert.Contains(t, res.Steps["a"].Error, "boom")
	assert.Equal(t, StepCompleted, res.Steps["b"].Status, "in-flight step drains")
	assert.Equal(t, StepCancelled, res.Steps["c"].Status)
	assert.Contains(t, res.Steps["c"].Reason, "aborted")
}

func TestRun_ContinueOnErrorSkipsDependents(t *testing.T) {
	h := newHarness(t, scripted(nil))

	wf := workflow(
		noRetries(typed("a", "fail", nil)),
		typed("b", "work", nil, blocking("a")),
		typed("c", "work", nil, blocking("b")),
		typed("d", "work", "D"),
	)
	wf.Config.ContinueOnError = true
	res := h.run(t, wf)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonStepFailed, res.Reason)
	assert.Equal(t, StepSkipped, res.Steps["b"].Status)
	assert.Equal(t, StepSkipped, res.Steps["c"].Status)
	assert.Equal(t, StepCompleted, res.Steps["d"].Status)
	assert.Equal(t, Progress{Total: 4, Completed: 1, Failed: 1, Skipped: 2}, res.Progress)
}

func TestRun_OptionalFailureDoesNotFailWorkflow(t *testing.T) {
	h := newHarness(t, scripted(nil))

	opt := noRetries(typed("a", "fail", nil))
	opt.Optional = true
	res := h.run(t, workflow(
		opt,
		typed("b", "work", nil, blocking("a")),
		typed("c", "work", nil),
	))

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, StepFailed, res.Steps["a"].Status)
	assert.Equal(t, StepSkipped, res.Steps["b"].Status)
	assert.Equal(t, StepCompleted, res.Steps["c"].Status)
}

func TestRun_RetryExhaustion(t *testing.T) {
	var calls atomic.Int32
	a := &agent.FuncAgent{ExecuteFunc: func(ctx context.Context, tt agent.TaskType, in agent.Input) (agent.Output, error) {
		calls.Add(1)
		return agent.Output{Success: false, Error: "transient"}, nil
	}}
	h := newHarness(t, a)

	retries := 2
	s := step("a")
	s.MaxRetries = &retries
	res := h.run(t, workflow(s))

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, res.Steps["a"].Attempts, 3)
	assert.Contains(t, res.Steps["a"].Error, "transient")
}

func TestRun_DefaultRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	a := &agent.FuncAgent{ExecuteFunc: func(ctx context.Context, tt agent.TaskType, in agent.Input) (agent.Output, error) {
		calls.Add(1)
		return agent.Output{}, errors.New("flaky")
	}}
	h := newHarness(t, a)

	h.run(t, workflow(step("a")))
	assert.Equal(t, int32(1+DefaultMaxRetries), calls.Load())
}

func TestRun_NoWorkerAvailableFailsStep(t *testing.T) {
	h := newHarness(t, scripted(nil))

	res := h.run(t, workflow(typed("a", "translate", nil)))

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, StepFailed, res.Steps["a"].Status)
	assert.Contains(t, res.Steps["a"].Error, "no worker available")
	assert.Empty(t, res.Steps["a"].Attempts)
}

func compensatingAgent(mu *sync.Mutex, order *[]string, failOn string) *agent.FuncAgent {
	a := scripted(nil)
	a.CompensateFunc = func(ctx context.Context, tt agent.TaskType, in agent.Input, output any) error {
		mu.Lock()
		defer mu.Unlock()
		*order = append(*order, fmt.Sprint(output))
		if fmt.Sprint(output) == failOn {
			return errors.New("cannot undo")
		}
		return nil
	}
	return a
}

func TestRun_RollbackInReverseCompletionOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	h := newHarness(t, compensatingAgent(&mu, &order, "B"))

	wf := workflow(
		typed("a", "work", "A"),
		typed("b", "work", "B", blocking("a")),
		noRetries(typed("c", "fail", nil, blocking("b"))),
	)
	wf.Config.EnableRollback = true
	res := h.run(t, wf)

	require.Equal(t, StatusFailed, res.Status)
	mu.Lock()
	assert.Equal(t, []string{"B", "A"}, order)
	mu.Unlock()

	require.Len(t, res.Compensations, 2)
	assert.Equal(t, "b", res.Compensations[0].StepID)
	assert.False(t, res.Compensations[0].Compensated, "failure is recorded and the walk continues")
	assert.Contains(t, res.Compensations[0].Error, "cannot undo")
	assert.Equal(t, CompensationRecord{StepID: "a", Compensated: true}, res.Compensations[1])

	var compensated int
	for _, e := range h.recorded() {
		if _, ok := e.(events.CompensationEvent); ok {
			compensated++
		}
	}
	assert.Equal(t, 2, compensated)
}

func TestRun_RollbackWithoutCompensator(t *testing.T) {
	h := newHarness(t, scripted(nil))

	wf := workflow(
		typed("a", "work", "A"),
		noRetries(typed("b", "fail", nil, blocking("a"))),
	)
	wf.Config.EnableRollback = true
	res := h.run(t, wf)

	require.Len(t, res.Compensations, 1)
	assert.False(t, res.Compensations[0].Compensated)
	assert.Contains(t, res.Compensations[0].Error, ErrNoCompensator.Error())
}

func TestRun_NoRollbackWhenDisabledOrCompleted(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	h := newHarness(t, compensatingAgent(&mu, &order, ""))

	res := h.run(t, workflow(
		typed("a", "work", "A"),
		noRetries(typed("b", "fail", nil, blocking("a"))),
	))
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, res.Compensations)

	wf := workflow(typed("a", "work", "A"))
	wf.Config.EnableRollback = true
	res = h.run(t, wf)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Empty(t, res.Compensations)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, order)
}

func TestRun_GlobalTimeout(t *testing.T) {
	h := newHarness(t, scripted(nil))

	wf := workflow(
		typed("a", "slow", 5*time.Second),
		typed("b", "work", nil, blocking("a")),
	)
	wf.Config.GlobalTimeout = 30 * time.Millisecond
	start := time.Now()
	res := h.run(t, wf)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ReasonGlobalTimeout, res.Reason)
	assert.Equal(t, StepCancelled, res.Steps["a"].Status)
	assert.Equal(t, StepCancelled, res.Steps["b"].Status)
}

func TestExecution_CancelRollsBack(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	h := newHarness(t, compensatingAgent(&mu, &order, ""))

	wf := workflow(
		typed("z", "work", "Z"),
		typed("a", "slow", 5*time.Second, blocking("z")),
	)
	wf.Config.EnableRollback = true
	g, err := Build(wf)
	require.NoError(t, err)

	ex := h.sched.Start(context.Background(), g)
	require.Eventually(t, func() bool {
		return ex.Snapshot().Steps["a"].Status == StepRunning
	}, 2*time.Second, time.Millisecond)

	assert.True(t, ex.Cancel())
	res, err := ex.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.Equal(t, StepCompleted, res.Steps["z"].Status)
	assert.Equal(t, StepCancelled, res.Steps["a"].Status)
	assert.Equal(t, []CompensationRecord{{StepID: "z", Compensated: true}}, res.Compensations)
	assert.False(t, ex.Cancel(), "cancel after finish is a no-op")
}

func TestRun_ConditionalDependency(t *testing.T) {
	cond := StepDependency{
		StepID:    "check",
		Type:      DependencyConditional,
		Condition: &Predicate{Field: "ok", Operator: OpEq, Value: true},
	}

	for _, ok := range []bool{true, false} {
		t.Run(fmt.Sprint(ok), func(t *testing.T) {
			h := newHarness(t, scripted(nil))
			wf := workflow(
				typed("check", "work", map[string]any{"ok": ok}),
				typed("deploy", "work", nil, cond),
				typed("notify", "work", nil, blocking("deploy")),
			)
			wf.Config.Strategy = StrategyConditional
			res := h.run(t, wf)

			assert.Equal(t, StatusCompleted, res.Status)
			want := StepSkipped
			if ok {
				want = StepCompleted
			}
			assert.Equal(t, want, res.Steps["deploy"].Status)
			assert.Equal(t, want, res.Steps["notify"].Status)
			if !ok {
				assert.Contains(t, res.Steps["deploy"].Reason, "not satisfied")
			}
		})
	}
}

func TestRun_ExclusiveResources(t *testing.T) {
	var g gauge
	h := newHarness(t, scripted(&g))

	a := typed("a", "slow", 15*time.Millisecond)
	b := typed("b", "slow", 15*time.Millisecond)
	a.Resources = []string{"db"}
	b.Resources = []string{"db", "cache"}
	res := h.run(t, workflow(a, b))

	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int32(1), g.peak.Load())
}

func TestRun_IntermediateResults(t *testing.T) {
	build := func(save bool) *Workflow {
		wf := workflow(
			typed("a", "work", "A"),
			typed("b", "work", "B", blocking("a")),
		)
		wf.Config.SaveIntermediateResults = save
		return wf
	}

	h := newHarness(t, scripted(nil))
	res := h.run(t, build(false))
	assert.Nil(t, res.Steps["a"].Output)
	assert.Nil(t, res.Steps["a"].Attempts[0].Output)
	assert.Equal(t, "B", res.Steps["b"].Output)

	res = h.run(t, build(true))
	assert.Equal(t, "A", res.Steps["a"].Output)
	assert.Equal(t, "A", res.Steps["a"].Attempts[0].Output)
}

func TestRun_AdaptiveStaysWithinCap(t *testing.T) {
	var g gauge
	h := newHarness(t, scripted(&g))

	wf := &Workflow{ID: "wf", Config: Config{Strategy: StrategyAdaptive, MaxParallelSteps: 3}}
	for i := range 8 {
		wf.Steps = append(wf.Steps, typed(fmt.Sprintf("s%d", i), "slow", 5*time.Millisecond))
	}
	res := h.run(t, wf)

	require.Equal(t, StatusCompleted, res.Status)
	assert.LessOrEqual(t, g.peak.Load(), int32(3))
	assert.GreaterOrEqual(t, g.peak.Load(), int32(1))
}

func TestRun_PublishesProgress(t *testing.T) {
	h := newHarness(t, scripted(nil))
	h.run(t, workflow(typed("a", "work", nil), typed("b", "work", nil, blocking("a"))))

	var steps []string
	var last events.WorkflowProgressEvent
	for _, e := range h.recorded() {
		switch ev := e.(type) {
		case events.StepProgressEvent:
			assert.Equal(t, "wf", ev.WorkflowID())
			steps = append(steps, ev.StepID+":"+ev.Status)
		case events.WorkflowProgressEvent:
			last = ev
		}
	}
	assert.Equal(t, []string{"a:running", "a:completed", "b:running", "b:completed"}, steps)
	assert.Equal(t, "completed", last.Status)
	assert.Equal(t, 2, last.Completed)
	assert.Equal(t, 0, last.Pending())
}

type countingObserver struct {
	mu         sync.Mutex
	started    int
	steps      map[StepStatus]int
	finished   []Status
	dispatches int
}

func (o *countingObserver) WorkflowStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *countingObserver) DispatchFailed(agent.TaskType) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dispatches++
}

func (o *countingObserver) StepFinished(_ agent.TaskType, s StepStatus, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps[s]++
}

func (o *countingObserver) WorkflowFinished(s Status, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, s)
}

func (o *countingObserver) Compensated(bool) {}

func TestRun_ObserverAndSpans(t *testing.T) {
	obs := &countingObserver{steps: map[StepStatus]int{}}
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	h := newHarness(t, scripted(nil), WithObserver(obs), WithTracer(tp.Tracer("test")))

	wf := workflow(typed("a", "work", nil), typed("b", "translate", nil))
	wf.Config.ContinueOnError = true
	h.run(t, wf)

	obs.mu.Lock()
	assert.Equal(t, 1, obs.started)
	assert.Equal(t, 1, obs.dispatches)
	assert.Equal(t, 1, obs.steps[StepCompleted])
	assert.Equal(t, 1, obs.steps[StepFailed])
	assert.Equal(t, []Status{StatusFailed}, obs.finished)
	obs.mu.Unlock()

	names := map[string]int{}
	for _, s := range sr.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 1, names["workflow.run"])
	assert.Equal(t, 2, names["workflow.step"])
}

type fakeCapacity struct {
	idle  float64
	total int
}

func (f *fakeCapacity) IdleFraction() float64 { return f.idle }
func (f *fakeCapacity) Capacity() int         { return f.total }

func TestThrottle_AdditiveAdjustWithinBounds(t *testing.T) {
	capacity := &fakeCapacity{idle: 1, total: 8}
	th := newThrottle(Config{Strategy: StrategyAdaptive, MaxParallelSteps: 4}, capacity)
	assert.Equal(t, 4, th.limit)

	capacity.idle = 0.25
	assert.Equal(t, 3, th.adjust(0))
	assert.Equal(t, 2, th.adjust(0))
	assert.Equal(t, 1, th.adjust(0))

	capacity.idle = 0
	assert.Equal(t, 1, th.adjust(0), "never below one")

	capacity.idle = 1
	for range 10 {
		th.adjust(0)
	}
	assert.Equal(t, 4, th.adjust(0), "never above the cap")
}

func TestThrottle_OwnInFlightCountsAsUsable(t *testing.T) {
	// Two of four slots busy with this workflow's own steps.
	capacity := &fakeCapacity{idle: 0.5, total: 4}
	th := newThrottle(Config{Strategy: StrategyAdaptive, MaxParallelSteps: 4}, capacity)
	assert.Equal(t, 2, th.limit)

	assert.Equal(t, 3, th.adjust(2))
	assert.Equal(t, 4, th.adjust(2))
}

func TestThrottle_FixedStrategies(t *testing.T) {
	th := newThrottle(Config{MaxParallelSteps: 3}, &fakeCapacity{total: 1})
	assert.Equal(t, 3, th.adjust(0))

	th = newThrottle(Config{Strategy: StrategySequential, MaxParallelSteps: 3}, nil)
	assert.Equal(t, 1, th.adjust(0))

	th = newThrottle(Config{}, nil)
	assert.Equal(t, 1, th.adjust(0))
}
