package executor

import (
	"context"
	"errors"
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
	"github.com/keleshteri/agent-flow-sub000/internal/registry"
	"github.com/keleshteri/agent-flow-sub000/internal/task"
)

func fastRetry() RetryConfig {
	return RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 4 * time.Millisecond, Multiplier: 2}
}

type fixture struct {
	reg    *registry.Registry
	policy *dispatch.Policy
}

func newFixture(t *testing.T, a agent.Agent) *fixture {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Register(registry.Worker{
		ID:                 "w1",
		Capabilities:       []agent.TaskType{"work"},
		MaxConcurrentTasks: 2,
		Agent:              a,
	}))
	return &fixture{reg: reg, policy: dispatch.New(reg)}
}

func (f *fixture) handle(t *testing.T) *dispatch.Handle {
	t.Helper()
	h, err := f.policy.Dispatch(context.Background(), "work")
	require.NoError(t, err)
	return h
}

func (f *fixture) load(t *testing.T) int {
	t.Helper()
	l, err := f.reg.Load("w1")
	require.NoError(t, err)
	return l
}

func newTask() *task.Task {
	return task.New("work", agent.Input{Payload: "p"})
}

func TestRun_SuccessFirstAttempt(t *testing.T) {
	f := newFixture(t, &agent.FuncAgent{ExecuteFunc: func(ctx context.Context, tt agent.TaskType, in agent.Input) (agent.Output, error) {
		return agent.Output{Success: true, Output: "done", Metadata: map[string]any{"m": 1}}, nil
	}})
	ex := New(WithRetryConfig(fastRetry()))

	res := ex.Run(context.Background(), newTask(), f.handle(t), Options{MaxRetries: 2})

	assert.Equal(t, task.StatusCompleted, res.Status)
	assert.Equal(t, "done", res.Output)
	assert.Equal(t, 1, res.Metadata["m"])
	assert.Equal(t, "w1", res.WorkerID)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, task.StatusCompleted, res.Attempts[0].Status)
	require.NotNil(t, res.EndedAt)
	assert.Equal(t, 0, f.load(t))
}

func TestRun_TransientThenSuccess(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, &agent.FuncAgent{ExecuteFunc: func(ctx context.Context, tt agent.TaskType, in agent.Input) (agent.Output, error) {
		if calls.Add(1) == 1 {
			return agent.Output{}, errors.New("flaky")
		}
		return agent.Output{Success: true, Output: 42}, nil
	}})
	ex := New(WithRetryConfig(fastRetry()))

	res := ex.Run(context.Background(), newTask(), f.handle(t), Options{MaxRetries: 3})

	assert.Equal(t, task.StatusCompleted, res.Status)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, task.StatusFailed, res.Attempts[0].Status)
	assert.Equal(t, "flaky", res.Attempts[0].Error)
	assert.Equal(t, 2, res.Attempts[1].Number)
}

func TestRun_RetryExhaustion(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
	}{
		{"no retries", 0},
		{"one retry", 1},
		{"three retries", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			f := newFixture(t, &agent.FuncAgent{ExecuteFunc: func(ctx context.Context, _ agent.TaskType, _ agent.Input) (agent.Output, error) {
				calls.Add(1)
				return agent.Output{Success: false, Error: "nope"}, nil
			}})
			ex := New(WithRetryConfig(fastRetry()))

			res := ex.Run(context.Background(), newTask(), f.handle(t), Options{MaxRetries: tt.maxRetries})

			assert.Equal(t, task.StatusFailed, res.Status)
			assert.Len(t, res.Attempts, tt.maxRetries+1)
			assert.EqualValues(t, tt.maxRetries+1, calls.Load())
			assert.Equal(t, "nope", res.Error)
			assert.Equal(t, 0, f.load(t))
		})
	}
}

func TestRun_NonRetryableStopsImmediately(t *testing.T) {
	no := false
	tests := []struct {
		name string
		fn   func() (agent.Output, error)
	}{
		{"marked error", func() (agent.Output, error) {
			return agent.Output{}, agent.NonRetryable(errors.New("malformed"))
		}},
		{"worker reported", func() (agent.Output, error) {
			return agent.Output{Success: false, Error: "malformed", Retryable: &no}, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &agent.FuncAgent{ExecuteFunc: func(context.Context, agent.TaskType, agent.Input) (agent.Output, error) {
				return tt.fn()
			}})
			res := New(WithRetryConfig(fastRetry())).Run(context.Background(), newTask(), f.handle(t), Options{MaxRetries: 5})

			assert.Equal(t, task.StatusFailed, res.Status)
			assert.Len(t, res.Attempts, 1)
			assert.Contains(t, res.Error, "malformed")
		})
	}
}

func TestRun_ValidationFailureNeverExecutes(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, &agent.FuncAgent{
		ValidateFunc: func(agent.TaskType, agent.Input) bool { return false },
		ExecuteFunc: func(context.Context, agent.TaskType, agent.Input) (agent.Output, error) {
			calls.Add(1)
			return agent.Output{Success: true}, nil
		},
	})

	res := New(WithRetryConfig(fastRetry())).Run(context.Background(), newTask(), f.handle(t), Options{MaxRetries: 3})

	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Len(t, res.Attempts, 1)
	assert.Zero(t, calls.Load())
	assert.Equal(t, agent.ErrInvalidInput.Error(), res.Error)
	assert.Equal(t, 0, f.load(t))
}

func TestRun_AttemptTimeoutIsRetried(t *testing.T) {
	f := newFixture(t, &agent.FuncAgent{ExecuteFunc: func(ctx context.Context, _ agent.TaskType, _ agent.Input) (agent.Output, error) {
		<-ctx.Done()
		return agent.Output{}, ctx.Err()
	}})

	res := New(WithRetryConfig(fastRetry())).Run(context.Background(), newTask(), f.handle(t), Options{Timeout: 20 * time.Millisecond, MaxRetries: 1})

	assert.Equal(t, task.StatusFailed, res.Status, "retries exhausted")
	require.Len(t, res.Attempts, 2)
	for _, a := range res.Attempts {
		assert.Equal(t, task.StatusTimedOut, a.Status)
		assert.Equal(t, ErrAttemptTimeout.Error(), a.Error)
	}
}

func TestRun_TimeoutEnforcedWhenAgentIgnoresContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	f := newFixture(t, &agent.FuncAgent{ExecuteFunc: func(context.Context, agent.TaskType, agent.Input) (agent.Output, error) {
		<-release
		return agent.Output{Success: true}, nil
	}})

	start := time.Now()
	res := New(WithRetryConfig(fastRetry())).Run(context.Background(), newTask(), f.handle(t), Options{Timeout: 20 * time.Millisecond})

	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, task.StatusTimedOut, res.Attempts[0].Status)
	assert.Equal(t, 0, f.load(t))
}

func TestRun_CancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	f := newFixture(t, &agent.FuncAgent{ExecuteFunc: func(ctx context.Context, _ agent.TaskType, _ agent.Input) (agent.Output, error) {
		calls.Add(1)
		cancel()
		<-ctx.Done()
		return agent.Output{}, ctx.Err()
	}})

	res := New(WithRetryConfig(fastRetry())).Run(ctx, newTask(), f.handle(t), Options{MaxRetries: 5})

	assert.Equal(t, task.StatusCancelled, res.Status)
	assert.EqualValues(t, 1, calls.Load())
	assert.Len(t, res.Attempts, 1)
	assert.Equal(t, 0, f.load(t))
}

func TestRun_CancelCauseIsRecorded(t *testing.T) {
	cause := errors.New("workflow aborted")
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cause)
	f := newFixture(t, &agent.FuncAgent{})

	res := New().Run(ctx, newTask(), f.handle(t), Options{})

	assert.Equal(t, task.StatusCancelled, res.Status)
	assert.Contains(t, res.Error, "workflow aborted")
}

func TestRun_TaskDeadline(t *testing.T) {
	f := newFixture(t, &agent.FuncAgent{ExecuteFunc: func(ctx context.Context, _ agent.TaskType, _ agent.Input) (agent.Output, error) {
		<-ctx.Done()
		return agent.Output{}, ctx.Err()
	}})
	tk := newTask()
	deadline := time.Now().Add(30 * time.Millisecond)
	tk.Deadline = &deadline

	res := New(WithRetryConfig(fastRetry())).Run(context.Background(), tk, f.handle(t), Options{MaxRetries: 5})

	assert.Equal(t, task.StatusTimedOut, res.Status)
	assert.Len(t, res.Attempts, 1, "deadline is not retried")
	assert.Equal(t, ErrDeadlineExceeded.Error(), res.Error)
}

func TestRun_PanicIsCaptured(t *testing.T) {
	f := newFixture(t, &agent.FuncAgent{ExecuteFunc: func(context.Context, agent.TaskType, agent.Input) (agent.Output, error) {
		panic("boom")
	}})

	res := New(WithRetryConfig(fastRetry())).Run(context.Background(), newTask(), f.handle(t), Options{})

	assert.Equal(t, task.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "boom")
	assert.Equal(t, 0, f.load(t))
}

func TestRun_CircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, &agent.FuncAgent{ExecuteFunc: func(context.Context, agent.TaskType, agent.Input) (agent.Output, error) {
		calls.Add(1)
		return agent.Output{}, errors.New("down")
	}})
	breakers := NewBreakerRegistry(BreakerConfig{Enabled: true, ConsecutiveFailures: 2, OpenTimeout: time.Minute}, nil)
	ex := New(WithRetryConfig(fastRetry()), WithBreakers(breakers))

	res := ex.Run(context.Background(), newTask(), f.handle(t), Options{MaxRetries: 5})

	assert.Equal(t, task.StatusFailed, res.Status)
	assert.EqualValues(t, 2, calls.Load())
	require.Len(t, res.Attempts, 3)
	assert.Contains(t, res.Attempts[2].Error, ErrCircuitOpen.Error())
	assert.Equal(t, "open", breakers.State("w1").String())

	// Next run fails fast without touching the worker.
	res = ex.Run(context.Background(), newTask(), f.handle(t), Options{MaxRetries: 5})
	assert.Len(t, res.Attempts, 1)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRun_CallerCancellationDoesNotTripBreaker(t *testing.T) {
	var healthy atomic.Bool
	f := newFixture(t, &agent.FuncAgent{ExecuteFunc: func(ctx context.Context, _ agent.TaskType, _ agent.Input) (agent.Output, error) {
		if healthy.Load() {
			return agent.Output{Success: true, Output: "ok"}, nil
		}
		<-ctx.Done()
		return agent.Output{}, context.Cause(ctx)
	}})
	breakers := NewBreakerRegistry(BreakerConfig{Enabled: true, ConsecutiveFailures: 2, OpenTimeout: time.Minute}, nil)
	ex := New(WithRetryConfig(fastRetry()), WithBreakers(breakers))

	for _, cause := range []error{errors.New("workflow cancelled"), errors.New("workflow global timeout")} {
		ctx, cancel := context.WithCancelCause(context.Background())
		time.AfterFunc(10*time.Millisecond, func() { cancel(cause) })
		res := ex.Run(ctx, newTask(), f.handle(t), Options{MaxRetries: 3})
		assert.NotEqual(t, task.StatusCompleted, res.Status)
		cancel(nil)
	}
	assert.Equal(t, "closed", breakers.State("w1").String())

	healthy.Store(true)
	res := ex.Run(context.Background(), newTask(), f.handle(t), Options{})
	assert.Equal(t, task.StatusCompleted, res.Status)
	assert.Equal(t, 0, f.load(t))
}

func TestBreakerRegistry_Disabled(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{}, nil)
	assert.Nil(t, r.Get("w"))

	var nilReg *BreakerRegistry
	assert.Nil(t, nilReg.Get("w"))
	assert.Equal(t, "closed", nilReg.State("w").String())
}

func TestDefaultRetryConfig_Schedule(t *testing.T) {
	b := DefaultRetryConfig().policy(context.Background(), 7)
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.NextBackOff(), "interval %d", i)
	}
	assert.Equal(t, time.Duration(-1), b.NextBackOff(), "stops after max retries")
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []task.Status
}

func (o *recordingObserver) ObserveAttempt(_ agent.TaskType, s task.Status, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, s)
}

func TestRun_ObserverAndSpan(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, &agent.FuncAgent{ExecuteFunc: func(context.Context, agent.TaskType, agent.Input) (agent.Output, error) {
		if calls.Add(1) == 1 {
			return agent.Output{}, errors.New("once")
		}
		return agent.Output{Success: true}, nil
	}})
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	obs := &recordingObserver{}
	ex := New(WithRetryConfig(fastRetry()), WithObserver(obs), WithTracer(tp.Tracer("test")))

	res := ex.Run(context.Background(), newTask(), f.handle(t), Options{MaxRetries: 1})
	require.Equal(t, task.StatusCompleted, res.Status)

	assert.Equal(t, []task.Status{task.StatusFailed, task.StatusCompleted}, obs.statuses)
	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "task.run", spans[0].Name())
}
