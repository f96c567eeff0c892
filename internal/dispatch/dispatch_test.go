package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keleshteri/agent-flow-sub000/internal/agent"
	"github.com/keleshteri/agent-flow-sub000/internal/registry"
)

func newRegistry(t *testing.T, workers ...registry.Worker) *registry.Registry {
	t.Helper()
	r := registry.New()
	require.NoError(t, r.Init(workers...))
	return r
}

func worker(id string, priority, max int, caps ...agent.TaskType) registry.Worker {
	return registry.Worker{ID: id, Priority: priority, MaxConcurrentTasks: max, Capabilities: caps, Agent: &agent.FuncAgent{}}
}

func TestDispatch_PicksHighestPriority(t *testing.T) {
	r := newRegistry(t, worker("low", 1, 1, "x"), worker("high", 9, 1, "x"))
	p := New(r)

	h, err := p.Dispatch(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "high", h.WorkerID)
	assert.NotNil(t, h.Agent)

	load, _ := r.Load("high")
	assert.Equal(t, 1, load)
}

func TestDispatch_FallsThroughWhenSaturated(t *testing.T) {
	r := newRegistry(t, worker("low", 1, 1, "x"), worker("high", 9, 1, "x"))
	p := New(r)

	h1, err := p.Dispatch(context.Background(), "x")
	require.NoError(t, err)
	h2, err := p.Dispatch(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "high", h1.WorkerID)
	assert.Equal(t, "low", h2.WorkerID)

	_, err = p.Dispatch(context.Background(), "x")
	var nwa *NoWorkerAvailableError
	require.ErrorAs(t, err, &nwa)
	assert.Equal(t, 2, nwa.Candidates)
	assert.ErrorIs(t, err, ErrNoWorkerAvailable)
}

func TestDispatch_LoadBreaksPriorityTies(t *testing.T) {
	a := worker("a", 5, 4, "x")
	a.Confidence = map[agent.TaskType]float64{"x": 1}
	b := worker("b", 5, 4, "x")
	b.Confidence = map[agent.TaskType]float64{"x": 0.5}
	r := newRegistry(t, a, b)
	require.True(t, r.Reserve("a"))

	h, err := New(r).Dispatch(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "b", h.WorkerID, "lower load wins over higher confidence at equal priority")
}

func TestDispatch_ConfidenceBreaksEqualLoad(t *testing.T) {
	a := worker("a", 5, 4, "x")
	a.Confidence = map[agent.TaskType]float64{"x": 0.3}
	b := worker("b", 5, 4, "x")
	b.Confidence = map[agent.TaskType]float64{"x": 0.9}
	r := newRegistry(t, a, b)

	h, err := New(r).Dispatch(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "b", h.WorkerID)
}

func TestDispatch_NoCapableWorker(t *testing.T) {
	r := newRegistry(t, worker("a", 1, 1, "x"))
	_, err := New(r, WithWait(time.Second)).Dispatch(context.Background(), "y")

	var nwa *NoWorkerAvailableError
	require.ErrorAs(t, err, &nwa)
	assert.Equal(t, agent.TaskType("y"), nwa.TaskType)
	assert.Zero(t, nwa.Candidates)
	assert.Contains(t, err.Error(), "no capable workers")
}

func TestDispatch_WaitsForRelease(t *testing.T) {
	r := newRegistry(t, worker("a", 1, 1, "x"))
	p := New(r, WithWait(2*time.Second), WithPollInterval(5*time.Millisecond))

	h1, err := p.Dispatch(context.Background(), "x")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		h1.Release()
	}()

	h2, err := p.Dispatch(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "a", h2.WorkerID)
}

func TestDispatch_WaitTimesOut(t *testing.T) {
	r := newRegistry(t, worker("a", 1, 1, "x"))
	p := New(r, WithWait(30*time.Millisecond), WithPollInterval(5*time.Millisecond))
	_, err := p.Dispatch(context.Background(), "x")
	require.NoError(t, err)

	_, err = p.Dispatch(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoWorkerAvailable)
}

func TestDispatch_WaitHonoursContext(t *testing.T) {
	r := newRegistry(t, worker("a", 1, 1, "x"))
	p := New(r, WithWait(time.Minute))
	_, err := p.Dispatch(context.Background(), "x")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Dispatch(ctx, "x")
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestHandle_ReleaseIsIdempotent(t *testing.T) {
	r := newRegistry(t, worker("a", 1, 2, "x"))
	p := New(r)

	h1, err := p.Dispatch(context.Background(), "x")
	require.NoError(t, err)
	_, err = p.Dispatch(context.Background(), "x")
	require.NoError(t, err)

	assert.True(t, h1.Release())
	assert.False(t, h1.Release())
	assert.False(t, h1.Release())

	load, _ := r.Load("a")
	assert.Equal(t, 1, load, "second reservation must not be released by repeated calls")
}

func TestHandle_StaleReleaseLeavesNewRegistration(t *testing.T) {
	r := newRegistry(t, worker("w", 1, 1, "x"))
	p := New(r)

	stale, err := p.Dispatch(context.Background(), "x")
	require.NoError(t, err)

	require.NoError(t, r.Deregister("w"))
	require.NoError(t, r.Register(worker("w", 1, 1, "x")))

	fresh, err := p.Dispatch(context.Background(), "x")
	require.NoError(t, err)

	assert.True(t, stale.Release())
	load, err := r.Load("w")
	require.NoError(t, err)
	assert.Equal(t, 1, load, "stale handle released the new registration")

	_, err = p.Dispatch(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoWorkerAvailable)

	fresh.Release()
	load, _ = r.Load("w")
	assert.Equal(t, 0, load)
}
