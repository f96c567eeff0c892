package registry

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/keleshteri/agent-flow-sub000/internal/agent"
)

var (
	ErrWorkerNotFound  = errors.New("worker not found")
	ErrDuplicateWorker = errors.New("worker already registered")
	ErrInvalidWorker   = errors.New("invalid worker")
	ErrRegistryClosed  = errors.New("registry is shut down")
)

// Worker is the registration record for an agent.
type Worker struct {
	ID                 string
	Capabilities       []agent.TaskType
	Priority           int // higher wins
	MaxConcurrentTasks int // values below 1 are treated as 1
	// Confidence per task type, used when the agent does not score itself.
	Confidence map[agent.TaskType]float64
	Agent      agent.Agent
}

// Candidate is a point-in-time view of a worker for one task type.
type Candidate struct {
	ID         string
	Priority   int
	Confidence float64
	Load       int
	Max        int
}

type entry struct {
	worker Worker
	caps   map[agent.TaskType]struct{}
	load   atomic.Int64
}

// LoadObserver is notified after every successful reserve or release.
type LoadObserver func(workerID string, load int)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l.With(zap.String("component", "worker_registry"))
		}
	}
}

// WithLoadObserver installs a load observer (e.g. a metrics gauge).
func WithLoadObserver(fn LoadObserver) Option {
	return func(r *Registry) { r.observer = fn }
}

// Registry holds the available workers and their in-flight load.
// Membership is guarded by an RWMutex; load counters are lock-free.
type Registry struct {
	mu       sync.RWMutex
	workers  map[string]*entry
	closed   bool
	logger   *zap.Logger
	observer LoadObserver
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		workers: make(map[string]*entry),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init registers the given workers. It is safe to call on an empty slice.
func (r *Registry) Init(workers ...Worker) error {
	for _, w := range workers {
		if err := r.Register(w); err != nil {
			return err
		}
	}
	r.logger.Info("worker registry initialised", zap.Int("workers", r.Len()))
	return nil
}

// Shutdown stops accepting registrations and reservations.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.logger.Info("worker registry shut down")
}

// Register adds a worker.
func (r *Registry) Register(w Worker) error {
	if w.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidWorker)
	}
	if w.Agent == nil {
		return fmt.Errorf("%w: worker %q has no agent", ErrInvalidWorker, w.ID)
	}
	if w.MaxConcurrentTasks < 1 {
		w.MaxConcurrentTasks = 1
	}
	e := &entry{worker: w, caps: make(map[agent.TaskType]struct{}, len(w.Capabilities))}
	for _, c := range w.Capabilities {
		e.caps[c] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	if _, exists := r.workers[w.ID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateWorker, w.ID)
	}
	r.workers[w.ID] = e
	r.logger.Debug("worker registered",
		zap.String("worker_id", w.ID),
		zap.Int("priority", w.Priority),
		zap.Int("max_concurrent_tasks", w.MaxConcurrentTasks))
	return nil
}

// Deregister removes a worker. Outstanding leases on it are dropped and
// releasing them never touches a later registration under the same id.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[id]; !ok {
		return fmt.Errorf("%w: %q", ErrWorkerNotFound, id)
	}
	delete(r.workers, id)
	r.logger.Debug("worker deregistered", zap.String("worker_id", id))
	return nil
}

// Lookup returns the registration for id.
func (r *Registry) Lookup(id string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[id]
	if !ok {
		return Worker{}, false
	}
	return e.worker, true
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// ListByCapability returns the workers able to perform taskType, ordered by
// descending priority, then descending confidence, then ascending load.
func (r *Registry) ListByCapability(taskType agent.TaskType) []Candidate {
	r.mu.RLock()
	out := make([]Candidate, 0, len(r.workers))
	for id, e := range r.workers {
		if _, ok := e.caps[taskType]; !ok {
			continue
		}
		out = append(out, Candidate{
			ID:         id,
			Priority:   e.worker.Priority,
			Confidence: confidence(e, taskType),
			Load:       int(e.load.Load()),
			Max:        e.worker.MaxConcurrentTasks,
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Load != b.Load {
			return a.Load < b.Load
		}
		return a.ID < b.ID
	})
	return out
}

// Capabilities returns every task type some registered worker can perform.
func (r *Registry) Capabilities() []agent.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []agent.TaskType
	for _, e := range r.workers {
		for c := range e.caps {
			if !slices.Contains(out, c) {
				out = append(out, c)
			}
		}
	}
	slices.Sort(out)
	return out
}

// Lease is one reservation held against a specific registration of a
// worker. It stays bound to that registration even if the id is later
// deregistered and registered again.
type Lease struct {
	e *entry
}

// Worker returns the registration the lease was taken on.
func (l Lease) Worker() Worker {
	if l.e == nil {
		return Worker{}
	}
	return l.e.worker
}

// Acquire reserves a slot on id and returns a lease for it.
func (r *Registry) Acquire(id string) (Lease, bool) {
	r.mu.RLock()
	e, ok := r.workers[id]
	closed := r.closed
	r.mu.RUnlock()
	if !ok || closed {
		return Lease{}, false
	}
	max := int64(e.worker.MaxConcurrentTasks)
	for {
		cur := e.load.Load()
		if cur >= max {
			return Lease{}, false
		}
		if e.load.CompareAndSwap(cur, cur+1) {
			r.notify(id, cur+1)
			return Lease{e: e}, true
		}
	}
}

// Reserve atomically increments the worker's load if it is below its limit.
func (r *Registry) Reserve(id string) bool {
	_, ok := r.Acquire(id)
	return ok
}

// ReleaseLease returns the slot held by l. A lease whose registration has
// been removed only decrements the dropped counter.
func (r *Registry) ReleaseLease(l Lease) bool {
	if l.e == nil {
		return false
	}
	r.mu.RLock()
	current := r.workers[l.e.worker.ID] == l.e
	r.mu.RUnlock()
	return r.release(l.e, current)
}

// Release decrements the worker's load. It never goes below zero and
// returns false if there was nothing to release.
func (r *Registry) Release(id string) bool {
	r.mu.RLock()
	e, ok := r.workers[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return r.release(e, true)
}

func (r *Registry) release(e *entry, notify bool) bool {
	for {
		cur := e.load.Load()
		if cur <= 0 {
			return false
		}
		if e.load.CompareAndSwap(cur, cur-1) {
			if notify {
				r.notify(e.worker.ID, cur-1)
			}
			return true
		}
	}
}

// Load returns the current in-flight count for id.
func (r *Registry) Load(id string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[id]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrWorkerNotFound, id)
	}
	return int(e.load.Load()), nil
}

// IdleFraction returns free capacity divided by total capacity across all
// workers, in [0,1]. An empty registry reports 0.
func (r *Registry) IdleFraction() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total, busy int64
	for _, e := range r.workers {
		total += int64(e.worker.MaxConcurrentTasks)
		busy += min(e.load.Load(), int64(e.worker.MaxConcurrentTasks))
	}
	if total == 0 {
		return 0
	}
	return float64(total-busy) / float64(total)
}

// Capacity returns the sum of every worker's concurrency limit.
func (r *Registry) Capacity() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, e := range r.workers {
		total += e.worker.MaxConcurrentTasks
	}
	return total
}

func (r *Registry) notify(id string, load int64) {
	if r.observer != nil {
		r.observer(id, int(load))
	}
}

// confidence resolves a worker's score for taskType: the agent's own scorer
// first, then the registration map, then 1 for any declared capability.
func confidence(e *entry, taskType agent.TaskType) float64 {
	if s, ok := e.worker.Agent.(agent.ConfidenceScorer); ok {
		if v, ok := s.Confidence(taskType); ok {
			return clamp(v)
		}
	}
	if v, ok := e.worker.Confidence[taskType]; ok {
		return clamp(v)
	}
	if _, ok := e.caps[taskType]; ok {
		return 1
	}
	return 0
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
