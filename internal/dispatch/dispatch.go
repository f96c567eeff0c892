package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/keleshteri/agent-flow-sub000/internal/agent"
	"github.com/keleshteri/agent-flow-sub000/internal/registry"
)

// ErrNoWorkerAvailable matches every NoWorkerAvailableError via errors.Is.
var ErrNoWorkerAvailable = errors.New("no worker available")

// NoWorkerAvailableError reports that no worker could be reserved for a task type.
type NoWorkerAvailableError struct {
	TaskType   agent.TaskType
	Candidates int // capable workers that were all saturated
}

func (e *NoWorkerAvailableError) Error() string {
	if e.Candidates == 0 {
		return fmt.Sprintf("no worker available for task type %q: no capable workers", e.TaskType)
	}
	return fmt.Sprintf("no worker available for task type %q: %d capable workers all busy", e.TaskType, e.Candidates)
}

func (e *NoWorkerAvailableError) Is(target error) bool {
	return target == ErrNoWorkerAvailable
}

// Handle is a reserved worker. Release must be called once the work ends;
// extra calls are no-ops.
type Handle struct {
	WorkerID string
	Agent    agent.Agent

	reg   *registry.Registry
	lease registry.Lease
	once  sync.Once
}

// NewHandle wraps a lease already taken on reg.
func NewHandle(reg *registry.Registry, lease registry.Lease) *Handle {
	w := lease.Worker()
	return &Handle{WorkerID: w.ID, Agent: w.Agent, reg: reg, lease: lease}
}

// Release returns the reservation and reports whether this call released it.
func (h *Handle) Release() bool {
	released := false
	h.once.Do(func() {
		if h.reg != nil {
			h.reg.ReleaseLease(h.lease)
		}
		released = true
	})
	return released
}

// Option configures a Policy.
type Option func(*Policy)

// WithWait makes Dispatch poll saturated workers for up to d before failing.
func WithWait(d time.Duration) Option {
	return func(p *Policy) { p.wait = d }
}

// WithPollInterval sets how often Dispatch retries while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(p *Policy) {
		if d > 0 {
			p.poll = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Policy) {
		if l != nil {
			p.logger = l.With(zap.String("component", "dispatch"))
		}
	}
}

// Policy selects a worker for a task type: first fit over candidates ordered
// by descending priority, then ascending load, then descending confidence.
type Policy struct {
	reg    *registry.Registry
	wait   time.Duration
	poll   time.Duration
	logger *zap.Logger
}

// New creates a Policy over reg.
func New(reg *registry.Registry, opts ...Option) *Policy {
	p := &Policy{
		reg:    reg,
		poll:   10 * time.Millisecond,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dispatch reserves a worker for taskType. The caller owns the returned
// handle and must release it.
func (p *Policy) Dispatch(ctx context.Context, taskType agent.TaskType) (*Handle, error) {
	h, n := p.tryReserve(taskType)
	if h != nil {
		return h, nil
	}
	if n == 0 || p.wait <= 0 {
		return nil, p.fail(taskType, n)
	}

	timer := time.NewTimer(p.wait)
	defer timer.Stop()
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, p.fail(taskType, n)
		case <-ticker.C:
			if h, n = p.tryReserve(taskType); h != nil {
				return h, nil
			}
			if n == 0 {
				return nil, p.fail(taskType, n)
			}
		}
	}
}

func (p *Policy) tryReserve(taskType agent.TaskType) (*Handle, int) {
	candidates := p.reg.ListByCapability(taskType)
	// Registry order is priority then confidence; load becomes the
	// secondary key here, confidence the tertiary.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.Load < b.Load
	})

	for _, c := range candidates {
		lease, ok := p.reg.Acquire(c.ID)
		if !ok {
			continue
		}
		p.logger.Debug("worker reserved",
			zap.String("task_type", string(taskType)),
			zap.String("worker_id", c.ID),
			zap.Int("load", c.Load+1))
		return NewHandle(p.reg, lease), len(candidates)
	}
	return nil, len(candidates)
}

func (p *Policy) fail(taskType agent.TaskType, candidates int) error {
	p.logger.Debug("no worker available",
		zap.String("task_type", string(taskType)),
		zap.Int("candidates", candidates))
	return &NoWorkerAvailableError{TaskType: taskType, Candidates: candidates}
}
