package scheduler

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/keleshteri/agent-flow-sub000/internal/agent"
	"github.com/keleshteri/agent-flow-sub000/internal/task"
)

// DependencyType determines how a dependency gates its dependent step.
type DependencyType int

const (
	DependencyBlocking    DependencyType = iota // Dependent waits for successful completion
	DependencyNonBlocking                       // Ordering hint only, never gates
	DependencyConditional                       // Dependent runs only if the predicate holds, else is skipped
)

var dependencyTypeNames = []string{"blocking", "non_blocking", "conditional"}

func (d DependencyType) String() string {
	if int(d) >= 0 && int(d) < len(dependencyTypeNames) {
		return dependencyTypeNames[d]
	}
	return fmt.Sprintf("dependency(%d)", int(d))
}

func (d DependencyType) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *DependencyType) UnmarshalText(text []byte) error {
	i := slices.Index(dependencyTypeNames, string(text))
	if i < 0 {
		return fmt.Errorf("unknown dependency type %q", string(text))
	}
	*d = DependencyType(i)
	return nil
}

// Strategy selects how ready steps are dispatched. The zero value is
// StrategyUnset, which lets an engine default apply and otherwise runs as
// StrategyParallel.
type Strategy int

const (
	StrategyUnset Strategy = iota
	StrategyParallel
	StrategySequential
	StrategyConditional
	StrategyAdaptive
)

var strategyNames = []string{"", "parallel", "sequential", "conditional", "adaptive"}

func (s Strategy) String() string {
	switch {
	case s == StrategyUnset:
		return "unset"
	case int(s) > 0 && int(s) < len(strategyNames):
		return strategyNames[s]
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// Resolve returns the strategy that actually runs.
func (s Strategy) Resolve() Strategy {
	if s == StrategyUnset {
		return StrategyParallel
	}
	return s
}

func (s Strategy) MarshalText() ([]byte, error) {
	if int(s) < 0 || int(s) >= len(strategyNames) {
		return nil, fmt.Errorf("unknown strategy %d", int(s))
	}
	return []byte(strategyNames[s]), nil
}

func (s *Strategy) UnmarshalText(text []byte) error {
	i := slices.Index(strategyNames, string(text))
	if i < 0 {
		return fmt.Errorf("unknown strategy %q", string(text))
	}
	*s = Strategy(i)
	return nil
}

// StepDependency references another step of the same workflow.
type StepDependency struct {
	StepID    string         `yaml:"step" json:"step_id"`
	Type      DependencyType `yaml:"type" json:"type"`
	Condition *Predicate     `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// DefaultMaxRetries applies when a step leaves MaxRetries unset.
const DefaultMaxRetries = 1

// Step is one node of a workflow graph.
type Step struct {
	ID           string           `yaml:"id" json:"id"`
	TaskType     agent.TaskType   `yaml:"task_type" json:"task_type"`
	Payload      any              `yaml:"payload,omitempty" json:"payload,omitempty"`
	Context      map[string]any   `yaml:"context,omitempty" json:"context,omitempty"`
	Dependencies []StepDependency `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	MaxRetries   *int             `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	Timeout      time.Duration    `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Optional     bool             `yaml:"optional,omitempty" json:"optional,omitempty"`
	Priority     int              `yaml:"priority,omitempty" json:"priority,omitempty"`
	// Resources name exclusive keys; steps sharing a key never overlap.
	Resources []string `yaml:"resources,omitempty" json:"resources,omitempty"`
}

// Retries returns the configured retry count, defaulting to DefaultMaxRetries.
func (s *Step) Retries() int {
	if s.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *s.MaxRetries
}

// Config controls how a workflow runs.
type Config struct {
	Strategy                Strategy      `yaml:"strategy" json:"strategy"`
	MaxParallelSteps        int           `yaml:"max_parallel_steps" json:"max_parallel_steps"`
	ContinueOnError         bool          `yaml:"continue_on_error" json:"continue_on_error"`
	GlobalTimeout           time.Duration `yaml:"global_timeout,omitempty" json:"global_timeout,omitempty"`
	EnableRollback          bool          `yaml:"enable_rollback" json:"enable_rollback"`
	SaveIntermediateResults bool          `yaml:"save_intermediate_results" json:"save_intermediate_results"`
}

// parallelism is the configured cap after strategy rules.
func (c Config) parallelism() int {
	if c.Strategy == StrategySequential {
		return 1
	}
	return max(c.MaxParallelSteps, 1)
}

// Workflow is a DAG of steps plus run configuration.
type Workflow struct {
	ID     string `yaml:"id,omitempty" json:"id"`
	Name   string `yaml:"name,omitempty" json:"name,omitempty"`
	Steps  []Step `yaml:"steps" json:"steps"`
	Config Config `yaml:"config" json:"config"`
}

// StepStatus is the state of a step within a run.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepCompleted
	StepFailed
	StepSkipped
	StepCancelled
)

var stepStatusNames = []string{"pending", "running", "completed", "failed", "skipped", "cancelled"}

func (s StepStatus) String() string {
	if int(s) >= 0 && int(s) < len(stepStatusNames) {
		return stepStatusNames[s]
	}
	return fmt.Sprintf("step_status(%d)", int(s))
}

func (s StepStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *StepStatus) UnmarshalText(text []byte) error {
	i := slices.Index(stepStatusNames, string(text))
	if i < 0 {
		return fmt.Errorf("unknown step status %q", string(text))
	}
	*s = StepStatus(i)
	return nil
}

// Terminal reports whether the step will not change again.
func (s StepStatus) Terminal() bool {
	return s != StepPending && s != StepRunning
}

// stepStatusFor maps a task outcome onto its step.
func stepStatusFor(s task.Status) StepStatus {
	switch s {
	case task.StatusCompleted:
		return StepCompleted
	case task.StatusCancelled:
		return StepCancelled
	default:
		return StepFailed
	}
}

// Status is the state of a workflow run.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

var statusNames = []string{"pending", "running", "completed", "failed", "cancelled"}

func (s Status) String() string {
	if int(s) >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(text []byte) error {
	i := slices.Index(statusNames, string(text))
	if i < 0 {
		return fmt.Errorf("unknown workflow status %q", string(text))
	}
	*s = Status(i)
	return nil
}

// Terminal reports whether the workflow has finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Reasons recorded on a failed or cancelled workflow.
const (
	ReasonStepFailed    = "StepFailed"
	ReasonGlobalTimeout = "GlobalTimeout"
	ReasonCancelled     = "Cancelled"
)

// StepResult is the aggregate outcome of one step.
type StepResult struct {
	StepID    string         `json:"step_id"`
	TaskType  agent.TaskType `json:"task_type"`
	Status    StepStatus     `json:"status"`
	Output    any            `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Reason    string         `json:"reason,omitempty"` // why a step was skipped or cancelled
	TaskID    string         `json:"task_id,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Attempts  []task.Attempt `json:"attempts,omitempty"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// Progress counts steps by outcome.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Cancelled int `json:"cancelled"`
	Running   int `json:"running"`
}

// Resolved returns the number of steps in a terminal state.
func (p Progress) Resolved() int {
	return p.Completed + p.Failed + p.Skipped + p.Cancelled
}

func (p Progress) String() string {
	return fmt.Sprintf("%d/%d", p.Completed, p.Total)
}

// CompensationRecord records one compensating action.
type CompensationRecord struct {
	StepID      string `json:"step_id"`
	Compensated bool   `json:"compensated"`
	Error       string `json:"error,omitempty"`
}

// WorkflowResult is the aggregated state of one workflow run. It is final
// once Status is terminal.
type WorkflowResult struct {
	WorkflowID      string                 `json:"workflow_id"`
	Name            string                 `json:"name,omitempty"`
	Status          Status                 `json:"status"`
	Reason          string                 `json:"reason,omitempty"`
	Error           string                 `json:"error,omitempty"`
	Steps           map[string]*StepResult `json:"steps"`
	Progress        Progress               `json:"progress"`
	CompletionOrder []string               `json:"completion_order,omitempty"`
	Compensations   []CompensationRecord   `json:"compensations,omitempty"`
	SubmittedAt     time.Time              `json:"submitted_at"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	EndedAt         *time.Time             `json:"ended_at,omitempty"`
}

// NewWorkflowResult creates a pending result with one entry per step.
func NewWorkflowResult(w *Workflow) *WorkflowResult {
	r := &WorkflowResult{
		WorkflowID:  w.ID,
		Name:        w.Name,
		Status:      StatusPending,
		Steps:       make(map[string]*StepResult, len(w.Steps)),
		Progress:    Progress{Total: len(w.Steps)},
		SubmittedAt: time.Now(),
	}
	for _, s := range w.Steps {
		r.Steps[s.ID] = &StepResult{StepID: s.ID, TaskType: s.TaskType, Status: StepPending}
	}
	return r
}

// Clone returns a deep copy safe to hand to other goroutines.
// Outputs are shared by reference.
func (r *WorkflowResult) Clone() *WorkflowResult {
	c := *r
	c.Steps = make(map[string]*StepResult, len(r.Steps))
	for id, s := range r.Steps {
		sc := *s
		sc.Attempts = slices.Clone(s.Attempts)
		c.Steps[id] = &sc
	}
	c.CompletionOrder = slices.Clone(r.CompletionOrder)
	c.Compensations = slices.Clone(r.Compensations)
	return &c
}

// StepIDs returns the step ids in sorted order.
func (r *WorkflowResult) StepIDs() []string {
	return slices.Sorted(maps.Keys(r.Steps))
}

func (r *WorkflowResult) recount() {
	p := Progress{Total: len(r.Steps)}
	for _, s := range r.Steps {
		switch s.Status {
		case StepCompleted:
			p.Completed++
		case StepFailed:
			p.Failed++
		case StepSkipped:
			p.Skipped++
		case StepCancelled:
			p.Cancelled++
		case StepRunning:
			p.Running++
		}
	}
	r.Progress = p
}
