package scheduler

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/gammazero/toposort"
)

// Graph is a validated workflow DAG. It is immutable and safe for
// concurrent reads.
type Graph struct {
	workflow   Workflow
	steps      map[string]*Step
	index      map[string]int      // declaration order
	dependents map[string][]string // stepID -> steps that depend on it
	conditions map[string]map[string]*compiledPredicate
	depth      map[string]int
	order      []string
}

// Build validates w and returns its graph. Validation covers empty and
// duplicate ids, dangling and duplicate references, cycles and malformed
// conditions. Every failure is a *ValidationError.
func Build(w *Workflow) (*Graph, error) {
	invalid := func(stepID, reason string, err error) error {
		return &ValidationError{WorkflowID: w.ID, StepID: stepID, Reason: reason, Err: err}
	}

	if len(w.Steps) == 0 {
		return nil, invalid("", "workflow has no steps", nil)
	}
	if w.Config.MaxParallelSteps < 0 {
		return nil, invalid("", "max_parallel_steps must be at least 1", nil)
	}
	if w.Config.GlobalTimeout < 0 {
		return nil, invalid("", "global_timeout must not be negative", nil)
	}

	g := &Graph{
		workflow:   *w,
		steps:      make(map[string]*Step, len(w.Steps)),
		index:      make(map[string]int, len(w.Steps)),
		dependents: make(map[string][]string),
		conditions: make(map[string]map[string]*compiledPredicate),
		depth:      make(map[string]int, len(w.Steps)),
	}
	g.workflow.Steps = slices.Clone(w.Steps)

	for i := range g.workflow.Steps {
		s := &g.workflow.Steps[i]
		switch {
		case s.ID == "":
			return nil, invalid("", fmt.Sprintf("step %d has no id", i), nil)
		case s.TaskType == "":
			return nil, invalid(s.ID, "task_type is required", nil)
		case s.MaxRetries != nil && *s.MaxRetries < 0:
			return nil, invalid(s.ID, "max_retries must not be negative", nil)
		case s.Timeout < 0:
			return nil, invalid(s.ID, "timeout must not be negative", nil)
		}
		if _, exists := g.steps[s.ID]; exists {
			return nil, invalid(s.ID, "duplicate step id", nil)
		}
		g.steps[s.ID] = s
		g.index[s.ID] = i
	}

	for _, s := range g.workflow.Steps {
		seen := make(map[string]bool, len(s.Dependencies))
		for _, dep := range s.Dependencies {
			if _, exists := g.steps[dep.StepID]; !exists {
				return nil, invalid(s.ID, fmt.Sprintf("depends on non-existent step %q", dep.StepID), nil)
			}
			if seen[dep.StepID] {
				return nil, invalid(s.ID, fmt.Sprintf("duplicate dependency on %q", dep.StepID), nil)
			}
			seen[dep.StepID] = true

			switch dep.Type {
			case DependencyBlocking, DependencyNonBlocking:
				if dep.Condition != nil {
					return nil, invalid(s.ID, fmt.Sprintf("%s dependency on %q cannot carry a condition", dep.Type, dep.StepID), nil)
				}
			case DependencyConditional:
				cp, err := compilePredicate(dep.Condition)
				if err != nil {
					return nil, invalid(s.ID, fmt.Sprintf("bad condition on %q", dep.StepID), err)
				}
				if g.conditions[s.ID] == nil {
					g.conditions[s.ID] = make(map[string]*compiledPredicate)
				}
				g.conditions[s.ID][dep.StepID] = cp
			default:
				return nil, invalid(s.ID, fmt.Sprintf("unknown dependency type %d", dep.Type), nil)
			}
			g.dependents[dep.StepID] = append(g.dependents[dep.StepID], s.ID)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, invalid(cycle[0], "dependency cycle", &CyclicDependencyError{Cycle: cycle})
	}

	order, err := g.topoOrder()
	if err != nil {
		return nil, invalid("", "topological sort failed", err)
	}
	g.order = order
	for _, id := range order {
		d := 0
		for _, dep := range g.steps[id].Dependencies {
			d = max(d, g.depth[dep.StepID]+1)
		}
		g.depth[id] = d
	}
	return g, nil
}

// findCycle runs a coloured DFS over every dependency edge and returns the
// first cycle found, or nil.
func (g *Graph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.steps))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.steps[id].Dependencies {
			switch color[dep.StepID] {
			case grey:
				start := slices.Index(stack, dep.StepID)
				cycle = append(slices.Clone(stack[start:]), dep.StepID)
				// Report in execution direction: dependency first.
				slices.Reverse(cycle)
				return true
			case white:
				if visit(dep.StepID) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, s := range g.workflow.Steps {
		if color[s.ID] == white && visit(s.ID) {
			return cycle
		}
	}
	return nil
}

// topoOrder sorts steps so every dependency precedes its dependents.
func (g *Graph) topoOrder() ([]string, error) {
	var edges []toposort.Edge
	for _, s := range g.workflow.Steps {
		if len(s.Dependencies) == 0 {
			edges = append(edges, toposort.Edge{nil, s.ID})
			continue
		}
		for _, dep := range s.Dependencies {
			edges = append(edges, toposort.Edge{dep.StepID, s.ID})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, err
	}
	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(g.steps) {
		var missing []string
		for id := range g.steps {
			if !slices.Contains(order, id) {
				missing = append(missing, id)
			}
		}
		sort.Strings(missing)
		return nil, fmt.Errorf("topological sort lost %d steps: %s", len(missing), strings.Join(missing, ", "))
	}
	return order, nil
}

// Workflow returns the validated workflow definition.
func (g *Graph) Workflow() *Workflow { return &g.workflow }

// Config returns the workflow configuration.
func (g *Graph) Config() Config { return g.workflow.Config }

// Order returns a topological ordering of the step ids.
func (g *Graph) Order() []string { return slices.Clone(g.order) }

// Step returns the step with the given id.
func (g *Graph) Step(id string) (*Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Dependents returns the ids of steps that declare a dependency on id.
func (g *Graph) Dependents(id string) []string { return slices.Clone(g.dependents[id]) }

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.steps) }

// State is the view of step progress the resolver consults.
type State struct {
	Status  map[string]StepStatus
	Outputs map[string]any
}

// Readiness is the resolver's verdict for the pending steps.
type Readiness struct {
	// Ready lists steps to dispatch, best candidate first.
	Ready []string
	// Skip maps steps that must be skipped to the reason.
	Skip map[string]string
}

// ReadySteps classifies every pending step. A step is ready when each
// Blocking dependency completed and each Conditional dependency completed
// with its condition satisfied. A step is skipped when any Blocking or
// Conditional dependency was skipped or failed, or a condition is false.
// NonBlocking dependencies never gate; they only order ready steps.
func (g *Graph) ReadySteps(st State) Readiness {
	r := Readiness{Skip: make(map[string]string)}

	for _, s := range g.workflow.Steps {
		if st.Status[s.ID] != StepPending {
			continue
		}
		ready := true
		skip := ""
		for _, dep := range s.Dependencies {
			if dep.Type == DependencyNonBlocking {
				continue
			}
			ds := st.Status[dep.StepID]
			switch ds {
			case StepCompleted:
				if dep.Type == DependencyConditional {
					ok, err := g.conditions[s.ID][dep.StepID].eval(st.Outputs[dep.StepID], ds)
					if err != nil {
						skip = fmt.Sprintf("condition on %q failed: %v", dep.StepID, err)
					} else if !ok {
						skip = fmt.Sprintf("condition on %q not satisfied", dep.StepID)
					}
				}
			case StepSkipped:
				skip = fmt.Sprintf("dependency %q was skipped", dep.StepID)
			case StepFailed:
				skip = fmt.Sprintf("dependency %q failed", dep.StepID)
			default:
				ready = false
			}
			if skip != "" {
				break
			}
		}
		switch {
		case skip != "":
			r.Skip[s.ID] = skip
		case ready:
			r.Ready = append(r.Ready, s.ID)
		}
	}

	sort.SliceStable(r.Ready, func(i, j int) bool { return g.before(r.Ready[i], r.Ready[j]) })
	return r
}

// before orders simultaneously ready steps: shallower depth over all edges
// first, then higher priority, then declaration order.
func (g *Graph) before(a, b string) bool {
	if g.depth[a] != g.depth[b] {
		return g.depth[a] < g.depth[b]
	}
	pa, pb := g.steps[a].Priority, g.steps[b].Priority
	if pa != pb {
		return pa > pb
	}
	return g.index[a] < g.index[b]
}
