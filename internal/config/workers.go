package config

import (
	"maps"
	"slices"

	"github.com/keleshteri/agent-flow-sub000/internal/agent"
	"github.com/keleshteri/agent-flow-sub000/internal/executor"
	"github.com/keleshteri/agent-flow-sub000/internal/registry"
)

// Build turns a worker definition into a registry worker backed by a
// CommandAgent whose subprocesses are tracked by pm.
func (w WorkerConfig) Build(pm *agent.ProcessManager) registry.Worker {
	caps := make([]agent.TaskType, 0, len(w.Capabilities))
	for _, c := range w.Capabilities {
		caps = append(caps, agent.TaskType(c))
	}

	var confidence map[agent.TaskType]float64
	if len(w.Confidence) > 0 {
		confidence = make(map[agent.TaskType]float64, len(w.Confidence))
		for tt, score := range w.Confidence {
			confidence[agent.TaskType(tt)] = score
		}
	}

	var env []string
	for _, k := range slices.Sorted(maps.Keys(w.Env)) {
		env = append(env, k+"="+w.Env[k])
	}

	cmd := agent.CommandConfig{
		Dir:            w.Dir,
		Env:            env,
		Accepts:        caps,
		CompensateArgs: w.CompensateArgs,
	}
	if len(w.Command) > 0 {
		cmd.Command = w.Command[0]
		cmd.Args = w.Command[1:]
	}

	return registry.Worker{
		ID:                 w.ID,
		Capabilities:       caps,
		Priority:           w.Priority,
		MaxConcurrentTasks: w.MaxConcurrentTasks,
		Confidence:         confidence,
		Agent:              agent.NewCommandAgent(cmd, pm),
	}
}

// Executor converts the retry schedule for the executor.
func (r RetryConfig) Executor() executor.RetryConfig {
	return executor.RetryConfig{
		InitialInterval:     r.InitialInterval,
		MaxInterval:         r.MaxInterval,
		Multiplier:          r.Multiplier,
		RandomizationFactor: r.RandomizationFactor,
	}
}

// Executor converts the breaker settings for the executor.
func (b BreakerConfig) Executor() executor.BreakerConfig {
	return executor.BreakerConfig{
		Enabled:             b.Enabled,
		ConsecutiveFailures: b.ConsecutiveFailures,
		OpenTimeout:         b.OpenTimeout,
		HalfOpenRequests:    b.HalfOpenRequests,
	}
}
