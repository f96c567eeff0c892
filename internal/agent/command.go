package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
)

// CommandConfig describes an external program that acts as a worker.
//
// The program receives one JSON request on stdin:
//
//	{"task_type": "...", "payload": ..., "context": {...}}
//
// and writes one JSON Output object to stdout. Output that is not a JSON
// object is taken verbatim as a successful string result.
type CommandConfig struct {
	Command string
	Args    []string
	Dir     string
	Env     []string

	// Accepts limits Validate to these task types. Empty accepts all.
	Accepts []TaskType

	// CompensateArgs, when set, enables compensation by running Command with
	// these args and a request carrying the original output.
	CompensateArgs []string
}

type commandRequest struct {
	TaskType TaskType       `json:"task_type"`
	Payload  any            `json:"payload,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
	Output   any            `json:"output,omitempty"`
}

// CommandAgent runs a subprocess per execution.
type CommandAgent struct {
	cfg CommandConfig
	pm  *ProcessManager
}

// NewCommandAgent creates a CommandAgent. pm may be nil when subprocesses
// need no shutdown tracking.
func NewCommandAgent(cfg CommandConfig, pm *ProcessManager) *CommandAgent {
	return &CommandAgent{cfg: cfg, pm: pm}
}

func (c *CommandAgent) Validate(taskType TaskType, input Input) bool {
	if c.cfg.Command == "" {
		return false
	}
	return len(c.cfg.Accepts) == 0 || slices.Contains(c.cfg.Accepts, taskType)
}

func (c *CommandAgent) Execute(ctx context.Context, taskType TaskType, input Input) (Output, error) {
	req := commandRequest{TaskType: taskType, Payload: input.Payload, Context: input.Context}
	stdout, err := c.run(ctx, c.cfg.Args, req)
	if err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return Output{}, err
	}
	return parseOutput(stdout), nil
}

func (c *CommandAgent) Compensate(ctx context.Context, taskType TaskType, input Input, output any) error {
	if len(c.cfg.CompensateArgs) == 0 {
		return ErrNoCompensation
	}
	req := commandRequest{TaskType: taskType, Payload: input.Payload, Context: input.Context, Output: output}
	stdout, err := c.run(ctx, c.cfg.CompensateArgs, req)
	if err != nil {
		return err
	}
	return parseOutput(stdout).Err()
}

// CanCompensate reports whether CompensateArgs are configured.
func (c *CommandAgent) CanCompensate() bool {
	return len(c.cfg.CompensateArgs) > 0
}

func (c *CommandAgent) run(ctx context.Context, args []string, req commandRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, NonRetryable(fmt.Errorf("failed to encode request: %w", err))
	}

	cmd := newCommand(ctx, c.cfg.Command, args...)
	cmd.Dir = c.cfg.Dir
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.cfg.Env...)
	}

	return runCommand(cmd, body, c.pm)
}

func parseOutput(stdout []byte) Output {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err == nil {
			if _, ok := fields["success"]; ok {
				var out Output
				if err := json.Unmarshal(trimmed, &out); err == nil {
					return out
				}
			}
			var obj map[string]any
			if err := json.Unmarshal(trimmed, &obj); err == nil {
				return Output{Success: true, Output: obj}
			}
		}
	}
	return Output{Success: true, Output: string(trimmed)}
}
