package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/keleshteri/agent-flow-sub000/internal/scheduler"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed YAML returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPaths returns the conventional config locations.
// Global: ~/.agentflow/config.yaml
// Project: .agentflow/config.yaml (relative to cwd)
func DefaultPaths() (global, project string, err error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".agentflow", "config.yaml"), filepath.Join(".agentflow", "config.yaml"), nil
}

// LoadDefault loads configuration from the conventional paths.
func LoadDefault() (*Config, error) {
	global, project, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	return Load(global, project)
}

// mergeConfigFile overlays the keys present in a YAML file onto base.
// Workers merge by id: a file entry replaces the worker with the same id.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	prev := base.Workers
	base.Workers = nil
	if err := yaml.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	base.Workers = mergeWorkers(prev, base.Workers)
	return nil
}

func mergeWorkers(base, overlay []WorkerConfig) []WorkerConfig {
	merged := append([]WorkerConfig(nil), base...)
	for _, w := range overlay {
		replaced := false
		for i := range merged {
			if merged[i].ID == w.ID {
				merged[i] = w
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, w)
		}
	}
	return merged
}

// LoadWorkflow parses a workflow definition file. The result is not
// validated; pass it to scheduler.Build for that.
func LoadWorkflow(path string) (*scheduler.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow %s: %w", path, err)
	}
	return ParseWorkflow(data)
}

// ParseWorkflow decodes a YAML workflow definition.
func ParseWorkflow(data []byte) (*scheduler.Workflow, error) {
	var wf scheduler.Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}
	return &wf, nil
}
