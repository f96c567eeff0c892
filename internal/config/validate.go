package config

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidConfig matches every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Validate reports malformed settings and worker definitions.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)))
	}

	if !slices.Contains([]string{"", "debug", "info", "warn", "error"}, c.Log.Level) {
		bad("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	if !slices.Contains([]string{"", "json", "console"}, c.Log.Format) {
		bad("log.format %q is not json or console", c.Log.Format)
	}
	if c.Engine.MaxParallelSteps < 0 {
		bad("engine.max_parallel_steps must not be negative")
	}
	if c.Retry.Multiplier < 1 && c.Retry.Multiplier != 0 {
		bad("retry.multiplier must be at least 1")
	}
	switch c.Store.Driver {
	case "", DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			bad("store.path is required for the sqlite driver")
		}
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			bad("store.redis.addr is required for the redis driver")
		}
	default:
		bad("store.driver %q is not memory, sqlite or redis", c.Store.Driver)
	}

	seen := make(map[string]bool, len(c.Workers))
	for i, w := range c.Workers {
		name := w.ID
		if name == "" {
			bad("workers[%d]: id is required", i)
			name = fmt.Sprintf("workers[%d]", i)
		} else if seen[w.ID] {
			bad("worker %q: duplicate id", w.ID)
		}
		seen[w.ID] = true

		if len(w.Capabilities) == 0 {
			bad("worker %q: at least one capability is required", name)
		}
		if len(w.Command) == 0 || w.Command[0] == "" {
			bad("worker %q: command is required", name)
		}
		if w.MaxConcurrentTasks < 0 {
			bad("worker %q: max_concurrent_tasks must not be negative", name)
		}
		for tt, score := range w.Confidence {
			if score < 0 || score > 1 {
				bad("worker %q: confidence for %q must be within [0,1], got %v", name, tt, score)
			}
		}
	}
	return errors.Join(errs...)
}
