package config

import (
	"time"

	"github.com/keleshteri/agent-flow-sub000/internal/scheduler"
)

// LogConfig controls logger construction.
type LogConfig struct {
	Level       string   `yaml:"level"`  // debug, info, warn, error
	Format      string   `yaml:"format"` // json or console
	OutputPaths []string `yaml:"output_paths,omitempty"`
}

// EngineConfig holds engine-wide scheduling limits.
type EngineConfig struct {
	MaxParallelSteps int                `yaml:"max_parallel_steps"` // used when a workflow leaves it unset
	DefaultStrategy  scheduler.Strategy `yaml:"default_strategy"`
	StepTimeout      time.Duration      `yaml:"step_timeout,omitempty"` // per-attempt timeout for steps without one
	RollbackTimeout  time.Duration      `yaml:"rollback_timeout"`       // per compensating action
	DispatchWait     time.Duration      `yaml:"dispatch_wait,omitempty"`
	// RetainFinished evicts finished workflows from memory after this long.
	// Zero keeps them until shutdown.
	RetainFinished time.Duration `yaml:"retain_finished,omitempty"`
}

// RetryConfig is the backoff schedule between task attempts.
type RetryConfig struct {
	InitialInterval     time.Duration `yaml:"initial_interval"`
	Multiplier          float64       `yaml:"multiplier"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	RandomizationFactor float64       `yaml:"randomization_factor,omitempty"`
}

// BreakerConfig configures per-worker circuit breakers.
type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
	HalfOpenRequests    uint32        `yaml:"half_open_requests"`
}

// WorkerConfig defines a command-backed worker.
type WorkerConfig struct {
	ID                 string             `yaml:"id"`
	Capabilities       []string           `yaml:"capabilities"`
	Priority           int                `yaml:"priority,omitempty"`
	MaxConcurrentTasks int                `yaml:"max_concurrent_tasks,omitempty"`
	Confidence         map[string]float64 `yaml:"confidence,omitempty"`
	Command            []string           `yaml:"command"` // program followed by its args
	CompensateArgs     []string           `yaml:"compensate_args,omitempty"`
	Env                map[string]string  `yaml:"env,omitempty"`
	Dir                string             `yaml:"dir,omitempty"`
}

// RedisConfig addresses the Redis result store.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db,omitempty"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// StoreConfig selects where finished results are archived.
type StoreConfig struct {
	Driver string      `yaml:"driver"` // memory, sqlite or redis
	Path   string      `yaml:"path,omitempty"`
	Redis  RedisConfig `yaml:"redis,omitempty"`
}

// MetricsConfig controls the Prometheus collector and endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Addr      string `yaml:"addr,omitempty"`
}

// Config is the top-level configuration.
type Config struct {
	Log     LogConfig      `yaml:"log"`
	Engine  EngineConfig   `yaml:"engine"`
	Retry   RetryConfig    `yaml:"retry"`
	Breaker BreakerConfig  `yaml:"breaker"`
	Workers []WorkerConfig `yaml:"workers,omitempty"`
	Store   StoreConfig    `yaml:"store"`
	Metrics MetricsConfig  `yaml:"metrics"`
}
