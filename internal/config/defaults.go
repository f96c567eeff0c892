package config

import (
	"time"

	"github.com/keleshteri/agent-flow-sub000/internal/scheduler"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// DefaultConfig returns the configuration used before any file is merged.
// It defines no workers.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Engine: EngineConfig{
			MaxParallelSteps: 4,
			DefaultStrategy:  scheduler.StrategyParallel,
			RollbackTimeout:  scheduler.DefaultCompensationTimeout,
		},
		Retry: RetryConfig{
			InitialInterval: 500 * time.Millisecond,
			Multiplier:      2,
			MaxInterval:     8 * time.Second,
		},
		Breaker: BreakerConfig{
			Enabled:             true,
			ConsecutiveFailures: 5,
			OpenTimeout:         30 * time.Second,
			HalfOpenRequests:    3,
		},
		Store: StoreConfig{
			Driver: DriverMemory,
			Redis:  RedisConfig{KeyPrefix: "agentflow:"},
		},
		Metrics: MetricsConfig{
			Namespace: "agentflow",
			Addr:      ":9090",
		},
	}
}
