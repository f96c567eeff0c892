package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// RetryConfig configures exponential backoff between attempts.
type RetryConfig struct {
	InitialInterval time.Duration // default 500ms
	MaxInterval     time.Duration // default 8s
	Multiplier      float64       // default 2
	// RandomizationFactor adds jitter. Zero keeps the schedule exact.
	RandomizationFactor float64
}

// DefaultRetryConfig returns the 500ms x2 backoff capped at 8s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     8 * time.Second,
		Multiplier:      2.0,
	}
}

// policy builds a backoff allowing maxRetries retries after the first attempt.
func (c RetryConfig) policy(ctx context.Context, maxRetries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.RandomizationFactor
	b.MaxElapsedTime = 0 // bounded by retry count, not wall time
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries)), ctx)
}

// BreakerConfig configures the per-worker circuit breakers.
type BreakerConfig struct {
	Enabled             bool
	ConsecutiveFailures uint32        // trip threshold, default 5
	OpenTimeout         time.Duration // time spent open before half-open, default 30s
	HalfOpenRequests    uint32        // probes allowed while half-open, default 3
}

// DefaultBreakerConfig returns the breaker settings used when none are configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:             true,
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    3,
	}
}

// BreakerRegistry manages one circuit breaker per worker.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *zap.Logger
}

// NewBreakerRegistry creates a breaker registry. A nil logger is replaced by a no-op.
func NewBreakerRegistry(cfg BreakerConfig, logger *zap.Logger) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 3
	}
	return &BreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger.With(zap.String("component", "circuit_breaker")),
	}
}

// Get returns the breaker for workerID, creating it on first use.
// It returns nil when breakers are disabled.
func (r *BreakerRegistry) Get(workerID string) *gobreaker.CircuitBreaker {
	if r == nil || !r.cfg.Enabled {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[workerID]; ok {
		return cb
	}

	threshold := r.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        workerID,
		MaxRequests: r.cfg.HalfOpenRequests,
		Interval:    0,
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				zap.String("worker_id", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is the caller's doing, not the worker's. attempt
			// wraps any error seen after the caller's ctx ended in Canceled.
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[workerID] = cb
	return cb
}

// State returns the breaker state for workerID; closed if none exists.
func (r *BreakerRegistry) State(workerID string) gobreaker.State {
	if r == nil {
		return gobreaker.StateClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[workerID]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}
