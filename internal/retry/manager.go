// Package retry executes operations under phase-keyed policies: exponential
// backoff with jitter, a retryable-error matcher, and an optional per-phase
// circuit breaker.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"readerforge/internal/config"
	"readerforge/internal/logging"
	"readerforge/internal/metrics"
)

// Pipeline phases with distinct retry policies.
const (
	PhaseLLMRequest        = "llm-request"
	PhaseContentGeneration = "content-generation"
	PhaseAssetCompilation  = "asset-compilation"
	PhaseFileOperations    = "file-operations"
	PhaseValidation        = "validation"
	PhaseRendering         = "rendering"
)

// ErrUnknownPhase is returned for phases without a configured policy.
var ErrUnknownPhase = errors.New("unknown retry phase")

// Classifier decides whether an error is worth retrying.
type Classifier func(error) bool

// Op is a retryable operation.
type Op func(ctx context.Context) (interface{}, error)

// Manager holds the per-phase policies and breakers.
type Manager struct {
	cfg        config.RetryConfig
	metrics    *metrics.Set
	classifier Classifier
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func(maxMs int) time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a Manager. classifier decides retryability; typically the
// limiter's pattern matcher is injected here so both layers agree.
func New(cfg config.RetryConfig, m *metrics.Set, classifier Classifier) *Manager {
	return &Manager{
		cfg:        cfg,
		metrics:    m,
		classifier: classifier,
		sleep:      sleepCtx,
		jitter: func(maxMs int) time.Duration {
			if maxMs <= 0 {
				return 0
			}
			return time.Duration(rand.Intn(maxMs)) * time.Millisecond
		},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute runs op under the policy of the given phase.
func (m *Manager) Execute(ctx context.Context, phase string, op Op) (interface{}, error) {
	policy, ok := m.cfg.Phases[phase]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPhase, phase)
	}

	var breaker *gobreaker.CircuitBreaker
	if policy.BreakerEnabled {
		breaker = m.breakerFor(phase)
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		var value interface{}
		var err error
		if breaker != nil {
			value, err = breaker.Execute(func() (interface{}, error) { return op(ctx) })
		} else {
			value, err = op(ctx)
		}

		if err == nil {
			m.metrics.RetryAttempts.WithLabelValues(phase, "success").Inc()
			return value, nil
		}
		lastErr = err
		m.metrics.RetryAttempts.WithLabelValues(phase, "failure").Inc()

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// The breaker is shedding load; further attempts only burn the
			// budget without reaching the operation.
			return nil, fmt.Errorf("phase %s: %w", phase, err)
		}
		if !m.classifier(err) {
			return nil, fmt.Errorf("phase %s: %w", phase, err)
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := backoffDelay(policy, attempt) + m.jitter(policy.JitterMs)
		if max := time.Duration(policy.MaxDelayMs) * time.Millisecond; delay > max {
			delay = max
		}
		logging.Get(logging.CategoryRetry).Debug("phase %s attempt %d/%d failed (%v), retrying in %v",
			phase, attempt, policy.MaxAttempts, err, delay)
		if err := m.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("phase %s exhausted %d attempts: %w", phase, policy.MaxAttempts, lastErr)
}

// backoffDelay computes initial * multiplier^(attempt-1), capped later.
func backoffDelay(policy config.RetryPhaseConfig, attempt int) time.Duration {
	base := float64(policy.InitialDelayMs) * math.Pow(policy.BackoffMultiplier, float64(attempt-1))
	return time.Duration(base) * time.Millisecond
}

// breakerFor lazily builds the per-phase breaker.
func (m *Manager) breakerFor(phase string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[phase]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "retry-" + phase,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Get(logging.CategoryRetry).Warn("breaker %s: %s -> %s", name, from, to)
			var v float64
			switch to {
			case gobreaker.StateHalfOpen:
				v = 1
			case gobreaker.StateOpen:
				v = 2
			}
			m.metrics.BreakerState.WithLabelValues(name).Set(v)
		},
	})
	m.breakers[phase] = cb
	return cb
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
