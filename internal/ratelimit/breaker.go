package ratelimit

import (
	"sync"
	"time"

	"readerforge/internal/logging"
	"readerforge/internal/metrics"
)

// State represents circuit breaker state.
type State int

const (
	// StateClosed - calls flow normally, consecutive failures are counted.
	StateClosed State = iota
	// StateHalfOpen - a bounded number of trial calls test the upstream.
	StateHalfOpen
	// StateOpen - calls fail immediately without contacting the upstream.
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures to trip open
	RecoveryTimeout  time.Duration // open -> half-open delay
	HalfOpenMaxCalls int           // trial calls permitted while half-open
}

// Breaker is the circuit breaker protecting the upstream service.
// Transitions: CLOSED -> OPEN on FailureThreshold consecutive failures;
// OPEN -> HALF_OPEN after RecoveryTimeout; a half-open trial success closes
// the circuit, a trial failure re-opens it with a refreshed timestamp.
type Breaker struct {
	cfg     BreakerConfig
	metrics *metrics.Set
	now     func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	halfOpenCalls       int
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig, m *metrics.Set) *Breaker {
	b := &Breaker{cfg: cfg, metrics: m, now: time.Now, state: StateClosed}
	b.exportState()
	return b
}

// Allow reports whether a call may proceed, performing the OPEN -> HALF_OPEN
// transition when the recovery timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			return false
		}
		b.transition(StateHalfOpen)
		b.halfOpenCalls = 1
		return true
	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return false
		}
		b.halfOpenCalls++
		return true
	}
	return false
}

// Record reports the outcome of a permitted call.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.consecutiveFailures = 0
			return
		}
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		if success {
			b.consecutiveFailures = 0
			b.halfOpenCalls = 0
			b.transition(StateClosed)
			return
		}
		b.openedAt = b.now()
		b.halfOpenCalls = 0
		b.transition(StateOpen)
	case StateOpen:
		// A late failure from a call admitted before the trip; the window
		// timestamp is not refreshed for it.
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition moves states and exports the gauge. Caller holds b.mu.
func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	logging.Get(logging.CategoryRateLimit).Warn("breaker %s: %s -> %s", b.cfg.Name, b.state, next)
	b.state = next
	b.exportState()
}

func (b *Breaker) exportState() {
	if b.metrics == nil {
		return
	}
	var v float64
	switch b.state {
	case StateHalfOpen:
		v = 1
	case StateOpen:
		v = 2
	}
	b.metrics.BreakerState.WithLabelValues(b.cfg.Name).Set(v)
}
