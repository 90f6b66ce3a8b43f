// Package ratelimit bounds calls to the upstream LLM service: a token bucket
// per key, a FIFO dispatch queue per key, a global concurrency gate across
// all keys, and a circuit breaker that fails fast after repeated upstream
// failures.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"readerforge/internal/config"
	"readerforge/internal/logging"
	"readerforge/internal/metrics"
)

// Typed limiter errors. Callers branch on these with errors.Is.
var (
	ErrCircuitOpen  = errors.New("circuit open")
	ErrRateLimited  = errors.New("rate limited")
	ErrQueueFull    = errors.New("queue full")
	ErrQueueTimeout = errors.New("queue timeout")
)

// Fn is the operation a limiter dispatches.
type Fn func(ctx context.Context) (interface{}, error)

type callState int32

const (
	callPending callState = iota
	callClaimed
	callAbandoned
)

type queuedCall struct {
	ctx    context.Context
	fn     Fn
	state  atomic.Int32
	result chan callResult
}

type callResult struct {
	value interface{}
	err   error
}

// keyState holds the bucket, queue and dispatcher for a single key.
type keyState struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time

	queue chan *queuedCall
	stop  chan struct{}
}

// Limiter is the per-key token bucket + queue with a global concurrency gate.
type Limiter struct {
	cfg     config.RateLimitConfig
	metrics *metrics.Set
	breaker *Breaker
	global  *semaphore.Weighted
	now     func() time.Time

	mu   sync.Mutex
	keys map[string]*keyState

	stopCh  chan struct{}
	stopped sync.Once
}

// New creates a Limiter and starts its idle-key janitor.
func New(cfg config.RateLimitConfig, m *metrics.Set) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		metrics: m,
		global:  semaphore.NewWeighted(int64(cfg.GlobalConcurrency)),
		now:     time.Now,
		keys:    make(map[string]*keyState),
		stopCh:  make(chan struct{}),
		breaker: NewBreaker(BreakerConfig{
			Name:             "upstream",
			FailureThreshold: cfg.FailureThreshold,
			RecoveryTimeout:  cfg.RecoveryTimeoutDuration(),
			HalfOpenMaxCalls: cfg.HalfOpenMaxCalls,
		}, m),
	}
	go l.janitor()
	return l
}

// Close stops dispatchers and the janitor.
func (l *Limiter) Close() {
	l.stopped.Do(func() {
		close(l.stopCh)
		l.mu.Lock()
		for _, ks := range l.keys {
			close(ks.stop)
		}
		l.keys = make(map[string]*keyState)
		l.mu.Unlock()
	})
}

// Breaker exposes the upstream circuit breaker (the retry layer consults it
// when classifying failures).
func (l *Limiter) Breaker() *Breaker { return l.breaker }

// Execute runs fn under the limiter:
//  1. fail fast if the circuit is open;
//  2. consume one token from the key's bucket or fail with ErrRateLimited;
//  3. enqueue on the key's FIFO, bounded by depth and queue timeout;
//  4. when dispatched, hold a global concurrency slot for the call.
//
// The breaker records the outcome of every dispatched call.
func (l *Limiter) Execute(ctx context.Context, key string, fn Fn) (interface{}, error) {
	if !l.breaker.Allow() {
		l.metrics.LimiterRejections.WithLabelValues("circuit_open").Inc()
		return nil, fmt.Errorf("limiter key %s: %w", key, ErrCircuitOpen)
	}

	ks := l.keyState(key)
	if !l.takeToken(ks) {
		l.metrics.LimiterRejections.WithLabelValues("rate_limited").Inc()
		return nil, fmt.Errorf("limiter key %s: %w", key, ErrRateLimited)
	}

	call := &queuedCall{ctx: ctx, fn: fn, result: make(chan callResult, 1)}
	select {
	case ks.queue <- call:
		l.metrics.LimiterQueueDepth.WithLabelValues(key).Set(float64(len(ks.queue)))
	default:
		l.metrics.LimiterRejections.WithLabelValues("queue_full").Inc()
		return nil, fmt.Errorf("limiter key %s: %w", key, ErrQueueFull)
	}

	timer := time.NewTimer(l.cfg.QueueTimeoutDuration())
	defer timer.Stop()

	timeoutCh := timer.C
	done := ctx.Done()
	for {
		select {
		case res := <-call.result:
			l.breaker.Record(res.err == nil || !l.Retryable(res.err))
			return res.value, res.err
		case <-timeoutCh:
			if call.state.CompareAndSwap(int32(callPending), int32(callAbandoned)) {
				l.metrics.LimiterRejections.WithLabelValues("queue_timeout").Inc()
				return nil, fmt.Errorf("limiter key %s: %w", key, ErrQueueTimeout)
			}
			// Already claimed by the dispatcher; wait for the result.
			timeoutCh = nil
		case <-done:
			if call.state.CompareAndSwap(int32(callPending), int32(callAbandoned)) {
				return nil, ctx.Err()
			}
			// Claimed: the dispatcher observes ctx and returns shortly.
			done = nil
		}
	}
}

// Retryable reports whether an error matches the configured retryable
// patterns (rate limiting, transport timeouts, gateway errors, resets).
func (l *Limiter) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range l.cfg.RetryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// keyState returns the state for a key, creating bucket, queue and
// dispatcher on first use.
func (l *Limiter) keyState(key string) *keyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ks, ok := l.keys[key]; ok {
		return ks
	}
	ks := &keyState{
		tokens:     float64(l.cfg.BurstCapacity),
		lastRefill: l.now(),
		queue:      make(chan *queuedCall, l.cfg.MaxQueueDepth),
		stop:       make(chan struct{}),
	}
	l.keys[key] = ks
	go l.dispatch(key, ks)
	return ks
}

// takeToken refills by elapsed time and consumes one token if available.
func (l *Limiter) takeToken(ks *keyState) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := l.now()
	elapsed := now.Sub(ks.lastRefill).Seconds()
	if elapsed > 0 {
		refillPerSecond := float64(l.cfg.RequestsPerMinute) / 60.0
		ks.tokens += elapsed * refillPerSecond
		if max := float64(l.cfg.BurstCapacity); ks.tokens > max {
			ks.tokens = max
		}
		ks.lastRefill = now
	}
	if ks.tokens < 1 {
		return false
	}
	ks.tokens--
	return true
}

// dispatch drains one key's FIFO in order, holding a global concurrency slot
// for the duration of each call.
func (l *Limiter) dispatch(key string, ks *keyState) {
	for {
		select {
		case <-ks.stop:
			return
		case call := <-ks.queue:
			l.metrics.LimiterQueueDepth.WithLabelValues(key).Set(float64(len(ks.queue)))
			if !call.state.CompareAndSwap(int32(callPending), int32(callClaimed)) {
				continue // abandoned while queued
			}
			if err := l.global.Acquire(call.ctx, 1); err != nil {
				call.result <- callResult{err: err}
				continue
			}
			l.metrics.LimiterInFlight.Inc()
			value, err := call.fn(call.ctx)
			l.metrics.LimiterInFlight.Dec()
			l.global.Release(1)
			call.result <- callResult{value: value, err: err}
		}
	}
}

// janitor collects idle key state: queue empty and no token deficit.
func (l *Limiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.collectIdle()
		}
	}
}

func (l *Limiter) collectIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, ks := range l.keys {
		ks.mu.Lock()
		// The bucket refills lazily, so project the balance forward.
		refillPerSecond := float64(l.cfg.RequestsPerMinute) / 60.0
		projected := ks.tokens + l.now().Sub(ks.lastRefill).Seconds()*refillPerSecond
		full := projected >= float64(l.cfg.BurstCapacity)
		ks.mu.Unlock()
		if full && len(ks.queue) == 0 {
			close(ks.stop)
			delete(l.keys, key)
			l.metrics.LimiterQueueDepth.DeleteLabelValues(key)
			logging.Get(logging.CategoryRateLimit).Debug("collected idle limiter key %s", key)
		}
	}
}
