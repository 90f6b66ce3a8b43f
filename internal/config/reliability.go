package config

import (
	"fmt"
	"time"
)

// CacheConfig configures the two-tier content-addressed store (C1).
type CacheConfig struct {
	MemoryEntries     int    `yaml:"memory_entries"`       // LRU capacity (entry count)
	MinTTL            string `yaml:"min_ttl"`              // lower clamp for entry TTL
	MaxTTL            string `yaml:"max_ttl"`              // upper clamp for entry TTL
	DefaultTTL        string `yaml:"default_ttl"`          // applied when caller passes 0
	SyncDiskWrites    bool   `yaml:"sync_disk_writes"`     // write disk tier synchronously
	VerifyDiskHashes  bool   `yaml:"verify_disk_hashes"`   // checksum values read from disk
	CleanupInterval   string `yaml:"cleanup_interval"`     // memory sweep period
	DiskSweepEveryNth int    `yaml:"disk_sweep_every_nth"` // disk swept on every Nth memory sweep
}

// DefaultCacheConfig returns sensible defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MemoryEntries:     2048,
		MinTTL:            "1m",
		MaxTTL:            "168h",
		DefaultTTL:        "24h",
		SyncDiskWrites:    false,
		VerifyDiskHashes:  true,
		CleanupInterval:   "5m",
		DiskSweepEveryNth: 12,
	}
}

// Validate checks cache limits.
func (c CacheConfig) Validate() error {
	if c.MemoryEntries < 1 {
		return fmt.Errorf("memory_entries must be >= 1")
	}
	if c.DiskSweepEveryNth < 1 {
		return fmt.Errorf("disk_sweep_every_nth must be >= 1")
	}
	if c.MinTTLDuration() > c.MaxTTLDuration() {
		return fmt.Errorf("min_ttl must not exceed max_ttl")
	}
	return nil
}

// MinTTLDuration returns the parsed lower TTL clamp.
func (c CacheConfig) MinTTLDuration() time.Duration { return parseDuration(c.MinTTL, time.Minute) }

// MaxTTLDuration returns the parsed upper TTL clamp.
func (c CacheConfig) MaxTTLDuration() time.Duration {
	return parseDuration(c.MaxTTL, 168*time.Hour)
}

// DefaultTTLDuration returns the TTL used when callers pass zero.
func (c CacheConfig) DefaultTTLDuration() time.Duration {
	return parseDuration(c.DefaultTTL, 24*time.Hour)
}

// CleanupIntervalDuration returns the memory sweep period.
func (c CacheConfig) CleanupIntervalDuration() time.Duration {
	return parseDuration(c.CleanupInterval, 5*time.Minute)
}

// RateLimitConfig configures the limiter and its circuit breaker (C2).
type RateLimitConfig struct {
	RequestsPerMinute int    `yaml:"requests_per_minute"` // bucket refill rate
	BurstCapacity     int    `yaml:"burst_capacity"`      // bucket size
	MaxQueueDepth     int    `yaml:"max_queue_depth"`     // per-key FIFO bound
	QueueTimeout      string `yaml:"queue_timeout"`       // max wait in queue
	GlobalConcurrency int    `yaml:"global_concurrency"`  // simultaneous in-flight calls

	// Circuit breaker
	FailureThreshold int    `yaml:"failure_threshold"`   // consecutive failures to open
	RecoveryTimeout  string `yaml:"recovery_timeout"`    // open -> half-open delay
	HalfOpenMaxCalls int    `yaml:"half_open_max_calls"` // trial calls in half-open

	// Retryability classification patterns (substring match, lowercase)
	RetryablePatterns []string `yaml:"retryable_patterns"`
}

// DefaultRateLimitConfig returns sensible defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 30,
		BurstCapacity:     8,
		MaxQueueDepth:     64,
		QueueTimeout:      "30s",
		GlobalConcurrency: 5,
		FailureThreshold:  8,
		RecoveryTimeout:   "30s",
		HalfOpenMaxCalls:  1,
		RetryablePatterns: []string{
			"rate limit", "rate_limit", "too many requests", "429",
			"timeout", "timed out", "deadline exceeded",
			"502", "503", "504", "bad gateway", "service unavailable",
			"connection reset", "connection refused", "econnreset", "broken pipe",
		},
	}
}

// Validate checks limiter parameters.
func (c RateLimitConfig) Validate() error {
	if c.RequestsPerMinute < 1 {
		return fmt.Errorf("requests_per_minute must be >= 1")
	}
	if c.BurstCapacity < 1 {
		return fmt.Errorf("burst_capacity must be >= 1")
	}
	if c.GlobalConcurrency < 1 {
		return fmt.Errorf("global_concurrency must be >= 1")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure_threshold must be >= 1")
	}
	if c.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("half_open_max_calls must be >= 1")
	}
	return nil
}

// QueueTimeoutDuration returns the parsed queue timeout.
func (c RateLimitConfig) QueueTimeoutDuration() time.Duration {
	return parseDuration(c.QueueTimeout, 30*time.Second)
}

// RecoveryTimeoutDuration returns the parsed breaker recovery timeout.
func (c RateLimitConfig) RecoveryTimeoutDuration() time.Duration {
	return parseDuration(c.RecoveryTimeout, 30*time.Second)
}

// RetryPhaseConfig configures a single retry phase (C3).
type RetryPhaseConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialDelayMs    int     `yaml:"initial_delay_ms"`
	MaxDelayMs        int     `yaml:"max_delay_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	JitterMs          int     `yaml:"jitter_ms"`
	BreakerEnabled    bool    `yaml:"breaker_enabled"`
}

// RetryConfig holds per-phase retry policies.
type RetryConfig struct {
	Phases map[string]RetryPhaseConfig `yaml:"phases"`
}

// DefaultRetryConfig returns the standard phase table.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Phases: map[string]RetryPhaseConfig{
			"llm-request":        {MaxAttempts: 4, InitialDelayMs: 500, MaxDelayMs: 30000, BackoffMultiplier: 2.0, JitterMs: 250, BreakerEnabled: true},
			"content-generation": {MaxAttempts: 3, InitialDelayMs: 1000, MaxDelayMs: 20000, BackoffMultiplier: 2.0, JitterMs: 500, BreakerEnabled: false},
			"asset-compilation":  {MaxAttempts: 3, InitialDelayMs: 500, MaxDelayMs: 10000, BackoffMultiplier: 2.0, JitterMs: 200, BreakerEnabled: true},
			"file-operations":    {MaxAttempts: 3, InitialDelayMs: 100, MaxDelayMs: 2000, BackoffMultiplier: 2.0, JitterMs: 50, BreakerEnabled: false},
			"validation":         {MaxAttempts: 1, InitialDelayMs: 0, MaxDelayMs: 0, BackoffMultiplier: 1.0, JitterMs: 0, BreakerEnabled: false},
			"rendering":          {MaxAttempts: 2, InitialDelayMs: 250, MaxDelayMs: 5000, BackoffMultiplier: 2.0, JitterMs: 100, BreakerEnabled: false},
		},
	}
}

// Validate checks that every declared phase is sane.
func (c RetryConfig) Validate() error {
	for name, p := range c.Phases {
		if p.MaxAttempts < 1 {
			return fmt.Errorf("phase %s: max_attempts must be >= 1", name)
		}
		if p.BackoffMultiplier < 1.0 {
			return fmt.Errorf("phase %s: backoff_multiplier must be >= 1.0", name)
		}
		if p.MaxDelayMs < p.InitialDelayMs {
			return fmt.Errorf("phase %s: max_delay_ms must be >= initial_delay_ms", name)
		}
	}
	return nil
}

// LocksConfig configures the lock manager (C4).
type LocksConfig struct {
	LeaseDuration string `yaml:"lease_duration"` // how long a lock is held before expiry
	SweepInterval string `yaml:"sweep_interval"` // expired-lease reclamation period
}

// DefaultLocksConfig returns sensible defaults.
func DefaultLocksConfig() LocksConfig {
	return LocksConfig{LeaseDuration: "10m", SweepInterval: "30s"}
}

// LeaseDurationValue returns the parsed lease duration.
func (c LocksConfig) LeaseDurationValue() time.Duration {
	return parseDuration(c.LeaseDuration, 10*time.Minute)
}

// SweepIntervalValue returns the parsed sweep interval.
func (c LocksConfig) SweepIntervalValue() time.Duration {
	return parseDuration(c.SweepInterval, 30*time.Second)
}

// IdempotencyConfig configures the fingerprint ledger (C5).
type IdempotencyConfig struct {
	DatabaseFile string `yaml:"database_file"` // sqlite file under paths.data_dir
	DefaultTTL   string `yaml:"default_ttl"`
}

// DefaultIdempotencyConfig returns sensible defaults.
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{DatabaseFile: "idempotency.db", DefaultTTL: "24h"}
}

// DefaultTTLDuration returns the record TTL used when callers pass zero.
func (c IdempotencyConfig) DefaultTTLDuration() time.Duration {
	return parseDuration(c.DefaultTTL, 24*time.Hour)
}
