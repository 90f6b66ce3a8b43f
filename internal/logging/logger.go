// Package logging provides config-driven categorized logging for readerforge.
// Every subsystem logs through its own category so operators can enable the
// pipeline trace they need without drowning in the rest. Categories map to
// named zap loggers; when debug mode is off only Warn and above are emitted.
package logging

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	// Core categories
	CategoryBoot     Category = "boot"     // Startup and shutdown
	CategoryAPI      Category = "api"      // HTTP request handling
	CategoryPipeline Category = "pipeline" // Orchestrator state machine
	CategoryStages   Category = "stages"   // Plan/Scaffold/Section/Assemble generators

	// Reliability categories
	CategoryCache       Category = "cache"       // Content-addressed store
	CategoryRateLimit   Category = "ratelimit"   // Token buckets and circuit breakers
	CategoryRetry       Category = "retry"       // Retry policies
	CategoryLocks       Category = "locks"       // Lock manager leases
	CategoryIdempotency Category = "idempotency" // Fingerprint ledger
	CategoryPublish     Category = "publish"     // Atomic file publication

	// Generation categories
	CategoryLLM    Category = "llm"    // Gateway and provider calls
	CategoryGates  Category = "gates"  // Validation gates
	CategoryRepair Category = "repair" // Repair engine attempts
	CategoryAssets Category = "assets" // Asset compiler adapters
	CategoryRefDoc Category = "refdoc" // Reference document resolution
	CategoryPrompt Category = "prompt" // Prompt template store
)

// Config controls logger construction. It mirrors config.LoggingConfig to
// avoid a circular import.
type Config struct {
	DebugMode  bool            // When false, only Warn and above reach the sink
	Level      string          // debug/info/warn/error
	JSONFormat bool            // Structured JSON output instead of console
	Categories map[string]bool // Per-category enable; empty means all enabled
}

// Logger wraps a named zap logger for a single category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	enabled  bool
}

var (
	mu        sync.RWMutex
	loggers   = make(map[Category]*Logger)
	root      *zap.Logger
	cfg       Config
	installed bool
)

// Initialize builds the root zap logger from config. Safe to call more than
// once; later calls rebuild all category loggers.
func Initialize(c Config) error {
	mu.Lock()
	defer mu.Unlock()

	level := zapcore.WarnLevel
	if c.DebugMode {
		switch c.Level {
		case "debug":
			level = zapcore.DebugLevel
		case "info", "":
			level = zapcore.InfoLevel
		case "warn", "warning":
			level = zapcore.WarnLevel
		case "error":
			level = zapcore.ErrorLevel
		default:
			return fmt.Errorf("unknown log level %q", c.Level)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if c.JSONFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		devCfg := zap.NewDevelopmentEncoderConfig()
		devCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewConsoleEncoder(devCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	root = zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel))
	cfg = c
	installed = true
	loggers = make(map[Category]*Logger)
	return nil
}

// Get returns the logger for a category, creating it on first use.
// Works before Initialize (falls back to a Warn-level console logger).
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	if !installed {
		// Pre-init fallback so early failures are still visible.
		fallback, _ := zap.NewProduction()
		root = fallback
		cfg = Config{}
		installed = true
	}
	l := &Logger{
		category: category,
		sugar:    root.Named(string(category)).Sugar(),
		enabled:  categoryEnabled(category),
	}
	loggers[category] = l
	return l
}

func categoryEnabled(category Category) bool {
	if len(cfg.Categories) == 0 {
		return true
	}
	enabled, ok := cfg.Categories[string(category)]
	return !ok || enabled
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}

// Debug logs at debug level with printf formatting.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.enabled {
		l.sugar.Debugf(format, args...)
	}
}

// Info logs at info level with printf formatting.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.enabled {
		l.sugar.Infof(format, args...)
	}
}

// Warn logs at warn level with printf formatting.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs at error level with printf formatting.
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// With returns a logger carrying a correlation id on every entry.
func (l *Logger) With(correlationID string) *Logger {
	return &Logger{
		category: l.category,
		sugar:    l.sugar.With("correlation_id", correlationID),
		enabled:  l.enabled,
	}
}

// Convenience helpers for hot categories, matching call sites like
// logging.Pipeline("transition %s -> %s", from, to).

// Pipeline logs to the pipeline category at info level.
func Pipeline(format string, args ...interface{}) { Get(CategoryPipeline).Info(format, args...) }

// PipelineDebug logs to the pipeline category at debug level.
func PipelineDebug(format string, args ...interface{}) {
	Get(CategoryPipeline).Debug(format, args...)
}

// Gates logs to the gates category at info level.
func Gates(format string, args ...interface{}) { Get(CategoryGates).Info(format, args...) }

// GatesDebug logs to the gates category at debug level.
func GatesDebug(format string, args ...interface{}) { Get(CategoryGates).Debug(format, args...) }

// LLM logs to the llm category at info level.
func LLM(format string, args ...interface{}) { Get(CategoryLLM).Info(format, args...) }

// LLMDebug logs to the llm category at debug level.
func LLMDebug(format string, args ...interface{}) { Get(CategoryLLM).Debug(format, args...) }

// CacheDebug logs to the cache category at debug level.
func CacheDebug(format string, args ...interface{}) { Get(CategoryCache).Debug(format, args...) }

// Timer measures the duration of an operation and logs it on Stop.
type Timer struct {
	category Category
	name     string
	start    time.Time
}

// StartTimer begins timing an operation for latency logging.
func StartTimer(category Category, name string) *Timer {
	return &Timer{category: category, name: name, start: time.Now()}
}

// Stop ends the timer and logs the elapsed duration at debug level.
// Returns the elapsed duration for callers that also export it as a metric.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s took %v", t.name, elapsed)
	return elapsed
}
