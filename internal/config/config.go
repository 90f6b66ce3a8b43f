// Package config holds all readerforge configuration. Each component owns a
// section struct with a Default constructor; the root Config is loaded from a
// YAML file and then overridden by READERFORGE_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all readerforge configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Filesystem layout
	Paths PathsConfig `yaml:"paths"`

	// LLM gateway
	LLM LLMConfig `yaml:"llm"`

	// Content-addressed store
	Cache CacheConfig `yaml:"cache"`

	// Rate limiter and circuit breaker
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Retry policies
	Retry RetryConfig `yaml:"retry"`

	// Lock manager
	Locks LocksConfig `yaml:"locks"`

	// Idempotency store
	Idempotency IdempotencyConfig `yaml:"idempotency"`

	// Pipeline orchestration
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Section generation (M3)
	Section SectionConfig `yaml:"section"`

	// Asset compilation
	Assets AssetsConfig `yaml:"assets"`

	// HTTP API
	API APIConfig `yaml:"api"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// PathsConfig describes the on-disk layout.
type PathsConfig struct {
	OutputDir string `yaml:"output_dir"` // chapters/ and assets/ live under here
	CacheDir  string `yaml:"cache_dir"`  // disk cache tier
	TempDir   string `yaml:"temp_dir"`   // transient temp files for atomic writes
	PromptDir string `yaml:"prompt_dir"` // YAML prompt templates
	RefDocDir string `yaml:"refdoc_dir"` // reference document corpus
	DataDir   string `yaml:"data_dir"`   // sqlite ledger and other durable state
}

// LoggingConfig configures the categorized logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// Default returns the baseline configuration. Every section default matches
// the values the tests assert on.
func Default() Config {
	return Config{
		Name:        "readerforge",
		Version:     "1.0.0",
		Paths:       DefaultPathsConfig(),
		LLM:         DefaultLLMConfig(),
		Cache:       DefaultCacheConfig(),
		RateLimit:   DefaultRateLimitConfig(),
		Retry:       DefaultRetryConfig(),
		Locks:       DefaultLocksConfig(),
		Idempotency: DefaultIdempotencyConfig(),
		Pipeline:    DefaultPipelineConfig(),
		Section:     DefaultSectionConfig(),
		Assets:      DefaultAssetsConfig(),
		API:         DefaultAPIConfig(),
		Logging:     LoggingConfig{DebugMode: false, Level: "info"},
	}
}

// DefaultPathsConfig returns the standard layout rooted in the working dir.
func DefaultPathsConfig() PathsConfig {
	return PathsConfig{
		OutputDir: "output",
		CacheDir:  filepath.Join("output", ".cache"),
		TempDir:   filepath.Join("output", ".tmp"),
		PromptDir: "prompts",
		RefDocDir: "refdocs",
		DataDir:   filepath.Join("output", ".data"),
	}
}

// Load reads configuration from a YAML file, starting from defaults. A
// missing file is not an error; env overrides still apply.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides applies READERFORGE_* environment variables on top of the
// loaded file. Only operationally relevant knobs are exposed this way.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("READERFORGE_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("READERFORGE_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("READERFORGE_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("READERFORGE_OUTPUT_DIR"); v != "" {
		cfg.Paths.OutputDir = v
	}
	if v := os.Getenv("READERFORGE_CACHE_DIR"); v != "" {
		cfg.Paths.CacheDir = v
	}
	if v := os.Getenv("READERFORGE_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("READERFORGE_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.DebugMode = b
		}
	}
	if v := os.Getenv("READERFORGE_SECTION_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pipeline.SectionWorkers = n
		}
	}
}

// Validate checks every section. The first violation is returned.
func (c *Config) Validate() error {
	if c.Paths.OutputDir == "" {
		return fmt.Errorf("paths.output_dir must not be empty")
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if err := c.Section.Validate(); err != nil {
		return fmt.Errorf("section: %w", err)
	}
	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

// parseDuration is a shared helper for string duration fields with defaults.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
