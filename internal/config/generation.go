package config

import (
	"fmt"
	"time"
)

// LLMConfig configures the gateway and its provider client (C7).
type LLMConfig struct {
	Provider string `yaml:"provider"` // http provider id, informational
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`

	// MaxOutputTokens caps generation length per call.
	MaxOutputTokens int `yaml:"max_output_tokens"`

	// Temperature passed through to the provider.
	Temperature float64 `yaml:"temperature"`

	// CacheTTL is how long gateway responses stay cached.
	CacheTTL string `yaml:"cache_ttl"`
}

// DefaultLLMConfig returns sensible defaults. The base URL points at a
// generateContent-style JSON endpoint; API key comes from the environment.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:        "gemini",
		Model:           "gemini-2.5-flash",
		BaseURL:         "https://generativelanguage.googleapis.com/v1beta",
		Timeout:         "2m",
		MaxOutputTokens: 16384,
		Temperature:     0.4,
		CacheTTL:        "24h",
	}
}

// TimeoutDuration returns the parsed per-call timeout.
func (c LLMConfig) TimeoutDuration() time.Duration { return parseDuration(c.Timeout, 2*time.Minute) }

// CacheTTLDuration returns the parsed response cache TTL.
func (c LLMConfig) CacheTTLDuration() time.Duration {
	return parseDuration(c.CacheTTL, 24*time.Hour)
}

// PipelineConfig configures the orchestrator (C11).
type PipelineConfig struct {
	SectionWorkers int    `yaml:"section_workers"` // bounded fan-out width per request
	StageTimeout   string `yaml:"stage_timeout"`   // per-stage wall clock bound
}

// DefaultPipelineConfig returns sensible defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{SectionWorkers: 3, StageTimeout: "10m"}
}

// Validate checks pipeline parameters.
func (c PipelineConfig) Validate() error {
	if c.SectionWorkers < 1 {
		return fmt.Errorf("section_workers must be >= 1")
	}
	return nil
}

// StageTimeoutDuration returns the parsed per-stage timeout.
func (c PipelineConfig) StageTimeoutDuration() time.Duration {
	return parseDuration(c.StageTimeout, 10*time.Minute)
}

// SectionConfig configures M3 sub-block generation and repair.
// One policy for all sections: three attempts per sub-block with exponential
// backoff (the content-generation retry phase) and at most two repair
// invocations per failed gate set before the section fails.
type SectionConfig struct {
	SubBlockAttempts  int `yaml:"sub_block_attempts"`
	RepairInvocations int `yaml:"repair_invocations"`
	RecapWordLimit    int `yaml:"recap_word_limit"`
	NumericTrials     int `yaml:"numeric_trials"` // seeded trials in the numeric gate

	// StrictUnicode makes CRITICAL unicode findings fail the gate instead of
	// warning and sanitizing.
	StrictUnicode bool `yaml:"strict_unicode"`
}

// DefaultSectionConfig returns the codified policy.
func DefaultSectionConfig() SectionConfig {
	return SectionConfig{
		SubBlockAttempts:  3,
		RepairInvocations: 2,
		RecapWordLimit:    150,
		NumericTrials:     5,
	}
}

// Validate checks section generation parameters.
func (c SectionConfig) Validate() error {
	if c.SubBlockAttempts < 1 {
		return fmt.Errorf("sub_block_attempts must be >= 1")
	}
	if c.RepairInvocations < 0 {
		return fmt.Errorf("repair_invocations must be >= 0")
	}
	if c.NumericTrials < 1 {
		return fmt.Errorf("numeric_trials must be >= 1")
	}
	return nil
}

// AssetCompilerConfig points one asset kind at its external compiler binary.
type AssetCompilerConfig struct {
	Command string   `yaml:"command"` // external "spec -> SVG" compiler
	Args    []string `yaml:"args"`
	Version string   `yaml:"version"` // participates in the cache key
}

// AssetsConfig configures the compiler adapters (C12).
type AssetsConfig struct {
	Plot    AssetCompilerConfig `yaml:"plot"`
	Diagram AssetCompilerConfig `yaml:"diagram"`
	Chem    AssetCompilerConfig `yaml:"chem"`

	CompileTimeout string `yaml:"compile_timeout"`
	PrecompiledDir string `yaml:"precompiled_dir"` // fallback assets by identifier
	CacheTTL       string `yaml:"cache_ttl"`
}

// DefaultAssetsConfig returns sensible defaults.
func DefaultAssetsConfig() AssetsConfig {
	return AssetsConfig{
		Plot:           AssetCompilerConfig{Command: "rf-plotc", Version: "1"},
		Diagram:        AssetCompilerConfig{Command: "rf-diagramc", Version: "1"},
		Chem:           AssetCompilerConfig{Command: "rf-chemc", Version: "1"},
		CompileTimeout: "30s",
		PrecompiledDir: "assets-precompiled",
		CacheTTL:       "168h",
	}
}

// CompileTimeoutDuration returns the parsed per-compile timeout.
func (c AssetsConfig) CompileTimeoutDuration() time.Duration {
	return parseDuration(c.CompileTimeout, 30*time.Second)
}

// CacheTTLDuration returns the parsed compiled-asset cache TTL.
func (c AssetsConfig) CacheTTLDuration() time.Duration {
	return parseDuration(c.CacheTTL, 168*time.Hour)
}

// APIConfig configures the HTTP surface (C13).
type APIConfig struct {
	Addr            string `yaml:"addr"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`

	// Compile endpoint rate limit: CompileLimit requests per CompileWindow
	// per client.
	CompileLimit  int    `yaml:"compile_limit"`
	CompileWindow string `yaml:"compile_window"`
}

// DefaultAPIConfig returns sensible defaults.
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		Addr:            ":8080",
		ReadTimeout:     "30s",
		WriteTimeout:    "60s",
		ShutdownTimeout: "15s",
		CompileLimit:    100,
		CompileWindow:   "15m",
	}
}

// Validate checks API parameters.
func (c APIConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.CompileLimit < 1 {
		return fmt.Errorf("compile_limit must be >= 1")
	}
	return nil
}

// CompileWindowDuration returns the parsed compile rate-limit window.
func (c APIConfig) CompileWindowDuration() time.Duration {
	return parseDuration(c.CompileWindow, 15*time.Minute)
}
