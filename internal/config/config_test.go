package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 8, cfg.RateLimit.BurstCapacity)
	assert.Equal(t, 3, cfg.Section.SubBlockAttempts)
	assert.Equal(t, 5, cfg.Section.NumericTrials)

	// Every retry phase the pipeline references must be declared.
	for _, phase := range []string{
		"llm-request", "content-generation", "asset-compilation",
		"file-operations", "validation", "rendering",
	} {
		_, ok := cfg.Retry.Phases[phase]
		assert.True(t, ok, "missing retry phase %s", phase)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "readerforge", cfg.Name)
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
name: readerforge
rate_limit:
  requests_per_minute: 120
  burst_capacity: 20
pipeline:
  section_workers: 7
cache:
  memory_entries: 10
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 120, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 20, cfg.RateLimit.BurstCapacity)
	assert.Equal(t, 7, cfg.Pipeline.SectionWorkers)
	assert.Equal(t, 10, cfg.Cache.MemoryEntries)
	// Untouched sections keep defaults.
	assert.Equal(t, 5, cfg.RateLimit.GlobalConcurrency)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("READERFORGE_LLM_API_KEY", "k-123")
	t.Setenv("READERFORGE_SECTION_WORKERS", "9")
	t.Setenv("READERFORGE_DEBUG", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "k-123", cfg.LLM.APIKey)
	assert.Equal(t, 9, cfg.Pipeline.SectionWorkers)
	assert.True(t, cfg.Logging.DebugMode)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.RateLimit.BurstCapacity = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Pipeline.SectionWorkers = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Retry.Phases["llm-request"] = RetryPhaseConfig{MaxAttempts: 0}
	assert.Error(t, cfg.Validate())
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 30*time.Second, cfg.RateLimit.QueueTimeoutDuration())
	assert.Equal(t, 24*time.Hour, cfg.Cache.DefaultTTLDuration())
	assert.Equal(t, 15*time.Minute, cfg.API.CompileWindowDuration())
	// Malformed strings fall back rather than fail.
	bad := LocksConfig{LeaseDuration: "not-a-duration"}
	assert.Equal(t, 10*time.Minute, bad.LeaseDurationValue())
}
