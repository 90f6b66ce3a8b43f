package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeLevels(t *testing.T) {
	require.NoError(t, Initialize(Config{DebugMode: true, Level: "debug"}))
	require.NoError(t, Initialize(Config{DebugMode: true, Level: "info"}))
	require.NoError(t, Initialize(Config{DebugMode: false}))
	assert.Error(t, Initialize(Config{DebugMode: true, Level: "loud"}))
}

func TestGetReturnsSameLoggerPerCategory(t *testing.T) {
	require.NoError(t, Initialize(Config{DebugMode: true, Level: "info"}))

	a := Get(CategoryPipeline)
	b := Get(CategoryPipeline)
	assert.Same(t, a, b)

	c := Get(CategoryGates)
	assert.NotSame(t, a, c)
}

func TestCategoryFilter(t *testing.T) {
	require.NoError(t, Initialize(Config{
		DebugMode:  true,
		Level:      "debug",
		Categories: map[string]bool{"cache": false},
	}))

	assert.False(t, Get(CategoryCache).enabled)
	assert.True(t, Get(CategoryPipeline).enabled)

	// Disabled categories still must not panic.
	Get(CategoryCache).Info("suppressed %d", 1)
	CacheDebug("suppressed %d", 2)
}

func TestTimerStopReturnsElapsed(t *testing.T) {
	require.NoError(t, Initialize(Config{DebugMode: true, Level: "debug"}))
	timer := StartTimer(CategoryStages, "unit")
	elapsed := timer.Stop()
	assert.GreaterOrEqual(t, elapsed.Nanoseconds(), int64(0))
}

func TestWithCorrelationID(t *testing.T) {
	require.NoError(t, Initialize(Config{DebugMode: true, Level: "debug"}))
	l := Get(CategoryAPI).With("corr-123")
	l.Info("request admitted")
	l.Debug("request detail")
}
