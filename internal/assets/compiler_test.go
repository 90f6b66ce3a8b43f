package assets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readerforge/internal/artifact"
	"readerforge/internal/cache"
	"readerforge/internal/config"
	"readerforge/internal/metrics"
	"readerforge/internal/ratelimit"
	"readerforge/internal/retry"
)

const validSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 10 10"><path d="M0 0 L10 10" stroke="black"/></svg>`

func newTestCompiler(t *testing.T, index *PrecompiledIndex, run runFunc) (*Compiler, *atomic.Int32) {
	t.Helper()
	m := metrics.NewSet()

	cacheCfg := config.DefaultCacheConfig()
	cacheCfg.SyncDiskWrites = true
	store, err := cache.New(cacheCfg, t.TempDir(), m)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	limiter := ratelimit.New(config.DefaultRateLimitConfig(), m)
	t.Cleanup(limiter.Close)

	retryCfg := config.DefaultRetryConfig()
	retryCfg.Phases[retry.PhaseAssetCompilation] = config.RetryPhaseConfig{
		MaxAttempts: 2, InitialDelayMs: 1, MaxDelayMs: 2, BackoffMultiplier: 2,
	}
	rm := retry.New(retryCfg, m, limiter.Retryable)

	c := NewCompiler(config.DefaultAssetsConfig(), store, rm, index, m)
	calls := &atomic.Int32{}
	c.run = func(ctx context.Context, command string, args []string, stdin []byte) ([]byte, error) {
		calls.Add(1)
		return run(ctx, command, args, stdin)
	}
	return c, calls
}

func plotSpec(name string) artifact.AssetSpec {
	return artifact.AssetSpec{
		Kind: artifact.AssetPlot,
		Plot: &artifact.PlotSpec{Name: name, Expression: "2*x"},
	}
}

func TestCompileReturnsSanitizedSVG(t *testing.T) {
	c, _ := newTestCompiler(t, nil, func(ctx context.Context, command string, args []string, stdin []byte) ([]byte, error) {
		assert.Equal(t, "rf-plotc", command)
		assert.Contains(t, string(stdin), `"expression":"2*x"`)
		return []byte(validSVG), nil
	})

	res, err := c.Compile(context.Background(), plotSpec("velocity"), "corr-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.SVG, "<path")
	assert.False(t, res.FromCache)
}

func TestCompileIdenticalSpecServedFromCache(t *testing.T) {
	c, calls := newTestCompiler(t, nil, func(ctx context.Context, command string, args []string, stdin []byte) ([]byte, error) {
		return []byte(validSVG), nil
	})

	_, err := c.Compile(context.Background(), plotSpec("velocity"), "corr-1")
	require.NoError(t, err)
	second, err := c.Compile(context.Background(), plotSpec("velocity"), "corr-2")
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load(), "second compile must hit the cache")
	assert.True(t, second.FromCache)
}

func TestCompileDistinctSpecsMissCache(t *testing.T) {
	c, calls := newTestCompiler(t, nil, func(ctx context.Context, command string, args []string, stdin []byte) ([]byte, error) {
		return []byte(validSVG), nil
	})

	_, err := c.Compile(context.Background(), plotSpec("velocity"), "corr-1")
	require.NoError(t, err)
	_, err = c.Compile(context.Background(), plotSpec("acceleration"), "corr-1")
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
}

func TestCompileFailureWithoutFallbackErrors(t *testing.T) {
	c, _ := newTestCompiler(t, nil, func(ctx context.Context, command string, args []string, stdin []byte) ([]byte, error) {
		return nil, errors.New("compiler crashed")
	})

	res, err := c.Compile(context.Background(), plotSpec("velocity"), "corr-1")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "compiler crashed")
}

func TestCompileFailureServesPrecompiledAsset(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "velocity.svg"), []byte(validSVG), 0o644))
	index, err := NewPrecompiledIndex(dir)
	require.NoError(t, err)
	t.Cleanup(index.Close)

	c, _ := newTestCompiler(t, index, func(ctx context.Context, command string, args []string, stdin []byte) ([]byte, error) {
		return nil, errors.New("compiler crashed")
	})

	res, err := c.Compile(context.Background(), plotSpec("velocity"), "corr-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Precompiled)
	assert.Contains(t, res.SVG, "<path")
}

func TestCompileUnknownKindErrors(t *testing.T) {
	c, _ := newTestCompiler(t, nil, func(ctx context.Context, command string, args []string, stdin []byte) ([]byte, error) {
		return []byte(validSVG), nil
	})

	_, err := c.Compile(context.Background(), artifact.AssetSpec{Kind: artifact.AssetWidget}, "corr-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no compiler")
}
