// Package assets turns validated asset specs into SVG through external
// compiler binaries, one adapter per asset kind. Compiled output is cached
// by spec content and compiler version; a precompiled-asset index serves as
// the fallback when a compiler fails.
package assets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"readerforge/internal/artifact"
	"readerforge/internal/cache"
	"readerforge/internal/canon"
	"readerforge/internal/config"
	"readerforge/internal/logging"
	"readerforge/internal/metrics"
	"readerforge/internal/retry"
)

// maxCompilerOutput bounds what a compiler may emit.
const maxCompilerOutput = 4 << 20

// Result is the outcome of one compile request.
type Result struct {
	Success     bool   `json:"success"`
	SVG         string `json:"svg,omitempty"`
	Error       string `json:"error,omitempty"`
	FromCache   bool   `json:"-"`
	Precompiled bool   `json:"-"`
}

// runFunc executes one compiler process. Injectable for tests.
type runFunc func(ctx context.Context, command string, args []string, stdin []byte) ([]byte, error)

// Compiler dispatches specs to their external compilers.
type Compiler struct {
	cfg     config.AssetsConfig
	cache   *cache.Store
	retry   *retry.Manager
	index   *PrecompiledIndex
	metrics *metrics.Set
	run     runFunc
}

// NewCompiler wires the adapter set. index may be nil when no precompiled
// fallback directory is configured.
func NewCompiler(cfg config.AssetsConfig, store *cache.Store, rm *retry.Manager, index *PrecompiledIndex, m *metrics.Set) *Compiler {
	c := &Compiler{
		cfg:     cfg,
		cache:   store,
		retry:   rm,
		index:   index,
		metrics: m,
	}
	c.run = c.runProcess
	return c
}

// cacheKeyContent makes the compiled-SVG cache key: the canonical spec plus
// the compiler version, so a compiler upgrade invalidates its output.
type cacheKeyContent struct {
	Spec    artifact.AssetSpec `json:"spec"`
	Version string             `json:"version"`
}

// Compile renders one spec to sanitized SVG.
func (c *Compiler) Compile(ctx context.Context, spec artifact.AssetSpec, correlationID string) (Result, error) {
	adapter, err := c.adapterFor(spec.Kind)
	if err != nil {
		return Result{}, err
	}

	keyContent := cacheKeyContent{Spec: spec, Version: adapter.Version}
	if raw, ok := c.cache.Get("asset", keyContent); ok {
		var cached Result
		if err := json.Unmarshal(raw, &cached); err == nil {
			c.metrics.AssetCompile.WithLabelValues(string(spec.Kind), "cache_hit").Inc()
			cached.FromCache = true
			return cached, nil
		}
	}

	stdin, err := canon.Canonicalize(spec)
	if err != nil {
		return Result{}, fmt.Errorf("asset %s: canonicalize: %w", spec.Name(), err)
	}

	value, err := c.retry.Execute(ctx, retry.PhaseAssetCompilation, func(ctx context.Context) (interface{}, error) {
		return c.run(ctx, adapter.Command, adapter.Args, stdin)
	})
	if err != nil {
		return c.fallback(spec, correlationID, err)
	}
	raw, ok := value.([]byte)
	if !ok {
		return Result{}, fmt.Errorf("asset %s: unexpected compiler value %T", spec.Name(), value)
	}

	svg, err := SanitizeSVG(raw)
	if err != nil {
		return c.fallback(spec, correlationID, fmt.Errorf("sanitize: %w", err))
	}

	result := Result{Success: true, SVG: svg}
	c.metrics.AssetCompile.WithLabelValues(string(spec.Kind), "success").Inc()
	if err := c.cache.Set("asset", keyContent, result, c.cfg.CacheTTLDuration()); err != nil {
		logging.Get(logging.CategoryAssets).Warn("caching compiled asset %s failed: %v", spec.Name(), err)
	}
	logging.Get(logging.CategoryAssets).Debug("compiled %s/%s (%d bytes, correlation %s)",
		spec.Kind, spec.Name(), len(svg), correlationID)
	return result, nil
}

// fallback serves a precompiled asset by identifier when compilation fails.
func (c *Compiler) fallback(spec artifact.AssetSpec, correlationID string, cause error) (Result, error) {
	if c.index != nil {
		if svg, ok := c.index.Lookup(spec.Name()); ok {
			c.metrics.AssetCompile.WithLabelValues(string(spec.Kind), "precompiled").Inc()
			logging.Get(logging.CategoryAssets).Info("compile of %s/%s failed (%v); served precompiled (correlation %s)",
				spec.Kind, spec.Name(), cause, correlationID)
			return Result{Success: true, SVG: svg, Precompiled: true}, nil
		}
	}
	c.metrics.AssetCompile.WithLabelValues(string(spec.Kind), "error").Inc()
	return Result{Success: false, Error: cause.Error()},
		fmt.Errorf("asset %s/%s: %w", spec.Kind, spec.Name(), cause)
}

func (c *Compiler) adapterFor(kind artifact.AssetKind) (config.AssetCompilerConfig, error) {
	switch kind {
	case artifact.AssetPlot:
		return c.cfg.Plot, nil
	case artifact.AssetDiagram:
		return c.cfg.Diagram, nil
	case artifact.AssetChem:
		return c.cfg.Chem, nil
	default:
		return config.AssetCompilerConfig{}, fmt.Errorf("no compiler for asset kind %q", kind)
	}
}

// runProcess executes the compiler binary: spec JSON on stdin, SVG on stdout.
func (c *Compiler) runProcess(ctx context.Context, command string, args []string, stdin []byte) ([]byte, error) {
	execCtx, cancel := context.WithTimeout(ctx, c.cfg.CompileTimeoutDuration())
	defer cancel()

	cmd := exec.CommandContext(execCtx, command, args...)
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, max: maxCompilerOutput}
	cmd.Stderr = &limitedWriter{w: &stderr, max: 64 << 10}

	start := time.Now()
	err := cmd.Run()
	if execCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("compiler %s timed out after %s", command, c.cfg.CompileTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("compiler %s failed after %s: %v (stderr: %s)",
			command, time.Since(start).Round(time.Millisecond), err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

// limitedWriter drops bytes past max instead of growing without bound.
type limitedWriter struct {
	w   *bytes.Buffer
	max int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	room := l.max - l.w.Len()
	if room <= 0 {
		return len(p), nil
	}
	if len(p) > room {
		l.w.Write(p[:room])
		return len(p), nil
	}
	return l.w.Write(p)
}
