package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"readerforge/internal/cache"
	"readerforge/internal/config"
	"readerforge/internal/metrics"
	"readerforge/internal/ratelimit"
	"readerforge/internal/retry"
)

// fakeProvider scripts provider behavior per call.
type fakeProvider struct {
	calls   atomic.Int32
	respond func(n int32, req Request) (Response, error)
}

func (f *fakeProvider) Generate(ctx context.Context, req Request) (Response, error) {
	return f.respond(f.calls.Add(1), req)
}

func newTestGateway(t *testing.T, p Provider) *Gateway {
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
	retryCfg.Phases["llm-request"] = config.RetryPhaseConfig{
		MaxAttempts: 4, InitialDelayMs: 1, MaxDelayMs: 10, BackoffMultiplier: 2,
	}
	rm := retry.New(retryCfg, m, limiter.Retryable)

	llmCfg := config.DefaultLLMConfig()
	llmCfg.Temperature = 0.4
	return NewGateway(llmCfg, p, store, limiter, rm, m)
}

func TestGenerateReturnsProviderText(t *testing.T) {
	p := &fakeProvider{respond: func(n int32, req Request) (Response, error) {
		return Response{Text: "waves carry energy", TokensUsed: 12}, nil
	}}
	g := newTestGateway(t, p)

	res, err := g.Generate(context.Background(), "explain waves", Options{CorrelationID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "waves carry energy", res.Text)
	assert.False(t, res.FromCache)
	assert.NotEmpty(t, res.ContentHash)
}

func TestIdenticalGenerationServedFromCache(t *testing.T) {
	p := &fakeProvider{respond: func(n int32, req Request) (Response, error) {
		return Response{Text: "cached reply"}, nil
	}}
	g := newTestGateway(t, p)

	first, err := g.Generate(context.Background(), "same prompt", Options{Schema: "prose"})
	require.NoError(t, err)
	second, err := g.Generate(context.Background(), "same prompt", Options{Schema: "prose"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), p.calls.Load(), "second call must not reach the provider")
	assert.True(t, second.FromCache)
	assert.Equal(t, first.ContentHash, second.ContentHash)
}

func TestDistinctOptionsMissCache(t *testing.T) {
	p := &fakeProvider{respond: func(n int32, req Request) (Response, error) {
		return Response{Text: "reply"}, nil
	}}
	g := newTestGateway(t, p)

	_, err := g.Generate(context.Background(), "prompt", Options{Schema: "prose"})
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), "prompt", Options{Schema: "plan"})
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), "prompt", Options{Schema: "prose", AttachmentID: "sha256:aa"})
	require.NoError(t, err)

	assert.Equal(t, int32(3), p.calls.Load())
}

func TestTransientFailureRetried(t *testing.T) {
	p := &fakeProvider{respond: func(n int32, req Request) (Response, error) {
		if n < 3 {
			return Response{}, errors.New("upstream 503 service unavailable")
		}
		return Response{Text: "recovered"}, nil
	}}
	g := newTestGateway(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res, err := g.Generate(ctx, "prompt", Options{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Text)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestNonRetryableFailureSurfacesOnce(t *testing.T) {
	p := &fakeProvider{respond: func(n int32, req Request) (Response, error) {
		return Response{}, errors.New("provider returned status 400: bad schema")
	}}
	g := newTestGateway(t, p)

	_, err := g.Generate(context.Background(), "prompt", Options{})
	require.Error(t, err)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestSchemaHintForwarded(t *testing.T) {
	var seen Request
	p := &fakeProvider{respond: func(n int32, req Request) (Response, error) {
		seen = req
		return Response{Text: "{}"}, nil
	}}
	g := newTestGateway(t, p)

	_, err := g.Generate(context.Background(), "prompt", Options{Schema: "plan"})
	require.NoError(t, err)
	assert.Equal(t, "plan", seen.SchemaHint)
	assert.InDelta(t, 0.4, seen.Temperature, 1e-9)
}
