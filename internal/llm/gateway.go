package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"readerforge/internal/cache"
	"readerforge/internal/canon"
	"readerforge/internal/config"
	"readerforge/internal/logging"
	"readerforge/internal/metrics"
	"readerforge/internal/ratelimit"
	"readerforge/internal/retry"
)

// Options shape a single gateway generation. CorrelationID identifies the
// request in logs; it is never part of the cache key. A zero Temperature
// means the configured default.
type Options struct {
	Schema        string  `json:"schema,omitempty"`
	CorrelationID string  `json:"-"`
	AttachmentID  string  `json:"attachmentId,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
}

// Result is what callers get back.
type Result struct {
	Text        string `json:"text"`
	ContentHash string `json:"contentHash"`
	FromCache   bool   `json:"fromCache"`
	TokensUsed  int    `json:"tokensUsed,omitempty"`
}

// Gateway layers cache, rate limiting, and retry over a Provider.
type Gateway struct {
	cfg      config.LLMConfig
	provider Provider
	cache    *cache.Store
	limiter  *ratelimit.Limiter
	retry    *retry.Manager
	metrics  *metrics.Set
}

// NewGateway wires the reliability stack around a provider.
func NewGateway(cfg config.LLMConfig, provider Provider, store *cache.Store, limiter *ratelimit.Limiter, rm *retry.Manager, m *metrics.Set) *Gateway {
	return &Gateway{
		cfg:      cfg,
		provider: provider,
		cache:    store,
		limiter:  limiter,
		retry:    rm,
		metrics:  m,
	}
}

// cacheKeyContent is everything that makes a generation distinct. Model and
// temperature are included so a config change never serves stale output.
type cacheKeyContent struct {
	Prompt       string  `json:"prompt"`
	Schema       string  `json:"schema,omitempty"`
	AttachmentID string  `json:"attachmentId,omitempty"`
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"maxTokens"`
}

// Generate returns the model's reply for prompt, serving from cache when the
// identical generation was seen within the TTL.
func (g *Gateway) Generate(ctx context.Context, prompt string, opts Options) (Result, error) {
	temperature := opts.Temperature
	if temperature == 0 {
		temperature = g.cfg.Temperature
	}
	keyContent := cacheKeyContent{
		Prompt:       prompt,
		Schema:       opts.Schema,
		AttachmentID: opts.AttachmentID,
		Model:        g.cfg.Model,
		Temperature:  temperature,
		MaxTokens:    g.cfg.MaxOutputTokens,
	}

	if raw, ok := g.cache.Get("llm", keyContent); ok {
		var cached Result
		if err := json.Unmarshal(raw, &cached); err == nil {
			g.metrics.LLMCalls.WithLabelValues("cache_hit").Inc()
			logging.LLMDebug("cache hit for correlation %s", opts.CorrelationID)
			cached.FromCache = true
			return cached, nil
		}
		// Undecodable cache value: fall through and regenerate.
		logging.LLM("discarding undecodable cached generation for correlation %s", opts.CorrelationID)
	}

	req := Request{
		Prompt:          prompt,
		SchemaHint:      opts.Schema,
		Temperature:     temperature,
		MaxOutputTokens: g.cfg.MaxOutputTokens,
	}

	start := time.Now()
	value, err := g.retry.Execute(ctx, retry.PhaseLLMRequest, func(ctx context.Context) (interface{}, error) {
		return g.limiter.Execute(ctx, "llm:"+g.cfg.Model, func(ctx context.Context) (interface{}, error) {
			return g.provider.Generate(ctx, req)
		})
	})
	g.metrics.LLMLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		g.metrics.LLMCalls.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("llm generate (correlation %s): %w", opts.CorrelationID, err)
	}
	resp, ok := value.(Response)
	if !ok {
		return Result{}, fmt.Errorf("llm generate: unexpected provider value %T", value)
	}

	result := Result{
		Text:        resp.Text,
		ContentHash: canon.HashBytes([]byte(resp.Text)),
		TokensUsed:  resp.TokensUsed,
	}
	g.metrics.LLMCalls.WithLabelValues("success").Inc()

	if err := g.cache.Set("llm", keyContent, result, g.cfg.CacheTTLDuration()); err != nil {
		// Cache trouble never fails the generation.
		logging.LLM("caching generation failed: %v", err)
	}
	return result, nil
}
