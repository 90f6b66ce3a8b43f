// Package llm is the gateway to the external model service. The gateway
// layers the content cache, the rate limiter, and the llm-request retry
// policy over a raw-HTTP provider client; callers see one Generate call
// with typed options.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"readerforge/internal/config"
	"readerforge/internal/logging"
)

// Request is one provider call.
type Request struct {
	Prompt          string
	SchemaHint      string // provider-side structured-output hint, "" for free text
	Temperature     float64
	MaxOutputTokens int
}

// Response is the provider's reply.
type Response struct {
	Text         string
	TokensUsed   int
	FinishReason string
}

// Provider speaks to one model backend. Implementations must be safe for
// concurrent use; the gateway fans calls in from many section workers.
type Provider interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// GeminiClient talks to a generateContent-style JSON endpoint. No internal
// retries: transient failures surface as errors and the retry manager above
// the gateway decides what to do with them.
type GeminiClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewGeminiClient builds the provider client from config.
func NewGeminiClient(cfg config.LLMConfig) *GeminiClient {
	return &GeminiClient{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.TimeoutDuration(),
		},
	}
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate performs one generateContent call.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (Response, error) {
	body := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}},
		},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxOutputTokens,
		},
	}
	if req.SchemaHint != "" {
		body.GenerationConfig.ResponseMimeType = "application/json"
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("marshaling provider request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return Response{}, fmt.Errorf("creating provider request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("reading provider response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return Response{}, fmt.Errorf("rate limit exceeded (429): %s", truncate(string(raw), 200))
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, truncate(string(raw), 400))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, fmt.Errorf("parsing provider response: %w", err)
	}
	if parsed.Error != nil {
		return Response{}, fmt.Errorf("provider error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return Response{}, fmt.Errorf("no completion returned")
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	text := strings.TrimSpace(sb.String())
	logging.LLMDebug("provider call complete: model=%s tokens=%d finish=%s len=%d",
		c.model, parsed.UsageMetadata.TotalTokenCount, parsed.Candidates[0].FinishReason, len(text))

	return Response{
		Text:         text,
		TokensUsed:   parsed.UsageMetadata.TotalTokenCount,
		FinishReason: parsed.Candidates[0].FinishReason,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
