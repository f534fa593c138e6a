// Package llm provides the HTTP client for the text generation service.
//
// The generation service exposes a single completion endpoint; this client
// wraps it behind the TextGenerator interface so pipeline phases can be
// tested against stubs. Every call is rate limited, traced, and reported
// to Prometheus with its unit split so the budget tracker can price it.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quarrylab/quarry/internal/config"
	"github.com/quarrylab/quarry/internal/metrics"
	"github.com/quarrylab/quarry/internal/tracing"
)

// GenerateRequest is one completion request to the generation service.
type GenerateRequest struct {
	Prompt         string
	MaxOutputUnits int
	Temperature    float64
	// Purpose labels the call for metrics (plan, queries, extract, synthesis, memo).
	Purpose string
}

// Usage is the unit split reported by the generation service for one call.
type Usage struct {
	InputUnits  int `json:"input_units"`
	OutputUnits int `json:"output_units"`
	CachedUnits int `json:"cached_units"`
}

// GenerateResult carries the generated text plus its usage accounting.
type GenerateResult struct {
	Text  string
	Model string
	Usage Usage
}

// TextGenerator is the capability surface the pipeline depends on.
// Implementations must be safe for concurrent use.
type TextGenerator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// Client calls the generation service over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient builds a generation client from capability config. The base URL
// falls back to LLM_SERVICE_URL and then the in-cluster default.
func NewClient(cfg config.CapabilityConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = getenvDefault("LLM_SERVICE_URL", "http://llm-service:8000")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 2
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
	}
}

type generateBody struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Purpose     string  `json:"purpose,omitempty"`
}

type generateResponse struct {
	Text     string `json:"text"`
	Model    string `json:"model"`
	Metadata struct {
		InputUnits  int `json:"input_units"`
		OutputUnits int `json:"output_units"`
		CachedUnits int `json:"cached_units"`
	} `json:"metadata"`
}

// Generate performs a single completion call. There are no automatic
// retries; callers decide whether a failure skips the unit of work or
// fails the run.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	purpose := req.Purpose
	if purpose == "" {
		purpose = "generate"
	}

	body := generateBody{
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxOutputUnits,
		Temperature: req.Temperature,
		Purpose:     purpose,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal generate request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/generate", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	tracing.InjectTraceparent(ctx, httpReq)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.RecordGeneration(purpose, "error", 0, 0, 0)
		return nil, fmt.Errorf("generation service call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RecordGeneration(purpose, "error", 0, 0, 0)
		return nil, fmt.Errorf("HTTP %d from generation service", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.RecordGeneration(purpose, "error", 0, 0, 0)
		return nil, fmt.Errorf("parse generation response: %w", err)
	}

	result := &GenerateResult{
		Text:  out.Text,
		Model: out.Model,
		Usage: Usage{
			InputUnits:  out.Metadata.InputUnits,
			OutputUnits: out.Metadata.OutputUnits,
			CachedUnits: out.Metadata.CachedUnits,
		},
	}

	metrics.RecordGeneration(purpose, "ok",
		result.Usage.InputUnits, result.Usage.OutputUnits, result.Usage.CachedUnits)

	c.logger.Debug("Generation call complete",
		zap.String("purpose", purpose),
		zap.Int("input_units", result.Usage.InputUnits),
		zap.Int("output_units", result.Usage.OutputUnits),
		zap.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
