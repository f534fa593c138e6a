// Package search provides the web search capability client.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quarrylab/quarry/internal/config"
	"github.com/quarrylab/quarry/internal/metrics"
	"github.com/quarrylab/quarry/internal/models"
)

const (
	defaultEndpoint = "https://google.serper.dev/search"
	maxSnippetLen   = 300
)

// Query is one search request.
type Query struct {
	Query string
	// Count caps the number of results (1..10, default 8).
	Count int
	// Language is a two-letter interface language hint ("ko", "en").
	Language string
	// Region overrides the geo parameter derived from Language.
	Region string
}

// WebSearcher is the capability surface the scan phase depends on.
// Implementations must be safe for concurrent use.
type WebSearcher interface {
	Search(ctx context.Context, q Query) ([]models.SearchResult, error)
}

// Serper calls the Serper search API.
type Serper struct {
	apiKey   string
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewSerper constructs a Serper search client from capability config.
func NewSerper(cfg config.CapabilityConfig, logger *zap.Logger) *Serper {
	if logger == nil {
		logger = zap.NewNop()
	}
	endpoint := cfg.BaseURL
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 2
	}
	return &Serper{
		apiKey:   cfg.APIKey,
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		logger:   logger,
	}
}

// Search posts one query and returns its organic results. A single attempt
// is made per query; failed queries surface the error to the caller, which
// skips the query rather than retrying.
func (s *Serper) Search(ctx context.Context, q Query) ([]models.SearchResult, error) {
	if strings.TrimSpace(s.apiKey) == "" {
		return nil, errors.New("serper: API key is missing")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	count := q.Count
	if count <= 0 {
		count = 8
	}
	if count > 10 {
		count = 10
	}

	lang := q.Language
	if lang == "" {
		lang = "en"
	}
	region := q.Region
	if region == "" {
		region = "us"
		if lang == "ko" {
			region = "kr"
		}
	}

	body := map[string]any{
		"q":   q.Query,
		"num": count,
		"hl":  lang,
		"gl":  region,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		metrics.SearchRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("serper request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.SearchRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("serper http %d", resp.StatusCode)
	}

	var response struct {
		Organic []struct {
			Title   string  `json:"title"`
			Link    string  `json:"link"`
			Snippet string  `json:"snippet"`
			Date    string  `json:"date"`
			Score   float64 `json:"score"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		metrics.SearchRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("parse serper response: %w", err)
	}

	results := make([]models.SearchResult, 0, len(response.Organic))
	for idx, r := range response.Organic {
		if r.Link == "" {
			continue
		}
		snippet := r.Snippet
		if len(snippet) > maxSnippetLen {
			snippet = snippet[:maxSnippetLen]
		}
		score := r.Score
		if score == 0 {
			// Position-decayed default when the API reports no score.
			score = 1.0 - float64(idx+1)*0.05
		}
		date := r.Date
		if date == "" {
			date = "Unknown"
		}
		results = append(results, models.SearchResult{
			Title:         r.Title,
			URL:           r.Link,
			Snippet:       snippet,
			Score:         score,
			PublishedDate: date,
		})
		if len(results) >= count {
			break
		}
	}

	metrics.SearchRequests.WithLabelValues("ok").Inc()
	metrics.SearchResults.Add(float64(len(results)))
	s.logger.Debug("Search complete",
		zap.String("query", q.Query),
		zap.Int("results", len(results)),
	)
	return results, nil
}
