// Package planner decomposes sub-questions into targeted search queries.
//
// Searching a full multi-clause question reliably returns generic content,
// so each sub-question is broken into short atomic queries before the scan.
// Decomposition costs one generation call per sub-question; malformed
// output degrades to the raw question as the sole query, which is a
// defined mode rather than a failure.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/llm"
	"github.com/quarrylab/quarry/internal/metrics"
)

const (
	maxQueries        = 6
	decomposeMaxUnits = 800
)

// Planner turns one sub-question into several search queries.
type Planner struct {
	gen    llm.TextGenerator
	logger *zap.Logger
}

// New builds a planner on top of a text generator.
func New(gen llm.TextGenerator, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{gen: gen, logger: logger}
}

// Decompose returns the search queries for question. fallback reports
// whether the degraded single-query mode was used. The returned slice is
// never empty.
func (p *Planner) Decompose(ctx context.Context, question, researchContext string) (queries []string, fallback bool) {
	prompt := buildDecomposePrompt(question, researchContext)

	result, err := p.gen.Generate(ctx, llm.GenerateRequest{
		Prompt:         prompt,
		MaxOutputUnits: decomposeMaxUnits,
		Temperature:    0,
		Purpose:        "queries",
	})
	if err != nil {
		p.logger.Warn("Query decomposition call failed, using raw question",
			zap.String("question", truncate(question, 80)),
			zap.Error(err),
		)
		metrics.PlannerFallbacks.Inc()
		return []string{question}, true
	}

	parsed, err := parseQueryArray(result.Text)
	if err != nil {
		p.logger.Warn("Query decomposition output malformed, using raw question",
			zap.String("question", truncate(question, 80)),
			zap.Error(err),
		)
		metrics.PlannerFallbacks.Inc()
		return []string{question}, true
	}

	cleaned := cleanQueries(parsed, question)
	if len(cleaned) == 0 {
		metrics.PlannerFallbacks.Inc()
		return []string{question}, true
	}

	metrics.QueriesPlanned.Add(float64(len(cleaned)))
	p.logger.Debug("Decomposed sub-question",
		zap.String("question", truncate(question, 80)),
		zap.Int("queries", len(cleaned)),
	)
	return cleaned, false
}

func buildDecomposePrompt(question, researchContext string) string {
	if researchContext == "" {
		researchContext = "No additional context provided"
	}
	return fmt.Sprintf(`Decompose this research question into 4-6 targeted, atomic search queries.

Research Question: %s

Research Context (entities and scope):
%s

CRITICAL RULES:
1. Create SPECIFIC, TARGETED searches - NOT broad questions
2. Use entity names from the context (e.g., specific company/platform names)
3. Focus on concrete data points (market share, users, revenue, etc.)
4. Avoid trigger words that return generic financial news (avoid: "시장", "변화", "전망" in complex phrases)
5. Each search should target ONE atomic concept

GOOD Examples:
- "당근알바 시장점유율" (specific platform + metric)
- "Salesforce market share 2024" (specific company + metric + year)
- "EU carbon tax policy" (specific region + policy)

BAD Examples:
- "2022-2025년 시장 점유율 변화" (too broad, triggers generic finance articles)
- "What are the trends?" (vague, not searchable)

Return ONLY a JSON array of search query strings (4-6 queries):
["query1", "query2", "query3", "query4", "query5", "query6"]`, question, researchContext)
}

// parseQueryArray extracts a JSON string array from generation output,
// tolerating surrounding prose and markdown fences.
func parseQueryArray(text string) ([]string, error) {
	text = stripCodeFence(strings.TrimSpace(text))

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array found in output")
	}

	var queries []string
	if err := json.Unmarshal([]byte(text[start:end+1]), &queries); err != nil {
		return nil, fmt.Errorf("parse query array: %w", err)
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("empty query array")
	}
	return queries, nil
}

func stripCodeFence(text string) string {
	if idx := strings.Index(text, "```json"); idx != -1 {
		rest := text[idx+7:]
		if end := strings.Index(rest, "```"); end != -1 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	if idx := strings.Index(text, "```"); idx != -1 {
		rest := text[idx+3:]
		if end := strings.Index(rest, "```"); end != -1 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}
	return text
}

// cleanQueries trims, drops empties and echoes of the raw question,
// dedupes preserving order, and caps the count.
func cleanQueries(queries []string, question string) []string {
	seen := make(map[string]struct{}, len(queries))
	out := make([]string, 0, maxQueries)
	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q == "" || q == question {
			continue
		}
		if _, dup := seen[q]; dup {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
		if len(out) == maxQueries {
			break
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
