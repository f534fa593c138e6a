// Package extract turns ranked sources into validated ledger rows: one
// fetch, one filtered prompt, one generation call per source, with every
// admitted statement traceable back to its URL.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/budget"
	"github.com/quarrylab/quarry/internal/fetch"
	"github.com/quarrylab/quarry/internal/ledger"
	"github.com/quarrylab/quarry/internal/llm"
	"github.com/quarrylab/quarry/internal/metrics"
	"github.com/quarrylab/quarry/internal/models"
	"github.com/quarrylab/quarry/internal/quality"
)

const (
	extractMaxUnits = 3000
	promptCharCap   = 8000
)

// Source outcomes recorded per processed source.
const (
	OutcomeExtracted       = "extracted"
	OutcomeFetchError      = "fetch_error"
	OutcomeNoRelevant      = "no_relevant_content"
	OutcomeGenerationError = "generation_error"
	OutcomeMalformed       = "malformed_output"
	OutcomeNothingAdmitted = "nothing_admitted"
)

// Config bounds the extraction pool and the content budget per source.
type Config struct {
	Workers           int
	WordCap           int
	MinKeywordMatches int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Workers > 8 {
		c.Workers = 8
	}
	if c.WordCap <= 0 {
		c.WordCap = 4000
	}
	if c.MinKeywordMatches <= 0 {
		c.MinKeywordMatches = 2
	}
	return c
}

// SourceResult is the per-source outcome. A source that produced no rows
// is reported, never retried.
type SourceResult struct {
	URL     string
	Rows    int
	Outcome string
	Err     error
}

// Extractor runs the evidence extraction phase.
type Extractor struct {
	fetcher fetch.ContentFetcher
	gen     llm.TextGenerator
	cfg     Config
	logger  *zap.Logger
}

// New builds an Extractor over the fetch and generation capabilities.
func New(fetcher fetch.ContentFetcher, gen llm.TextGenerator, cfg Config, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{fetcher: fetcher, gen: gen, cfg: cfg.withDefaults(), logger: logger}
}

// Run processes sources in rank order on a bounded worker pool,
// appending admitted rows to book. It stops dispatching once the book
// hits its row target or, when enforcement is on, the budget cap;
// in-flight sources finish, so overshoot is bounded by the pool width.
// Only context cancellation is returned as an error.
func (e *Extractor) Run(
	ctx context.Context,
	book *ledger.Book,
	tracker *budget.Tracker,
	plan *models.ResearchPlan,
	schema *models.LedgerSchema,
	sources []models.CandidateSource,
) ([]SourceResult, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	keywords := quality.ExtractKeywords(plan)
	contextPrompt := buildContextPrompt(plan, schema)

	results := make([]SourceResult, len(sources))
	workCh := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < e.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workCh {
				// Re-check at pickup: a unit handed over before the stop
				// condition tripped is skipped, keeping overshoot within
				// the pool width.
				if book.TargetReached() || (tracker != nil && tracker.Exceeded()) {
					continue
				}
				results[idx] = e.processSource(ctx, book, contextPrompt, keywords, plan, sources[idx])
			}
		}()
	}

dispatch:
	for i := range sources {
		if book.TargetReached() {
			e.logger.Info("Row target reached, stopping extraction",
				zap.Int("rows", book.Len()),
				zap.Int("sources_dispatched", i))
			break
		}
		if tracker != nil && tracker.Exceeded() {
			e.logger.Info("Budget cap reached, stopping extraction",
				zap.Int("sources_dispatched", i))
			break
		}
		select {
		case workCh <- i:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(workCh)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return compact(results), err
	}
	return compact(results), nil
}

// compact drops the zero-valued slots of never-dispatched sources while
// preserving rank order of the processed ones.
func compact(results []SourceResult) []SourceResult {
	out := results[:0]
	for _, r := range results {
		if r.URL != "" {
			out = append(out, r)
		}
	}
	return out
}

func (e *Extractor) processSource(
	ctx context.Context,
	book *ledger.Book,
	contextPrompt string,
	keywords []string,
	plan *models.ResearchPlan,
	src models.CandidateSource,
) SourceResult {
	raw, err := e.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		e.logger.Warn("Source fetch failed",
			zap.String("url", src.URL),
			zap.Error(err))
		metrics.RecordExtractionOutcome(OutcomeFetchError)
		return SourceResult{URL: src.URL, Outcome: OutcomeFetchError, Err: err}
	}

	text := fetch.StripHTML(string(raw))
	text = fetch.CapWords(text, e.cfg.WordCap)

	filtered, ok := quality.FilterRelevantSections(text, keywords, e.cfg.MinKeywordMatches)
	if !ok {
		e.logger.Debug("No relevant content after pre-filter",
			zap.String("url", src.URL))
		metrics.RecordExtractionOutcome(OutcomeNoRelevant)
		return SourceResult{URL: src.URL, Outcome: OutcomeNoRelevant}
	}

	prompt := contextPrompt + buildSourcePrompt(src, filtered)
	res, err := e.gen.Generate(ctx, llm.GenerateRequest{
		Prompt:         prompt,
		MaxOutputUnits: extractMaxUnits,
		Temperature:    0,
		Purpose:        "extract",
	})
	if err != nil {
		e.logger.Warn("Evidence generation failed",
			zap.String("url", src.URL),
			zap.Error(err))
		metrics.RecordExtractionOutcome(OutcomeGenerationError)
		return SourceResult{URL: src.URL, Outcome: OutcomeGenerationError, Err: err}
	}

	items, err := parseEvidenceItems(res.Text)
	if err != nil {
		e.logger.Warn("Evidence output malformed",
			zap.String("url", src.URL),
			zap.Error(err))
		metrics.RecordExtractionOutcome(OutcomeMalformed)
		return SourceResult{URL: src.URL, Outcome: OutcomeMalformed, Err: err}
	}

	admitted := 0
	for _, item := range items {
		if item.Statement == "" {
			continue
		}
		if ok, reason := quality.ValidateEvidence(item.Statement); !ok {
			metrics.RowsRejected.WithLabelValues(reason).Inc()
			continue
		}
		row := itemToRow(item, src)
		if _, err := book.Append(row); err != nil {
			metrics.RowsRejected.WithLabelValues("invalid_row").Inc()
			e.logger.Warn("Row rejected by ledger",
				zap.String("url", src.URL),
				zap.Error(err))
			continue
		}
		admitted++
		metrics.RowsAdmitted.Inc()
		if book.TargetReached() {
			break
		}
	}

	if admitted == 0 {
		metrics.RecordExtractionOutcome(OutcomeNothingAdmitted)
		return SourceResult{URL: src.URL, Outcome: OutcomeNothingAdmitted}
	}
	e.logger.Info("Source extracted",
		zap.String("url", src.URL),
		zap.Int("rows", admitted),
		zap.Int("returned", len(items)))
	metrics.RecordExtractionOutcome(OutcomeExtracted)
	return SourceResult{URL: src.URL, Rows: admitted, Outcome: OutcomeExtracted}
}

// evidenceItem is one object of the generation output. Dynamic field
// values arrive as arbitrary JSON scalars and are stringified.
type evidenceItem struct {
	Statement     string                 `json:"statement"`
	QuestionID    string                 `json:"question_id"`
	Section       string                 `json:"section"`
	Confidence    string                 `json:"confidence"`
	Notes         string                 `json:"notes"`
	DynamicFields map[string]interface{} `json:"dynamic_fields"`
}

func itemToRow(item evidenceItem, src models.CandidateSource) models.EvidenceRow {
	qid := item.QuestionID
	if qid == "" {
		qid = src.QID
	}
	section := item.Section
	if section == "" {
		section = "General"
	}
	confidence := item.Confidence
	if confidence == "" {
		confidence = models.ConfidenceMedium
	}
	name := src.Title
	if name == "" {
		name = "Unknown"
	}
	date := src.PublishedDate
	if date == "" {
		date = "Unknown"
	}
	return models.EvidenceRow{
		RowType:    models.RowTypeEvidence,
		QID:        qid,
		Section:    section,
		Statement:  item.Statement,
		SourceURL:  src.URL,
		SourceName: name,
		Date:       date,
		Confidence: confidence,
		Notes:      item.Notes,
		Fields:     stringifyFields(item.DynamicFields),
	}
}

func stringifyFields(fields map[string]interface{}) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
			out[k] = ""
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		default:
			out[k] = fmt.Sprintf("%v", t)
		}
	}
	return out
}

func buildContextPrompt(plan *models.ResearchPlan, schema *models.LedgerSchema) string {
	var subQ strings.Builder
	for _, sq := range plan.SubQuestions {
		fmt.Fprintf(&subQ, "%s: %s\n", sq.QID, sq.Question)
	}

	var cols strings.Builder
	if schema != nil {
		for _, col := range schema.DynamicColumns {
			examples := col.ExampleValues
			if len(examples) > 2 {
				examples = examples[:2]
			}
			fmt.Fprintf(&cols, "- %s: %s (e.g., %s)\n", col.Name, col.Description, strings.Join(examples, ", "))
		}
	}
	if cols.Len() == 0 {
		cols.WriteString("(none)\n")
	}

	return fmt.Sprintf(`You extract factual evidence from source material for a research ledger.

## Context

**Sub-Questions (assign each evidence unit to the one it answers):**
%s
**Dynamic Schema (extra fields to fill when the source supports them):**
%s
For every distinct factual claim relevant to a sub-question, produce one
evidence object with these fields:
- "statement": a specific, self-contained factual claim with concrete figures, dates, or named entities
- "question_id": the sub-question it answers (e.g., "Q1")
- "section": short topic label for grouping (default "General")
- "confidence": "High", "Medium", or "Low" based on how directly the source supports the claim
- "notes": caveats or qualifiers, empty string if none
- "dynamic_fields": object filling the dynamic schema columns where possible

Only state what the source itself says. Never invent figures. Skip
marketing language and vague claims.

`, subQ.String(), cols.String())
}

func buildSourcePrompt(src models.CandidateSource, content string) string {
	publisher := src.Title
	if publisher == "" {
		publisher = "Unknown"
	}
	date := src.PublishedDate
	if date == "" {
		date = "Unknown"
	}
	return fmt.Sprintf(`**Source Metadata:**
- URL: %s
- Publisher: %s
- Date: %s

**Source Content:**
%s

---

Extract all relevant evidence as a JSON array of evidence objects.`,
		src.URL, publisher, date, capRunes(content, promptCharCap))
}

// capRunes truncates by rune count so multibyte text is budgeted the
// same as ASCII.
func capRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

func parseEvidenceItems(text string) ([]evidenceItem, error) {
	cleaned := stripCodeFence(text)

	if start := strings.Index(cleaned, "["); start >= 0 {
		if end := strings.LastIndex(cleaned, "]"); end > start {
			var items []evidenceItem
			if err := json.Unmarshal([]byte(cleaned[start:end+1]), &items); err == nil {
				return items, nil
			}
		}
	}
	// A single bare object counts as a one-element array.
	if start := strings.Index(cleaned, "{"); start >= 0 {
		if end := strings.LastIndex(cleaned, "}"); end > start {
			var item evidenceItem
			if err := json.Unmarshal([]byte(cleaned[start:end+1]), &item); err == nil {
				return []evidenceItem{item}, nil
			}
		}
	}
	return nil, errors.New("no evidence array in generation output")
}

func stripCodeFence(text string) string {
	if i := strings.Index(text, "```json"); i >= 0 {
		rest := text[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
		return strings.TrimSpace(rest)
	}
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j])
		}
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(text)
}
