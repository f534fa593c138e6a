package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/budget"
	"github.com/quarrylab/quarry/internal/ledger"
	"github.com/quarrylab/quarry/internal/llm"
	"github.com/quarrylab/quarry/internal/models"
)

type stubFetcher struct {
	mu    sync.Mutex
	calls int
	pages map[string]string
	err   error
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	page, ok := f.pages[url]
	if !ok {
		return nil, fmt.Errorf("no page for %s", url)
	}
	return []byte(page), nil
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type stubGenerator struct {
	mu      sync.Mutex
	text    string
	err     error
	usage   llm.Usage
	prompts []string
}

func (g *stubGenerator) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, req.Prompt)
	g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return &llm.GenerateResult{Text: g.text, Usage: g.usage}, nil
}

func (g *stubGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func testPlan() *models.ResearchPlan {
	return &models.ResearchPlan{
		Title: "Grocery delivery unit economics",
		SubQuestions: []models.SubQuestion{
			{QID: "Q1", Question: "What is the market size?"},
			{QID: "Q2", Question: "What do couriers cost per order?"},
		},
	}
}

func testSchema() *models.LedgerSchema {
	return &models.LedgerSchema{
		DynamicColumns: []models.DynamicColumn{
			{Name: "Metric_Value", Description: "numeric value cited", ExampleValues: []string{"2.1T KRW", "30%"}},
		},
	}
}

const relevantPage = `<html><body>
<p>The grocery delivery market in Korea reached 2.1 trillion KRW in 2025,
with couriers handling record order volumes.</p>
</body></html>`

// Statements long and specific enough to pass the admission gate.
const goodEvidence = `[
  {
    "statement": "The Korean grocery delivery market reached 2.1 trillion KRW in 2025, growing 30 percent from the prior year according to industry estimates.",
    "question_id": "Q1",
    "section": "Market Size",
    "confidence": "High",
    "notes": "",
    "dynamic_fields": {"Metric_Value": "2.1T KRW", "Ignored_Column": "x"}
  },
  {
    "statement": "Average courier cost per delivered order stood at 3,200 KRW in Q4 2025, a level operators describe as structurally unprofitable without batching.",
    "question_id": "Q2",
    "dynamic_fields": {"Metric_Value": 3200}
  },
  {
    "statement": "too short",
    "question_id": "Q1"
  }
]`

func newBook(target int) *ledger.Book {
	return ledger.NewBook(testPlan(), testSchema(), target)
}

func TestRunExtractsEvidence(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{"https://a.example/report": relevantPage}}
	gen := &stubGenerator{text: goodEvidence}
	ex := New(fetcher, gen, Config{Workers: 1}, zap.NewNop())
	book := newBook(0)

	results, err := ex.Run(context.Background(), book, nil, testPlan(), testSchema(), []models.CandidateSource{
		{URL: "https://a.example/report", Title: "Example News", QID: "Q1", PublishedDate: "2026-01-15"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeExtracted, results[0].Outcome)
	assert.Equal(t, 2, results[0].Rows)

	rows := book.Rows()
	require.Len(t, rows, 2)

	first := rows[0]
	assert.Equal(t, 1, first.RowID)
	assert.Equal(t, models.RowTypeEvidence, first.RowType)
	assert.Equal(t, "Q1", first.QID)
	assert.Equal(t, "Market Size", first.Section)
	assert.Equal(t, models.ConfidenceHigh, first.Confidence)
	assert.Equal(t, "https://a.example/report", first.SourceURL)
	assert.Equal(t, "Example News", first.SourceName)
	assert.Equal(t, "2026-01-15", first.Date)
	// Keys outside the schema never reach the ledger.
	assert.Equal(t, map[string]string{"Metric_Value": "2.1T KRW"}, first.Fields)

	second := rows[1]
	assert.Equal(t, "Q2", second.QID)
	assert.Equal(t, "General", second.Section)
	assert.Equal(t, models.ConfidenceMedium, second.Confidence)
	assert.Equal(t, "3200", second.Fields["Metric_Value"])
}

func TestRunPromptCarriesPlanAndSource(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{"https://a.example/report": relevantPage}}
	gen := &stubGenerator{text: "[]"}
	ex := New(fetcher, gen, Config{Workers: 1}, zap.NewNop())

	_, err := ex.Run(context.Background(), newBook(0), nil, testPlan(), testSchema(), []models.CandidateSource{
		{URL: "https://a.example/report", Title: "Example News", QID: "Q1", PublishedDate: "2026-01-15"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, gen.callCount())

	prompt := gen.prompts[0]
	assert.Contains(t, prompt, "Q1: What is the market size?")
	assert.Contains(t, prompt, "Q2: What do couriers cost per order?")
	assert.Contains(t, prompt, "- Metric_Value: numeric value cited (e.g., 2.1T KRW, 30%)")
	assert.Contains(t, prompt, "**Source Metadata:**")
	assert.Contains(t, prompt, "- URL: https://a.example/report")
	assert.Contains(t, prompt, "- Publisher: Example News")
	assert.Contains(t, prompt, "- Date: 2026-01-15")
	assert.Contains(t, prompt, "grocery delivery market in Korea")
	assert.Contains(t, prompt, "Extract all relevant evidence as a JSON array")
}

func TestRunFetchErrorSkipsSource(t *testing.T) {
	fetcher := &stubFetcher{err: errors.New("connection refused")}
	gen := &stubGenerator{text: goodEvidence}
	ex := New(fetcher, gen, Config{Workers: 1}, zap.NewNop())
	book := newBook(0)

	results, err := ex.Run(context.Background(), book, nil, testPlan(), testSchema(), []models.CandidateSource{
		{URL: "https://down.example", QID: "Q1"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeFetchError, results[0].Outcome)
	assert.Error(t, results[0].Err)
	assert.Equal(t, 0, book.Len())
	assert.Equal(t, 0, gen.callCount())
}

func TestRunPrefilterSkipsWithoutGeneration(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{
		"https://offtopic.example": "<p>A lovely essay about mountain hiking and birdsong.</p>",
	}}
	gen := &stubGenerator{text: goodEvidence}
	ex := New(fetcher, gen, Config{Workers: 1}, zap.NewNop())
	book := newBook(0)

	results, err := ex.Run(context.Background(), book, nil, testPlan(), testSchema(), []models.CandidateSource{
		{URL: "https://offtopic.example", QID: "Q1"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeNoRelevant, results[0].Outcome)
	assert.Equal(t, 0, book.Len())
	assert.Equal(t, 0, gen.callCount())
}

func TestRunMalformedOutputSkipsSource(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{"https://a.example/report": relevantPage}}
	gen := &stubGenerator{text: "I could not find any evidence in this source."}
	ex := New(fetcher, gen, Config{Workers: 1}, zap.NewNop())
	book := newBook(0)

	results, err := ex.Run(context.Background(), book, nil, testPlan(), testSchema(), []models.CandidateSource{
		{URL: "https://a.example/report", QID: "Q1"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeMalformed, results[0].Outcome)
	assert.Equal(t, 0, book.Len())
}

func TestRunWrapsSingleObject(t *testing.T) {
	single := `{"statement": "The Korean grocery delivery market reached 2.1 trillion KRW in 2025 according to three separate industry trackers.", "question_id": "Q1"}`
	fetcher := &stubFetcher{pages: map[string]string{"https://a.example/report": relevantPage}}
	gen := &stubGenerator{text: "```json\n" + single + "\n```"}
	ex := New(fetcher, gen, Config{Workers: 1}, zap.NewNop())
	book := newBook(0)

	results, err := ex.Run(context.Background(), book, nil, testPlan(), testSchema(), []models.CandidateSource{
		{URL: "https://a.example/report", QID: "Q1"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeExtracted, results[0].Outcome)
	assert.Equal(t, 1, book.Len())
}

func TestRunRejectsUnknownQuestionID(t *testing.T) {
	orphan := `[{"statement": "A claim attributed to a sub-question that does not exist in the plan, with a figure of 42 percent for specificity and padding.", "question_id": "Q9"}]`
	fetcher := &stubFetcher{pages: map[string]string{"https://a.example/report": relevantPage}}
	gen := &stubGenerator{text: orphan}
	ex := New(fetcher, gen, Config{Workers: 1}, zap.NewNop())
	book := newBook(0)

	results, err := ex.Run(context.Background(), book, nil, testPlan(), testSchema(), []models.CandidateSource{
		{URL: "https://a.example/report", QID: "Q1"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNothingAdmitted, results[0].Outcome)
	assert.Equal(t, 0, book.Len())
}

func TestRunStopsAtRowTarget(t *testing.T) {
	pages := map[string]string{}
	sources := make([]models.CandidateSource, 3)
	for i := range sources {
		url := fmt.Sprintf("https://s%d.example/report", i)
		pages[url] = relevantPage
		sources[i] = models.CandidateSource{URL: url, QID: "Q1", Position: i + 1}
	}
	fetcher := &stubFetcher{pages: pages}
	gen := &stubGenerator{text: goodEvidence} // two admissible rows per source
	ex := New(fetcher, gen, Config{Workers: 1}, zap.NewNop())
	book := newBook(2)

	results, err := ex.Run(context.Background(), book, nil, testPlan(), testSchema(), sources)
	require.NoError(t, err)
	assert.Len(t, results, 1, "second source must not be dispatched")
	assert.Equal(t, 2, book.Len())
	assert.Equal(t, 1, fetcher.callCount())
	assert.True(t, book.TargetReached())
}

func TestRunStopsMidSourceAtRowTarget(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{"https://a.example/report": relevantPage}}
	gen := &stubGenerator{text: goodEvidence}
	ex := New(fetcher, gen, Config{Workers: 1}, zap.NewNop())
	book := newBook(1)

	results, err := ex.Run(context.Background(), book, nil, testPlan(), testSchema(), []models.CandidateSource{
		{URL: "https://a.example/report", QID: "Q1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, results[0].Rows, "admission stops once the target is hit")
	assert.Equal(t, 1, book.Len())
}

func TestRunStopsOnBudget(t *testing.T) {
	pages := map[string]string{}
	sources := make([]models.CandidateSource, 3)
	for i := range sources {
		url := fmt.Sprintf("https://s%d.example/report", i)
		pages[url] = relevantPage
		sources[i] = models.CandidateSource{URL: url, QID: "Q1"}
	}
	fetcher := &stubFetcher{pages: pages}
	tracker := budget.NewTracker(budget.Options{Enforce: true, MaxCostUSD: 0.0001}, zap.NewNop())
	gen := &stubGenerator{text: goodEvidence, usage: llm.Usage{InputUnits: 5000, OutputUnits: 2000}}
	recording := &budget.RecordingGenerator{Gen: gen, Tracker: tracker}
	ex := New(fetcher, recording, Config{Workers: 1}, zap.NewNop())
	book := newBook(0)

	results, err := ex.Run(context.Background(), book, tracker, testPlan(), testSchema(), sources)
	require.NoError(t, err)
	// The first source trips the cap; the second was already handed to
	// the worker, the third must never be dispatched.
	assert.LessOrEqual(t, len(results), 2)
	assert.Equal(t, len(results), fetcher.callCount())
	assert.Less(t, fetcher.callCount(), 3)
	assert.True(t, tracker.Exceeded())
}

func TestRunCancelled(t *testing.T) {
	fetcher := &stubFetcher{pages: map[string]string{"https://a.example/report": relevantPage}}
	gen := &stubGenerator{text: goodEvidence}
	ex := New(fetcher, gen, Config{Workers: 2}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ex.Run(ctx, newBook(0), nil, testPlan(), testSchema(), []models.CandidateSource{
		{URL: "https://a.example/report", QID: "Q1"},
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunNoSources(t *testing.T) {
	ex := New(&stubFetcher{}, &stubGenerator{}, Config{}, zap.NewNop())
	results, err := ex.Run(context.Background(), newBook(0), nil, testPlan(), testSchema(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestParseEvidenceItems(t *testing.T) {
	items, err := parseEvidenceItems("Here you go:\n```json\n[{\"statement\": \"s\"}]\n```\nDone.")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "s", items[0].Statement)

	items, err = parseEvidenceItems(`prefix [{"statement": "a"}, {"statement": "b"}] suffix`)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	_, err = parseEvidenceItems("no json here")
	require.Error(t, err)

	items, err = parseEvidenceItems("[]")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCapRunes(t *testing.T) {
	assert.Equal(t, "abc", capRunes("abcdef", 3))
	assert.Equal(t, "abc", capRunes("abc", 10))
	korean := strings.Repeat("한", 10)
	assert.Equal(t, strings.Repeat("한", 4), capRunes(korean, 4))
}
