package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/config"
	"github.com/quarrylab/quarry/internal/llm"
	"github.com/quarrylab/quarry/internal/models"
	"github.com/quarrylab/quarry/internal/search"
	"github.com/quarrylab/quarry/internal/streaming"
)

// scriptedGenerator answers each generation purpose from a script keyed
// by purpose and per-purpose call number. The last response of a script
// repeats when calls outnumber entries.
type scriptedGenerator struct {
	mu      sync.Mutex
	calls   map[string]int
	scripts map[string][]string
	errs    map[string]error
	onCall  func(purpose string, n int)
}

func (g *scriptedGenerator) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	if g.calls == nil {
		g.calls = map[string]int{}
	}
	g.calls[req.Purpose]++
	n := g.calls[req.Purpose]
	g.mu.Unlock()

	if g.onCall != nil {
		g.onCall(req.Purpose, n)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := g.errs[req.Purpose]; err != nil {
		return nil, err
	}
	script := g.scripts[req.Purpose]
	if len(script) == 0 {
		return nil, fmt.Errorf("no script for purpose %q", req.Purpose)
	}
	idx := n - 1
	if idx >= len(script) {
		idx = len(script) - 1
	}
	return &llm.GenerateResult{
		Text:  script[idx],
		Usage: llm.Usage{InputUnits: 200, OutputUnits: 80},
	}, nil
}

func (g *scriptedGenerator) count(purpose string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[purpose]
}

type scriptedSearcher struct {
	results map[string][]models.SearchResult
}

func (s *scriptedSearcher) Search(ctx context.Context, q search.Query) ([]models.SearchResult, error) {
	return s.results[q.Query], nil
}

type scriptedFetcher struct {
	mu    sync.Mutex
	calls int
	pages map[string]string
}

func (f *scriptedFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	page, ok := f.pages[url]
	if !ok {
		return nil, fmt.Errorf("no page for %s", url)
	}
	return []byte(page), nil
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

const happyPlanJSON = `{
  "research_title": "Korean grocery delivery market analysis",
  "sub_questions": [
    {"q_id": "Q1", "question": "What is the market size of grocery delivery in Korea?", "rationale": "Sizing anchors the analysis", "expected_output": "Market size in KRW with year"},
    {"q_id": "Q2", "question": "Which companies lead the grocery delivery market?", "rationale": "Competitive structure drives economics", "expected_output": "Ranked market shares"}
  ],
  "preliminary_framework": "Size the market first, then map the competitive structure onto it.",
  "dynamic_schema_proposal": [
    {"name": "Metric_Value", "description": "numeric value cited", "example_values": ["3.2T KRW"]},
    {"name": "Metric_Value", "description": "duplicate name, dropped", "example_values": []},
    {"name": "  ", "description": "unnamed, dropped", "example_values": []},
    {"name": "Company", "description": "company the evidence concerns", "example_values": ["Coupang"]}
  ],
  "search_plan": "News and analyst coverage first, then official statistics.",
  "stop_rules": "Stop at 200 evidence rows"
}`

const (
	newsURL    = "https://news.example/market"
	analystURL = "https://research.example/grocery"
	offURL     = "https://tracker.example/share"
)

const newsEvidenceJSON = `[
  {
    "statement": "The Korean grocery delivery market reached 3.2 trillion KRW in 2024, growing 23 percent from the prior year according to industry estimates.",
    "question_id": "Q1",
    "section": "Market Size",
    "confidence": "High",
    "dynamic_fields": {"Metric_Value": "3.2T KRW"}
  },
  {
    "statement": "Online grocery penetration in Korea hit 31 percent of total grocery spending during 2024, the highest rate among comparable markets.",
    "question_id": "Q1",
    "section": "Market Size",
    "dynamic_fields": {"Metric_Value": "31%", "Bogus_Column": "dropped"}
  }
]`

const analystEvidenceJSON = `[
  {
    "statement": "Coupang led the Korean grocery delivery segment with an estimated 41 percent share of orders in 2024, ahead of Baemin B Mart at 17 percent.",
    "question_id": "Q2",
    "section": "Competition",
    "confidence": "Medium",
    "dynamic_fields": {"Company": "Coupang", "Metric_Value": "41%"}
  }
]`

const synthesisQ1JSON = `{
  "mini_conclusion": "The market reached 3.2 trillion KRW in 2024, growing 23 percent.",
  "logical_reasoning": ["Industry estimates put 2024 gross value at 3.2 trillion KRW (Source: Example News, Evidence #3)"],
  "supporting_evidence_ids": [3, 4],
  "confidence": "High",
  "confidence_rationale": "Consistent figures across evidence"
}`

const synthesisQ2JSON = `{
  "mini_conclusion": "Coupang leads order share at roughly 41 percent.",
  "logical_reasoning": ["Analyst tracking gives Coupang 41 percent of 2024 orders (Source: Analyst Report, Evidence #5)"],
  "supporting_evidence_ids": [5],
  "confidence": "Medium",
  "confidence_rationale": "Single analyst source"
}`

const memoJSON = `{
  "executive_summary": "Korea's grocery delivery market hit 3.2 trillion KRW in 2024 with Coupang leading order share. (Source: Example News, Evidence #3)",
  "key_findings": ["Coupang holds roughly 41 percent of orders. (Source: Analyst Report, Evidence #5)"],
  "cross_question_insights": ["Scale advantages compound across fulfillment and delivery."],
  "implications": ["Further consolidation is likely."],
  "methodology_note": "Web evidence only; no primary interviews."
}`

func happyGenerator() *scriptedGenerator {
	return &scriptedGenerator{
		scripts: map[string][]string{
			"clarify": {"- Entities: Coupang, Baemin B Mart\n- Geography: South Korea\n- Period: 2023-2025"},
			"plan":    {happyPlanJSON},
			"queries": {
				`["korea grocery delivery market size 2024", "grocery delivery gmv korea"]`,
				`["coupang fresh market share", "baemin b mart market share"]`,
			},
			"extract":   {newsEvidenceJSON, analystEvidenceJSON},
			"synthesis": {synthesisQ1JSON, synthesisQ2JSON},
			"memo":      {memoJSON},
			"refine": {
				`[{"q_id": "Q1", "question": "What is the market size of grocery delivery in Korea by GMV?", "expected_output": "GMV in KRW for 2024"}]`,
			},
		},
	}
}

func happySearcher() *scriptedSearcher {
	return &scriptedSearcher{
		results: map[string][]models.SearchResult{
			"korea grocery delivery market size 2024": {
				{Title: "Example News", URL: newsURL, Score: 0.9, PublishedDate: "2025-03-01"},
			},
			"grocery delivery gmv korea": {
				{Title: "Example News again", URL: newsURL, Score: 0.85},
				{Title: "Analyst Report", URL: analystURL, Score: 0.8, PublishedDate: "2024-11-20"},
			},
			"coupang fresh market share": {
				{Title: "Market Tracker", URL: offURL, Score: 0.7},
			},
			"baemin b mart market share": {},
		},
	}
}

func happyFetcher() *scriptedFetcher {
	return &scriptedFetcher{
		pages: map[string]string{
			newsURL:    `<html><body><p>The Korean grocery delivery market reached 3.2 trillion KRW in 2024, growing 23 percent.</p></body></html>`,
			analystURL: `<html><body><p>Coupang leads the Korean grocery delivery segment with 41 percent of orders in 2024.</p></body></html>`,
			offURL:     `<html><body><p>A lovely essay about mountain hiking and birdsong.</p></body></html>`,
		},
	}
}

func happyOptions() Options {
	return Options{
		Research: config.ResearchConfig{
			ResultsPerQuery: 8,
			TopSources:      10,
			TargetRows:      50,
			SearchWorkers:   1,
			ExtractWorkers:  1,
		},
		Mode: "batch",
	}
}

func newTestRunner(gen *scriptedGenerator, opts Options) (*Runner, *scriptedFetcher) {
	fetcher := happyFetcher()
	caps := Capabilities{Generator: gen, Searcher: happySearcher(), Fetcher: fetcher}
	return NewRunner(caps, opts, zap.NewNop()), fetcher
}

func TestRunHappyPath(t *testing.T) {
	streams := streaming.NewManager(streaming.DefaultCapacity)
	events := streams.Subscribe("run-1", 256)

	opts := happyOptions()
	opts.Streams = streams
	runner, _ := newTestRunner(happyGenerator(), opts)

	state, err := runner.RunWithID(context.Background(), "run-1", "한국 장보기 배달 시장 분석")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, models.PhaseM3Complete, state.Phase)
	assert.Empty(t, state.Failure)
	assert.Equal(t, 0, state.Iteration)

	// Clarified context wraps the question with the detected scope.
	assert.Contains(t, state.ClarifiedContext, "한국 장보기 배달 시장 분석")
	assert.Contains(t, state.ClarifiedContext, "Research Scope:")
	assert.Contains(t, state.ClarifiedContext, "Coupang")

	require.NotNil(t, state.Plan)
	assert.Equal(t, "Korean grocery delivery market analysis", state.Plan.Title)
	require.Len(t, state.Plan.SubQuestions, 2)

	// Schema proposal deduplicated: the repeated and unnamed columns are gone.
	require.NotNil(t, state.Schema)
	require.Len(t, state.Schema.DynamicColumns, 2)
	assert.Equal(t, "Metric_Value", state.Schema.DynamicColumns[0].Name)
	assert.Equal(t, "Company", state.Schema.DynamicColumns[1].Name)

	// Ledger layout: header per sub-question, evidence, synthesis per
	// sub-question, closing conclusion.
	rows := state.Ledger
	require.Len(t, rows, 8)
	wantTypes := []string{
		models.RowTypeHeader, models.RowTypeHeader,
		models.RowTypeEvidence, models.RowTypeEvidence, models.RowTypeEvidence,
		models.RowTypeSynthesis, models.RowTypeSynthesis,
		models.RowTypeConclusion,
	}
	for i, row := range rows {
		assert.Equal(t, i+1, row.RowID, "row IDs are assigned in strict append order")
		assert.Equal(t, wantTypes[i], row.RowType)
		if row.RowType != models.RowTypeConclusion {
			assert.True(t, state.Plan.HasQuestion(row.QID), "row %d carries unknown QID %q", row.RowID, row.QID)
		}
	}

	assert.Equal(t, "Q1", rows[0].QID)
	assert.Equal(t, "What is the market size of grocery delivery in Korea?", rows[0].Statement)
	assert.Equal(t, "Header", rows[0].Section)
	assert.Equal(t, "Q2", rows[1].QID)

	// Evidence carries source attribution and schema-filtered fields.
	assert.Equal(t, newsURL, rows[2].SourceURL)
	assert.Equal(t, "Example News", rows[2].SourceName)
	assert.Equal(t, "3.2T KRW", rows[2].Fields["Metric_Value"])
	assert.NotContains(t, rows[3].Fields, "Bogus_Column")
	assert.Equal(t, "Coupang", rows[4].Fields["Company"])

	// Syntheses resolved their citation tokens into links.
	require.Len(t, state.Syntheses, 2)
	assert.Equal(t, "Q1", state.Syntheses[0].QID)
	assert.Contains(t, state.Syntheses[0].Reasoning[0], "[Example News]("+newsURL+")")
	assert.Contains(t, state.Syntheses[1].Reasoning[0], "[Analyst Report]("+analystURL+")")

	// Synthesis rows mirror the syntheses and the conclusion row lists
	// them as its support.
	assert.Equal(t, "Q1", rows[5].QID)
	assert.Equal(t, []int{3, 4}, rows[5].SupportsRowIDs)
	assert.Equal(t, models.ConfidenceHigh, rows[5].Confidence)
	assert.Equal(t, []int{6, 7}, rows[7].SupportsRowIDs)

	require.NotNil(t, state.Memo)
	assert.Contains(t, state.Memo.ExecutiveSummary, "[Example News]("+newsURL+")")
	require.Len(t, state.Memo.KeyFindings, 1)
	assert.Contains(t, state.Memo.KeyFindings[0], "[Analyst Report]("+analystURL+")")

	// Stream: ordered sequence covering the run's life cycle.
	byType := map[string]int{}
	var lastSeq uint64
	first := true
	var phaseMessages []string
drain:
	for {
		select {
		case evt := <-events:
			if !first {
				assert.Greater(t, evt.Seq, lastSeq)
			}
			first = false
			lastSeq = evt.Seq
			byType[evt.Type]++
			if evt.Type == streaming.EventPhaseChanged {
				phaseMessages = append(phaseMessages, evt.Message)
			}
		default:
			break drain
		}
	}
	assert.Equal(t, []string{
		models.PhaseScopeClarified, models.PhasePlanCreated,
		models.PhasePlanApproved, models.PhaseSchemaReady,
		models.PhaseResearchComplete, models.PhaseSynthesisComplete,
		models.PhaseMemoComplete, models.PhaseM3Complete,
	}, phaseMessages)
	assert.Equal(t, 4, byType[streaming.EventQueryPlanned])
	assert.Equal(t, 3, byType[streaming.EventSourceFound])
	assert.Equal(t, 1, byType[streaming.EventSourceSkipped], "the off-topic page is skipped by the pre-filter")
	assert.Equal(t, 3, byType[streaming.EventEvidenceAdded])
	assert.GreaterOrEqual(t, byType[streaming.EventBudgetSnapshot], 2)
	assert.Equal(t, 1, byType[streaming.EventRunCompleted])
	assert.Zero(t, byType[streaming.EventRunFailed])
	assert.Zero(t, byType[streaming.EventPlanPendingReview], "no gate is wired")
}

func TestRunStopsAtTargetRows(t *testing.T) {
	opts := happyOptions()
	opts.Research.TargetRows = 3 // two headers plus one evidence row
	runner, fetcher := newTestRunner(happyGenerator(), opts)

	state, err := runner.Run(context.Background(), "grocery delivery economics")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseM3Complete, state.Phase)

	evidence := 0
	for _, row := range state.Ledger {
		if row.RowType == models.RowTypeEvidence {
			evidence++
		}
	}
	assert.Equal(t, 1, evidence, "admission stops once the target is hit")
	assert.Equal(t, 1, fetcher.callCount(), "later sources are never fetched")

	// Synthesis and memo still run over the truncated ledger.
	require.Len(t, state.Ledger, 6)
	assert.Equal(t, models.RowTypeConclusion, state.Ledger[5].RowType)
	assert.Equal(t, []int{4, 5}, state.Ledger[5].SupportsRowIDs)
}

func TestRunPlanStructuralFailure(t *testing.T) {
	gen := happyGenerator()
	gen.scripts["plan"] = []string{`{"research_title": "Empty", "sub_questions": []}`}
	runner, _ := newTestRunner(gen, happyOptions())

	state, err := runner.Run(context.Background(), "question")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrEmptyPlan)
	assert.Equal(t, models.PhaseFailed, state.Phase)
	assert.Contains(t, state.Failure, "plan validation")
	assert.Nil(t, state.Plan)
	assert.Empty(t, state.Ledger)
}

func TestRunFailurePreservesLedger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := happyGenerator()
	gen.onCall = func(purpose string, n int) {
		if purpose == "synthesis" {
			cancel()
		}
	}
	runner, _ := newTestRunner(gen, happyOptions())

	state, err := runner.RunWithID(ctx, "run-cancel", "grocery delivery economics")
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.PhaseFailed, state.Phase)
	assert.NotEmpty(t, state.Failure)

	// Everything research admitted is still on the state.
	assert.Len(t, state.Ledger, 5, "two headers and three evidence rows survive the failure")
	assert.Nil(t, state.Memo)
}

func TestRunClarifyFailureDegrades(t *testing.T) {
	gen := happyGenerator()
	gen.errs = map[string]error{"clarify": fmt.Errorf("generation service unavailable")}
	runner, _ := newTestRunner(gen, happyOptions())

	state, err := runner.Run(context.Background(), "grocery delivery economics")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseM3Complete, state.Phase)
	assert.Empty(t, state.ClarifiedContext, "scope failure degrades to the raw question")
}
