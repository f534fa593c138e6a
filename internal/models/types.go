package models

import "time"

// Pipeline phases, in required order
const (
	PhaseInit              = "init"
	PhaseScopeClarified    = "scope_clarified"
	PhasePlanCreated       = "plan_created"
	PhasePlanApproved      = "plan_approved"
	PhasePlanRejected      = "plan_rejected"
	PhaseSchemaReady       = "schema_ready"
	PhaseResearchComplete  = "research_complete"
	PhaseSynthesisComplete = "synthesis_complete"
	PhaseMemoComplete      = "memo_complete"
	PhaseM3Complete        = "m3_complete"
	PhaseFailed            = "failed"
)

// Ledger row types
const (
	RowTypeEvidence   = "evidence"
	RowTypeHeader     = "header"
	RowTypeSynthesis  = "synthesis"
	RowTypeConclusion = "conclusion"
)

// Confidence labels
const (
	ConfidenceHigh   = "High"
	ConfidenceMedium = "Medium"
	ConfidenceLow    = "Low"
)

// Approval decisions
const (
	DecisionApprove = "approve"
	DecisionEdit    = "edit"
	DecisionReject  = "reject"
)

// SubQuestion is one decomposed unit of the research question.
// Immutable once the plan is approved; refinement produces a new value.
type SubQuestion struct {
	QID            string `json:"q_id"`
	Question       string `json:"question"`
	Rationale      string `json:"rationale"`
	ExpectedOutput string `json:"expected_output"`
}

// DynamicColumn is one plan-proposed evidence field beyond the meta columns.
type DynamicColumn struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	ExampleValues []string `json:"example_values,omitempty"`
}

// MetaColumns are the fixed ledger columns present on every row.
var MetaColumns = []string{
	"Row_ID", "Row_Type", "Question_ID", "Section", "Statement",
	"Supports_Row_IDs", "Source_URL", "Source_Name", "Date",
	"Confidence", "Notes",
}

// LedgerSchema is the materialized evidence schema for a run.
type LedgerSchema struct {
	DynamicColumns []DynamicColumn `json:"dynamic_columns"`
}

// HasColumn reports whether name is a declared dynamic column.
func (s *LedgerSchema) HasColumn(name string) bool {
	for _, c := range s.DynamicColumns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// ResearchPlan is created once by planning and replaced wholesale by
// revision; it is never partially mutated.
type ResearchPlan struct {
	Title          string          `json:"research_title"`
	SubQuestions   []SubQuestion   `json:"sub_questions"`
	Framework      string          `json:"preliminary_framework,omitempty"`
	SchemaProposal []DynamicColumn `json:"dynamic_schema_proposal,omitempty"`
	SearchPlan     string          `json:"search_plan,omitempty"`
	StopRules      string          `json:"stop_rules,omitempty"`
}

// HasQuestion reports whether qid belongs to this plan.
func (p *ResearchPlan) HasQuestion(qid string) bool {
	for _, sq := range p.SubQuestions {
		if sq.QID == qid {
			return true
		}
	}
	return false
}

// SearchResult is one raw hit from the web search capability.
type SearchResult struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Snippet       string  `json:"snippet,omitempty"`
	Score         float64 `json:"score"`
	PublishedDate string  `json:"published_date,omitempty"`
}

// CandidateSource is a search hit awaiting ranking. URL is the natural
// key: two candidates with the same URL are the same source.
type CandidateSource struct {
	URL           string  `json:"url"`
	Title         string  `json:"title"`
	Snippet       string  `json:"snippet,omitempty"`
	QID           string  `json:"q_id"`
	Score         float64 `json:"score"`
	PublishedDate string  `json:"published_date,omitempty"`
	Position      int     `json:"position"` // discovery order, used for stable tie-breaks
}

// EvidenceRow is one immutable ledger entry. RowID is monotonically
// assigned per run and never reused; it is the only key used for
// cross-references.
type EvidenceRow struct {
	RowID          int               `json:"row_id"`
	RowType        string            `json:"row_type"`
	QID            string            `json:"question_id"`
	Section        string            `json:"section,omitempty"`
	Statement      string            `json:"statement"`
	SupportsRowIDs []int             `json:"supports_row_ids,omitempty"`
	SourceURL      string            `json:"source_url,omitempty"`
	SourceName     string            `json:"source_name,omitempty"`
	Date           string            `json:"date,omitempty"`
	Confidence     string            `json:"confidence,omitempty"`
	Notes          string            `json:"notes,omitempty"`
	Fields         map[string]string `json:"dynamic_fields,omitempty"`
}

// QuestionSynthesis is the per-sub-question synthesis output.
type QuestionSynthesis struct {
	QID                 string   `json:"question_id"`
	Question            string   `json:"question"`
	MiniConclusion      string   `json:"mini_conclusion"`
	Reasoning           []string `json:"logical_reasoning"`
	SupportingRowIDs    []int    `json:"supporting_evidence_ids"`
	Confidence          string   `json:"confidence"`
	ConfidenceRationale string   `json:"confidence_rationale,omitempty"`
}

// MemoBlock is the final executive memo assembled from the syntheses.
type MemoBlock struct {
	ExecutiveSummary      string   `json:"executive_summary"`
	KeyFindings           []string `json:"key_findings"`
	CrossQuestionInsights []string `json:"cross_question_insights,omitempty"`
	Implications          []string `json:"implications,omitempty"`
	MethodologyNote       string   `json:"methodology_note,omitempty"`
}

// ApprovalDecision is a reviewer's verdict on a generated plan.
type ApprovalDecision struct {
	Decision  string    `json:"decision"` // approve, edit, reject
	Feedback  string    `json:"feedback,omitempty"`
	DecidedBy string    `json:"decided_by,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PipelineState is the single mutable record threaded through all
// phases. It is exclusively owned by the orchestrating caller; no two
// phases execute concurrently against the same state.
type PipelineState struct {
	RunID            string              `json:"run_id"`
	Question         string              `json:"question"`
	ClarifiedContext string              `json:"clarified_context,omitempty"`
	Plan             *ResearchPlan       `json:"plan,omitempty"`
	Schema           *LedgerSchema       `json:"schema,omitempty"`
	Ledger           []EvidenceRow       `json:"ledger"`
	Syntheses        []QuestionSynthesis `json:"syntheses,omitempty"`
	Memo             *MemoBlock          `json:"memo,omitempty"`
	Phase            string              `json:"phase"`
	Iteration        int                 `json:"iteration"`
	Failure          string              `json:"failure,omitempty"`
	StartedAt        time.Time           `json:"started_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// LedgerRow looks up a ledger row by ID; nil when absent.
func (s *PipelineState) LedgerRow(rowID int) *EvidenceRow {
	for i := range s.Ledger {
		if s.Ledger[i].RowID == rowID {
			return &s.Ledger[i]
		}
	}
	return nil
}

// BudgetSnapshot reports accumulated generation usage for a run.
// Counters are monotonically increasing within a run and reset only at
// the start of a new run.
type BudgetSnapshot struct {
	Calls          int     `json:"calls"`
	InputUnits     int     `json:"input_units"`
	OutputUnits    int     `json:"output_units"`
	CachedUnits    int     `json:"cached_units"`
	CostUSD        float64 `json:"cost_usd"`
	SavedUSD       float64 `json:"saved_usd"`
	AvgCostPerCall float64 `json:"avg_cost_per_call"`
}
