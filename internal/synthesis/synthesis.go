// Package synthesis turns the evidence ledger into per-question
// conclusions and the final executive memo, with citation tokens that
// resolve back to ledger rows.
package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/llm"
	"github.com/quarrylab/quarry/internal/metrics"
	"github.com/quarrylab/quarry/internal/models"
)

const (
	synthesisMaxUnits = 5000
	evidencePerPrompt = 50
)

// Synthesizer produces QuestionSynthesis values from ledger evidence.
type Synthesizer struct {
	gen    llm.TextGenerator
	logger *zap.Logger
}

// New builds a Synthesizer over the generation capability.
func New(gen llm.TextGenerator, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{gen: gen, logger: logger}
}

// SynthesizeAll produces one synthesis per sub-question, in plan order.
// A question with no evidence gets an explicit empty synthesis; a
// generation or parse failure degrades to a fallback synthesis, never an
// error. Only context cancellation aborts the loop.
func (s *Synthesizer) SynthesizeAll(
	ctx context.Context,
	plan *models.ResearchPlan,
	rows []models.EvidenceRow,
) ([]models.QuestionSynthesis, error) {
	if plan == nil {
		return nil, errors.New("synthesize: nil plan")
	}
	syntheses := make([]models.QuestionSynthesis, 0, len(plan.SubQuestions))
	for _, sq := range plan.SubQuestions {
		if err := ctx.Err(); err != nil {
			return syntheses, err
		}
		evidence := evidenceFor(rows, sq.QID)
		var syn models.QuestionSynthesis
		if len(evidence) == 0 {
			s.logger.Warn("No evidence for sub-question", zap.String("q_id", sq.QID))
			syn = emptySynthesis(sq)
		} else {
			syn = s.synthesizeQuestion(ctx, sq, evidence)
		}
		syntheses = append(syntheses, syn)
		s.logger.Info("Question synthesized",
			zap.String("q_id", sq.QID),
			zap.String("confidence", syn.Confidence),
			zap.Int("evidence_rows", len(evidence)))
	}
	return syntheses, nil
}

// evidenceFor selects a question's evidence rows, capped for the prompt.
func evidenceFor(rows []models.EvidenceRow, qid string) []models.EvidenceRow {
	var out []models.EvidenceRow
	for i := range rows {
		if rows[i].RowType != models.RowTypeEvidence || rows[i].QID != qid {
			continue
		}
		out = append(out, rows[i])
		if len(out) == evidencePerPrompt {
			break
		}
	}
	return out
}

func emptySynthesis(sq models.SubQuestion) models.QuestionSynthesis {
	return models.QuestionSynthesis{
		QID:                 sq.QID,
		Question:            sq.Question,
		MiniConclusion:      "No evidence collected for this question.",
		Reasoning:           []string{"No evidence available"},
		SupportingRowIDs:    []int{},
		Confidence:          models.ConfidenceLow,
		ConfidenceRationale: "No evidence collected",
	}
}

func (s *Synthesizer) synthesizeQuestion(
	ctx context.Context,
	sq models.SubQuestion,
	evidence []models.EvidenceRow,
) models.QuestionSynthesis {
	prompt := buildSynthesisPrompt(sq, evidence)
	res, err := s.gen.Generate(ctx, llm.GenerateRequest{
		Prompt:         prompt,
		MaxOutputUnits: synthesisMaxUnits,
		Temperature:    0,
		Purpose:        "synthesis",
	})
	if err != nil {
		s.logger.Warn("Synthesis generation failed",
			zap.String("q_id", sq.QID),
			zap.Error(err))
		metrics.SynthesisFallbacks.Inc()
		return fallbackSynthesis(sq, evidence)
	}

	parsed, err := parseSynthesis(res.Text)
	if err != nil {
		s.logger.Warn("Synthesis output malformed",
			zap.String("q_id", sq.QID),
			zap.Error(err))
		metrics.SynthesisFallbacks.Inc()
		return fallbackSynthesis(sq, evidence)
	}

	return models.QuestionSynthesis{
		QID:                 sq.QID,
		Question:            sq.Question,
		MiniConclusion:      parsed.MiniConclusion,
		Reasoning:           parsed.Reasoning,
		SupportingRowIDs:    parsed.SupportingIDs,
		Confidence:          parsed.Confidence,
		ConfidenceRationale: parsed.Rationale,
	}
}

// fallbackSynthesis preserves traceability when generation degrades: the
// first few row IDs point the reader at the raw evidence.
func fallbackSynthesis(sq models.SubQuestion, evidence []models.EvidenceRow) models.QuestionSynthesis {
	ids := make([]int, 0, 5)
	for i := 0; i < len(evidence) && i < 5; i++ {
		ids = append(ids, evidence[i].RowID)
	}
	return models.QuestionSynthesis{
		QID:                 sq.QID,
		Question:            sq.Question,
		MiniConclusion:      fmt.Sprintf("Analysis of %d evidence rows. (Synthesis failed - see raw evidence)", len(evidence)),
		Reasoning:           []string{"Synthesis generation failed - please review evidence directly"},
		SupportingRowIDs:    ids,
		Confidence:          models.ConfidenceLow,
		ConfidenceRationale: "Automated synthesis failed",
	}
}

func buildSynthesisPrompt(sq models.SubQuestion, evidence []models.EvidenceRow) string {
	var sb strings.Builder
	for i, ev := range evidence {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "[Evidence #%d]\nStatement: %s\nSource: %s (%s)\nConfidence: %s\nURL: %s",
			ev.RowID, ev.Statement, ev.SourceName, ev.Date, ev.Confidence, ev.SourceURL)
	}

	expected := sq.ExpectedOutput
	if expected == "" {
		expected = "A direct, evidence-backed answer."
	}

	return fmt.Sprintf(`You are a strategic analyst synthesizing research findings.

Research Question: %s

Expected Output (what we're looking for):
%s

Evidence Collected:
%s

Your task:
1. Write a MINI CONCLUSION (2-4 sentences) that directly answers the research question
2. Provide LOGICAL REASONING - natural prose statements with inline source citations
   - Write in flowing narrative form, not numbered bullet points
   - Each reasoning point should be a complete, self-contained statement with specific data
   - Connect the dots between evidence pieces naturally
   - Format: "[Your insight with specific data] (Source: [source_name], Evidence #[id])."
3. List SUPPORTING EVIDENCE IDs - the most critical evidence row IDs
4. Assess CONFIDENCE level (High/Medium/Low) and explain why

Return a JSON object:
{
  "mini_conclusion": "2-4 sentence conclusion directly answering the question",
  "logical_reasoning": [
    "Natural statement with specific finding (Source: SourceName, Evidence #15).",
    "Another insight with data points (Source: SourceName, Evidence #23)."
  ],
  "supporting_evidence_ids": [15, 23],
  "confidence": "High|Medium|Low",
  "confidence_rationale": "Why this confidence level (e.g., multiple independent sources, quantitative data)"
}

CRITICAL RULES:
- Write NATURAL PROSE, not "Evidence #X shows..." format
- Be SPECIFIC and DATA-DRIVEN (use numbers, percentages, names from evidence)
- Format citations as: "(Source: [source_name], Evidence #[id])" at end of each statement
- Include source_name from the evidence in your citations
- If evidence conflicts, acknowledge it and explain which is more credible
- Confidence = High if: multiple independent sources, quantitative data, recent dates
- Confidence = Low if: few sources, vague statements, old data, contradictions`,
		sq.Question, expected, sb.String())
}

type parsedSynthesis struct {
	MiniConclusion string   `json:"mini_conclusion"`
	Reasoning      []string `json:"logical_reasoning"`
	SupportingIDs  []int    `json:"supporting_evidence_ids"`
	Confidence     string   `json:"confidence"`
	Rationale      string   `json:"confidence_rationale"`
}

func parseSynthesis(text string) (*parsedSynthesis, error) {
	cleaned := stripCodeFence(text)
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object in synthesis output")
	}
	payload := cleaned[start : end+1]

	var parsed parsedSynthesis
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		repaired := repairJSON(payload)
		if err2 := json.Unmarshal([]byte(repaired), &parsed); err2 != nil {
			return nil, fmt.Errorf("decode synthesis: %w", err)
		}
	}
	if parsed.MiniConclusion == "" {
		return nil, errors.New("synthesis output missing mini_conclusion")
	}
	if parsed.Confidence == "" {
		parsed.Confidence = models.ConfidenceMedium
	}
	return &parsed, nil
}

var newlineRuns = regexp.MustCompile(`\n+`)

// repairJSON flattens raw newlines, the common malformation when long
// generated strings wrap mid-value.
func repairJSON(text string) string {
	return newlineRuns.ReplaceAllString(text, " ")
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
