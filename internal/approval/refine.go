package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/llm"
	"github.com/quarrylab/quarry/internal/models"
)

const refineMaxUnits = 2000

// Refiner revises a plan's sub-questions from reviewer feedback.
type Refiner struct {
	gen    llm.TextGenerator
	logger *zap.Logger
}

// NewRefiner builds a refiner on top of a text generator.
func NewRefiner(gen llm.TextGenerator, logger *zap.Logger) *Refiner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refiner{gen: gen, logger: logger}
}

// RefinePlan applies reviewer feedback to the plan's sub-questions in a
// single generation call. Question identity (q_id) and rationale are
// preserved; only question text and expected output change. On
// generation or parse failure the current plan is returned unchanged
// along with the error, so the caller can re-publish it as-is.
func (r *Refiner) RefinePlan(ctx context.Context, plan *models.ResearchPlan, feedback string) (*models.ResearchPlan, error) {
	if plan == nil {
		return nil, fmt.Errorf("refine plan: plan is nil")
	}
	if strings.TrimSpace(feedback) == "" {
		return plan, nil
	}

	result, err := r.gen.Generate(ctx, llm.GenerateRequest{
		Prompt:         buildRefinePrompt(plan, feedback),
		MaxOutputUnits: refineMaxUnits,
		Temperature:    0,
		Purpose:        "refine",
	})
	if err != nil {
		return plan, fmt.Errorf("refine generation: %w", err)
	}

	refined, err := parseRefinements(result.Text)
	if err != nil {
		return plan, fmt.Errorf("refine parse: %w", err)
	}

	r.logger.Info("Plan refined from reviewer feedback",
		zap.String("title", plan.Title),
		zap.Int("refinements", len(refined)),
	)
	return applyRefinements(plan, refined), nil
}

type refinement struct {
	QID            string `json:"q_id"`
	Question       string `json:"question"`
	ExpectedOutput string `json:"expected_output"`
}

func buildRefinePrompt(plan *models.ResearchPlan, feedback string) string {
	var b strings.Builder
	b.WriteString("The reviewer wants to refine the sub-questions of this research plan:\n\n")
	fmt.Fprintf(&b, "Research Title: %s\n\nCurrent Sub-Questions:\n", plan.Title)
	for _, sq := range plan.SubQuestions {
		fmt.Fprintf(&b, "\n%s: %s\n", sq.QID, sq.Question)
		fmt.Fprintf(&b, "  Rationale: %s\n", sq.Rationale)
		fmt.Fprintf(&b, "  Expected Output: %s\n", sq.ExpectedOutput)
	}
	fmt.Fprintf(&b, "\nReviewer Feedback: %s\n\n", feedback)
	b.WriteString(`Please provide refined versions of the QUESTION and EXPECTED OUTPUT for each sub-question, incorporating the reviewer's feedback.
Keep every q_id. Do not add or remove sub-questions. Repeat the current text for any sub-question the feedback does not affect.

Return ONLY a JSON array in this exact format:
[{"q_id": "Q1", "question": "[refined question]", "expected_output": "[refined expected output]"}]`)
	return b.String()
}

func parseRefinements(text string) ([]refinement, error) {
	text = stripCodeFence(strings.TrimSpace(text))

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no JSON array found in output")
	}

	var refined []refinement
	if err := json.Unmarshal([]byte(text[start:end+1]), &refined); err != nil {
		return nil, fmt.Errorf("parse refinements: %w", err)
	}
	if len(refined) == 0 {
		return nil, fmt.Errorf("empty refinement array")
	}
	return refined, nil
}

// applyRefinements merges refined text into a copy of the plan. Unknown
// q_ids are ignored; empty fields keep their current value.
func applyRefinements(plan *models.ResearchPlan, refined []refinement) *models.ResearchPlan {
	byID := make(map[string]refinement, len(refined))
	for _, ref := range refined {
		byID[ref.QID] = ref
	}

	out := *plan
	out.SubQuestions = make([]models.SubQuestion, len(plan.SubQuestions))
	copy(out.SubQuestions, plan.SubQuestions)
	for i, sq := range out.SubQuestions {
		ref, ok := byID[sq.QID]
		if !ok {
			continue
		}
		if q := strings.TrimSpace(ref.Question); q != "" {
			out.SubQuestions[i].Question = q
		}
		if eo := strings.TrimSpace(ref.ExpectedOutput); eo != "" {
			out.SubQuestions[i].ExpectedOutput = eo
		}
	}
	return &out
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
