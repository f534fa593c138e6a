package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/llm"
	"github.com/quarrylab/quarry/internal/models"
)

// planMaxUnits leaves room for detailed multilingual plans.
const planMaxUnits = 6000

// ErrEmptyPlan marks a generated plan with no sub-questions, a
// structural error that fails the run.
var ErrEmptyPlan = errors.New("plan has no sub-questions")

// plan runs one generation call to produce the ResearchPlan. Parse and
// validation failures are structural errors: unlike capability-level
// skips, a plan the run cannot trust fails the run.
func (rn *run) plan(ctx context.Context) error {
	researchInput := rn.state.ClarifiedContext
	if researchInput == "" {
		researchInput = rn.state.Question
	}

	res, err := rn.gen.Generate(ctx, llm.GenerateRequest{
		Prompt:         buildPlanPrompt(researchInput),
		MaxOutputUnits: planMaxUnits,
		Temperature:    0,
		Purpose:        "plan",
	})
	if err != nil {
		return fmt.Errorf("plan generation: %w", err)
	}

	plan, err := parsePlan(res.Text)
	if err != nil {
		return fmt.Errorf("plan parse: %w", err)
	}
	if err := validatePlan(plan); err != nil {
		return fmt.Errorf("plan validation: %w", err)
	}

	rn.state.Plan = plan
	rn.state.Phase = models.PhasePlanCreated
	rn.logger.Info("Research plan created",
		zap.String("title", plan.Title),
		zap.Int("sub_questions", len(plan.SubQuestions)),
		zap.Int("schema_columns", len(plan.SchemaProposal)))
	return nil
}

func buildPlanPrompt(researchInput string) string {
	var b strings.Builder
	b.WriteString("You are a research planner. Create a structured research plan for this question.\n\n")
	fmt.Fprintf(&b, "Research Question: %s\n\n", researchInput)
	b.WriteString(`Produce a JSON object with EXACTLY these fields:
{
  "research_title": "refined research question as a title",
  "sub_questions": [
    {
      "q_id": "Q1",
      "question": "one focused sub-question",
      "rationale": "why this sub-question matters",
      "expected_output": "what kind of answer or evidence is expected"
    }
  ],
  "preliminary_framework": "analytical approach in 2-4 sentences",
  "dynamic_schema_proposal": [
    {
      "name": "Column_Name",
      "description": "what this column captures",
      "example_values": ["example 1", "example 2"]
    }
  ],
  "search_plan": "high-level search strategy across source types",
  "stop_rules": "when to stop research (e.g., stop at 200 evidence rows)"
}

Requirements:
- Decompose into 3-5 sub-questions with IDs Q1, Q2, ... in order.
- Each sub-question must be independently researchable and together
  they must cover the research question.
- Propose 3-6 dynamic schema columns capturing the data points this
  research needs beyond generic evidence text.
- Column names use Snake_Case with no spaces.
- Keep the research language of the question (Korean questions get
  Korean sub-questions).

Return ONLY the JSON object, no commentary.`)
	return b.String()
}

// parsePlan extracts the plan JSON from generation output, tolerating
// markdown code fences and surrounding prose.
func parsePlan(text string) (*models.ResearchPlan, error) {
	text = stripFence(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object in output")
	}

	var plan models.ResearchPlan
	if err := json.Unmarshal([]byte(text[start:end+1]), &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// validatePlan enforces the structural contract: a title, at least one
// sub-question, and unique non-empty question IDs.
func validatePlan(plan *models.ResearchPlan) error {
	if strings.TrimSpace(plan.Title) == "" {
		return errors.New("missing research_title")
	}
	if len(plan.SubQuestions) == 0 {
		return ErrEmptyPlan
	}

	seen := make(map[string]bool, len(plan.SubQuestions))
	for i, sq := range plan.SubQuestions {
		if strings.TrimSpace(sq.QID) == "" {
			return fmt.Errorf("sub-question %d missing q_id", i+1)
		}
		if strings.TrimSpace(sq.Question) == "" {
			return fmt.Errorf("sub-question %s missing question text", sq.QID)
		}
		if seen[sq.QID] {
			return fmt.Errorf("duplicate q_id %s", sq.QID)
		}
		seen[sq.QID] = true
	}
	return nil
}

// stripFence removes a wrapping markdown code fence when present.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```json"); idx >= 0 {
		text = text[idx+len("```json"):]
	} else if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+len("```"):]
	} else {
		return text
	}
	if end := strings.Index(text, "```"); end >= 0 {
		text = text[:end]
	}
	return strings.TrimSpace(text)
}
