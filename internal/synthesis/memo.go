package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/llm"
	"github.com/quarrylab/quarry/internal/metrics"
	"github.com/quarrylab/quarry/internal/models"
)

const memoMaxUnits = 6000

// GenerateMemo integrates all syntheses into the executive memo. A
// generation or parse failure degrades to a fallback memo assembled from
// the mini-conclusions; only context cancellation returns an error.
func (s *Synthesizer) GenerateMemo(
	ctx context.Context,
	title string,
	syntheses []models.QuestionSynthesis,
) (*models.MemoBlock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prompt := buildMemoPrompt(title, syntheses)
	res, err := s.gen.Generate(ctx, llm.GenerateRequest{
		Prompt:         prompt,
		MaxOutputUnits: memoMaxUnits,
		Temperature:    0,
		Purpose:        "memo",
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("Memo generation failed", zap.Error(err))
		metrics.SynthesisFallbacks.Inc()
		return fallbackMemo(title, syntheses), nil
	}

	memo, err := parseMemo(res.Text)
	if err != nil {
		s.logger.Warn("Memo output malformed", zap.Error(err))
		metrics.SynthesisFallbacks.Inc()
		return fallbackMemo(title, syntheses), nil
	}
	return memo, nil
}

func fallbackMemo(title string, syntheses []models.QuestionSynthesis) *models.MemoBlock {
	findings := make([]string, 0, len(syntheses))
	for _, syn := range syntheses {
		findings = append(findings, fmt.Sprintf("%s: %s", syn.QID, syn.MiniConclusion))
	}
	return &models.MemoBlock{
		ExecutiveSummary: fmt.Sprintf(
			"Research on '%s' complete. %d sub-questions analyzed. (Automated summary generation failed - see individual syntheses)",
			title, len(syntheses)),
		KeyFindings:           findings,
		CrossQuestionInsights: []string{"Automated cross-question analysis failed - please review individual syntheses"},
		Implications:          []string{"Please review individual question syntheses for detailed insights"},
		MethodologyNote:       "Automated memo generation failed. Please review individual question syntheses and evidence.",
	}
}

func buildMemoPrompt(title string, syntheses []models.QuestionSynthesis) string {
	var sb strings.Builder
	for i, syn := range syntheses {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "%s: %s\nConclusion: %s\nKey Reasoning:\n", syn.QID, syn.Question, syn.MiniConclusion)
		for _, r := range syn.Reasoning {
			fmt.Fprintf(&sb, "  - %s\n", r)
		}
		fmt.Fprintf(&sb, "Confidence: %s (%s)", syn.Confidence, syn.ConfidenceRationale)
	}

	return fmt.Sprintf(`You are a strategy consultant writing an executive memo.

Research Title: %s

Sub-Question Syntheses:
%s

Your task: Create an executive memo that integrates ALL findings into a cohesive narrative.

Components:

1. EXECUTIVE SUMMARY (3-5 sentences)
   - DIRECTLY ANSWER the research question: "%s"
   - Focus on FINDINGS and INSIGHTS, not on what the research program did
   - Be specific with data points, numbers, names from the syntheses

2. KEY FINDINGS (organized by sub-question)
   - For each sub-question, include the full question text plus the key insight
   - Format: "Q1: [Full question text] [Key insight/answer]"
   - Each finding should be 2-3 sentences with specific data

3. CROSS-QUESTION INSIGHTS (2-4 insights)
   - Connections BETWEEN different sub-questions
   - Format: "Q1 + Q3 connection: [insight]"

4. IMPLICATIONS (3-5 bullet points)
   - What should be DONE with these findings?
   - Recommendations, action items, strategic implications

5. METHODOLOGY NOTE (2-3 sentences)
   - Brief note on research approach, limitations, and overall confidence

Return a JSON object:
{
  "executive_summary": "3-5 sentence overview",
  "key_findings": ["Q1: Finding from first question", "Q2: Finding from second question"],
  "cross_question_insights": ["Q1 + Q3: Insight connecting these questions"],
  "implications": ["Implication 1: Action or recommendation"],
  "methodology_note": "Brief note on approach and limitations"
}

CRITICAL RULES:
- Be SPECIFIC and CONCRETE - use actual findings from syntheses
- Executive summary should be ACTIONABLE, not just descriptive
- Cross-question insights should reveal NON-OBVIOUS connections
- Acknowledge limitations honestly in methodology note`,
		title, sb.String(), title)
}

func parseMemo(text string) (*models.MemoBlock, error) {
	cleaned := stripCodeFence(text)
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return nil, errors.New("no JSON object in memo output")
	}
	payload := cleaned[start : end+1]

	var memo models.MemoBlock
	if err := json.Unmarshal([]byte(payload), &memo); err != nil {
		if err2 := json.Unmarshal([]byte(repairJSON(payload)), &memo); err2 != nil {
			return nil, fmt.Errorf("decode memo: %w", err)
		}
	}
	if memo.ExecutiveSummary == "" {
		return nil, errors.New("memo output missing executive_summary")
	}
	return &memo, nil
}
