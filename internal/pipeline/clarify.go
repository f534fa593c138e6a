package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/llm"
	"github.com/quarrylab/quarry/internal/models"
)

// scopeMaxUnits bounds the scope-detection call; scope summaries are short.
const scopeMaxUnits = 1500

// clarify runs one scope-detection call and stores the result as the
// clarified context. A failed or empty detection degrades to an empty
// context so planning proceeds on the raw question; only cancellation
// fails the phase.
func (rn *run) clarify(ctx context.Context) error {
	res, err := rn.gen.Generate(ctx, llm.GenerateRequest{
		Prompt:         buildScopePrompt(rn.state.Question),
		MaxOutputUnits: scopeMaxUnits,
		Temperature:    0,
		Purpose:        "clarify",
	})

	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("clarify: %w", ctx.Err())
	case err != nil:
		rn.logger.Warn("Scope detection failed, planning on the raw question", zap.Error(err))
	case strings.TrimSpace(res.Text) == "":
		rn.logger.Warn("Scope detection returned no output, planning on the raw question")
	default:
		rn.state.ClarifiedContext = fmt.Sprintf("%s\n\nResearch Scope:\n%s",
			rn.state.Question, strings.TrimSpace(res.Text))
		rn.logger.Info("Scope clarified",
			zap.Int("context_chars", len(rn.state.ClarifiedContext)))
	}

	rn.state.Phase = models.PhaseScopeClarified
	return nil
}

func buildScopePrompt(question string) string {
	var b strings.Builder
	b.WriteString("Analyze this research question and identify the research scope:\n\n")
	fmt.Fprintf(&b, "Research Question: %s\n\n", question)
	b.WriteString(`Please identify and list:

1. Specific Entities (companies, platforms, organizations):
   - Which specific entities should be researched?
   - Are there similar entities that should be EXCLUDED?

2. Industry Category/Segment:
   - What specific industry segment or category?
   - Are there related but different segments to exclude?

3. Geographic Scope:
   - What regions or countries?
   - Is it nationwide or specific cities/regions?

4. Time Period:
   - What time range should be covered?

5. Key Research Aspects (in priority order):
   - Market share/competition, business models/revenue, user behavior,
     technology/features, trends/outlook

Be SPECIFIC about what should be included vs excluded. When naming
competitors or platforms, list specific names rather than generic terms.
Format as a clear bulleted list under each category.`)
	return b.String()
}
