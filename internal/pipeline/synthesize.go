package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/models"
	"github.com/quarrylab/quarry/internal/synthesis"
)

// synthesize produces one QuestionSynthesis per sub-question, resolves
// the citation tokens in its reasoning, and appends a synthesis row per
// question so the conclusions live inside the ledger next to their
// evidence.
func (rn *run) synthesize(ctx context.Context) error {
	synth := synthesis.New(rn.gen, rn.logger)
	syntheses, err := synth.SynthesizeAll(ctx, rn.state.Plan, rn.book.Rows())
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}

	resolver := synthesis.NewCitationResolver(rn.book.Rows(), rn.logger)
	rn.state.Syntheses = resolver.ResolveAll(syntheses)

	rn.synthesisRowIDs = rn.synthesisRowIDs[:0]
	for _, syn := range rn.state.Syntheses {
		row, err := rn.book.Append(models.EvidenceRow{
			RowType:        models.RowTypeSynthesis,
			QID:            syn.QID,
			Section:        "Synthesis",
			Statement:      syn.MiniConclusion,
			SupportsRowIDs: syn.SupportingRowIDs,
			Confidence:     syn.Confidence,
			Notes:          syn.ConfidenceRationale,
		})
		if err != nil {
			return fmt.Errorf("append synthesis row %s: %w", syn.QID, err)
		}
		rn.synthesisRowIDs = append(rn.synthesisRowIDs, row.RowID)
	}

	rn.state.Ledger = rn.book.Rows()
	rn.saveRows(rn.state.Ledger)
	rn.state.Phase = models.PhaseSynthesisComplete
	rn.logger.Info("Synthesis complete",
		zap.Int("syntheses", len(rn.state.Syntheses)))
	return nil
}

// memo integrates all syntheses into the executive memo, resolves its
// citation tokens, and closes the ledger with a conclusion row that
// lists the synthesis rows as its support.
func (rn *run) memo(ctx context.Context) error {
	synth := synthesis.New(rn.gen, rn.logger)
	memo, err := synth.GenerateMemo(ctx, rn.state.Plan.Title, rn.state.Syntheses)
	if err != nil {
		return fmt.Errorf("memo: %w", err)
	}

	resolver := synthesis.NewCitationResolver(rn.book.Rows(), rn.logger)
	memo.ExecutiveSummary = resolver.Resolve(memo.ExecutiveSummary)
	for i, f := range memo.KeyFindings {
		memo.KeyFindings[i] = resolver.Resolve(f)
	}
	for i, ins := range memo.CrossQuestionInsights {
		memo.CrossQuestionInsights[i] = resolver.Resolve(ins)
	}
	for i, imp := range memo.Implications {
		memo.Implications[i] = resolver.Resolve(imp)
	}
	rn.state.Memo = memo

	row, err := rn.book.Append(models.EvidenceRow{
		RowType:        models.RowTypeConclusion,
		Section:        "Memo",
		Statement:      memo.ExecutiveSummary,
		SupportsRowIDs: append([]int(nil), rn.synthesisRowIDs...),
	})
	if err != nil {
		return fmt.Errorf("append conclusion row: %w", err)
	}

	rn.state.Ledger = rn.book.Rows()
	rn.saveRows(rn.state.Ledger)
	rn.state.Phase = models.PhaseMemoComplete
	rn.logger.Info("Memo complete",
		zap.Int("key_findings", len(memo.KeyFindings)),
		zap.Int("conclusion_row_id", row.RowID))
	return nil
}

// finalize marks the run complete and emits the closing budget
// snapshot. Rendering is a downstream consumer of the finished state,
// not a pipeline concern.
func (rn *run) finalize(context.Context) error {
	rn.state.Phase = models.PhaseM3Complete
	rn.budgetSnapshot()

	snap := rn.tracker.Snapshot()
	rn.logger.Info("Run finalized",
		zap.Int("ledger_rows", len(rn.state.Ledger)),
		zap.Int("generation_calls", snap.Calls),
		zap.Float64("cost_usd", snap.CostUSD),
		zap.Float64("saved_usd", snap.SavedUSD))
	return nil
}
