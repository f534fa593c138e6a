package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/extract"
	"github.com/quarrylab/quarry/internal/models"
	"github.com/quarrylab/quarry/internal/planner"
	"github.com/quarrylab/quarry/internal/quality"
	"github.com/quarrylab/quarry/internal/scan"
	"github.com/quarrylab/quarry/internal/streaming"
)

// statementPreviewChars bounds statement text carried on stream events.
const statementPreviewChars = 200

// research runs the wide scan, ranks the merged candidates, and
// extracts evidence from the winners under the row-count and budget
// stop rules. A header row per sub-question precedes the evidence so
// ledger consumers can group sections without consulting the plan.
// The partial ledger survives a cancelled extraction.
func (rn *run) research(ctx context.Context) error {
	opts := rn.r.opts
	lang := quality.DetectLanguage(rn.state.Plan.Title)

	scanner := scan.New(
		planner.New(rn.gen, rn.logger),
		rn.r.caps.Searcher,
		scan.Config{
			ResultsPerQuery: opts.Research.ResultsPerQuery,
			Workers:         opts.Research.SearchWorkers,
			CandidateCap:    opts.Research.CandidateCap,
		},
		rn.logger,
	)

	candidates, queryResults, err := scanner.WideScan(ctx, rn.state.Plan, rn.state.ClarifiedContext, lang)
	if err != nil {
		return fmt.Errorf("wide scan: %w", err)
	}
	for _, qr := range queryResults {
		data := map[string]interface{}{"q_id": qr.QID, "results": len(qr.Results)}
		if qr.Err != nil {
			data["error"] = qr.Err.Error()
		}
		rn.publish(streaming.EventQueryPlanned, qr.Query, data)
	}

	selected := opts.Ranker.Rank(candidates, lang, opts.Research.TopSources)
	for _, src := range selected {
		rn.publish(streaming.EventSourceFound, src.Title, map[string]interface{}{
			"url":   src.URL,
			"q_id":  src.QID,
			"score": src.Score,
		})
	}
	rn.logger.Info("Sources selected",
		zap.String("language", lang),
		zap.Int("candidates", len(candidates)),
		zap.Int("selected", len(selected)))

	for _, sq := range rn.state.Plan.SubQuestions {
		if _, err := rn.book.Append(models.EvidenceRow{
			RowType:   models.RowTypeHeader,
			QID:       sq.QID,
			Section:   "Header",
			Statement: sq.Question,
			Notes:     sq.Rationale,
		}); err != nil {
			return fmt.Errorf("append header row %s: %w", sq.QID, err)
		}
	}
	headerCount := rn.book.Len()

	extractor := extract.New(rn.r.caps.Fetcher, rn.gen, extract.Config{
		Workers:           opts.Research.ExtractWorkers,
		WordCap:           opts.Research.WordCap,
		MinKeywordMatches: opts.Research.MinKeywordMatches,
	}, rn.logger)

	sourceResults, runErr := extractor.Run(ctx, rn.book, rn.tracker, rn.state.Plan, rn.state.Schema, selected)
	rn.state.Ledger = rn.book.Rows()
	rn.saveRows(rn.state.Ledger)
	rn.publishExtraction(sourceResults, headerCount)
	if runErr != nil {
		return fmt.Errorf("extract: %w", runErr)
	}

	rn.state.Phase = models.PhaseResearchComplete
	rn.budgetSnapshot()
	rn.logger.Info("Research complete",
		zap.Int("rows", rn.book.Len()),
		zap.Int("evidence_rows", rn.book.CountByType(models.RowTypeEvidence)),
		zap.Int("dropped_fields", rn.book.DroppedFields()),
		zap.Int("sources_processed", len(sourceResults)))
	return nil
}

// publishExtraction emits the per-source and per-row stream events once
// extraction settles. Rows past the header block are the extraction
// phase's evidence, in append order.
func (rn *run) publishExtraction(sourceResults []extract.SourceResult, headerCount int) {
	for _, sr := range sourceResults {
		if sr.Outcome == extract.OutcomeExtracted {
			continue
		}
		data := map[string]interface{}{"url": sr.URL, "outcome": sr.Outcome}
		if sr.Err != nil {
			data["error"] = sr.Err.Error()
		}
		rn.publish(streaming.EventSourceSkipped, sr.URL, data)
	}

	rows := rn.book.Rows()
	for _, row := range rows[headerCount:] {
		rn.publish(streaming.EventEvidenceAdded, preview(row.Statement), map[string]interface{}{
			"row_id":     row.RowID,
			"q_id":       row.QID,
			"source_url": row.SourceURL,
			"confidence": row.Confidence,
		})
	}
}

func preview(s string) string {
	runes := []rune(s)
	if len(runes) <= statementPreviewChars {
		return s
	}
	return string(runes[:statementPreviewChars]) + "..."
}
