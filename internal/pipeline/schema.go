package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/ledger"
	"github.com/quarrylab/quarry/internal/models"
)

// maxDynamicColumns caps the materialized schema; plans proposing more
// keep their first eight columns.
const maxDynamicColumns = 8

// schema materializes the ledger schema from the approved plan's
// proposal and opens the run's ledger. An empty proposal is valid: the
// ledger then carries meta columns only.
func (rn *run) schema(context.Context) error {
	columns := dedupeColumns(rn.state.Plan.SchemaProposal)
	if len(columns) > maxDynamicColumns {
		rn.logger.Warn("Schema proposal truncated",
			zap.Int("proposed", len(columns)),
			zap.Int("kept", maxDynamicColumns))
		columns = columns[:maxDynamicColumns]
	}

	rn.state.Schema = &models.LedgerSchema{DynamicColumns: columns}
	rn.book = ledger.NewBook(rn.state.Plan, rn.state.Schema, rn.r.opts.Research.TargetRows)

	rn.state.Phase = models.PhaseSchemaReady
	rn.logger.Info("Ledger schema ready",
		zap.Int("dynamic_columns", len(columns)),
		zap.Int("target_rows", rn.r.opts.Research.TargetRows))
	return nil
}

// dedupeColumns drops unnamed columns and keeps the first occurrence of
// each name. Comparison is exact; dynamic field admission matches the
// stored name byte for byte.
func dedupeColumns(proposal []models.DynamicColumn) []models.DynamicColumn {
	seen := make(map[string]bool, len(proposal))
	out := make([]models.DynamicColumn, 0, len(proposal))
	for _, col := range proposal {
		name := strings.TrimSpace(col.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		col.Name = name
		out = append(out, col)
	}
	return out
}
