// Package ledger owns the evidence ledger: the append-only, run-scoped
// row collection plus its persistence and export surfaces.
package ledger

import (
	"fmt"
	"sync"

	"github.com/quarrylab/quarry/internal/models"
)

// DefaultTargetRows is the row-count stop rule applied when a run does
// not configure its own.
const DefaultTargetRows = 200

// Book is one run's ledger. Rows are immutable once appended and row
// identifiers are assigned monotonically from 1; an identifier is never
// reused within a run. Append is safe for concurrent extract workers.
type Book struct {
	mu            sync.Mutex
	plan          *models.ResearchPlan
	schema        *models.LedgerSchema
	rows          []models.EvidenceRow
	nextID        int
	target        int
	droppedFields int
}

// NewBook opens a ledger for one run. targetRows <= 0 selects the
// default stop rule.
func NewBook(plan *models.ResearchPlan, schema *models.LedgerSchema, targetRows int) *Book {
	if targetRows <= 0 {
		targetRows = DefaultTargetRows
	}
	return &Book{
		plan:   plan,
		schema: schema,
		nextID: 1,
		target: targetRows,
	}
}

// Append validates row, assigns the next identifier, and stores it. The
// stored row is returned so callers can reference its assigned ID.
//
// Validation: the row type must be known; question_id must name a plan
// sub-question (a conclusion row may leave it empty); dynamic field keys
// outside the schema are dropped and counted, never stored.
func (b *Book) Append(row models.EvidenceRow) (models.EvidenceRow, error) {
	switch row.RowType {
	case models.RowTypeEvidence, models.RowTypeHeader, models.RowTypeSynthesis, models.RowTypeConclusion:
	case "":
		row.RowType = models.RowTypeEvidence
	default:
		return models.EvidenceRow{}, fmt.Errorf("unknown row type %q", row.RowType)
	}

	if row.QID == "" {
		if row.RowType != models.RowTypeConclusion {
			return models.EvidenceRow{}, fmt.Errorf("row without question_id (type %s)", row.RowType)
		}
	} else if b.plan != nil && !b.plan.HasQuestion(row.QID) {
		return models.EvidenceRow{}, fmt.Errorf("question_id %q not in plan", row.QID)
	}

	dropped := 0
	if len(row.Fields) > 0 {
		kept := make(map[string]string, len(row.Fields))
		for name, value := range row.Fields {
			if b.schema != nil && b.schema.HasColumn(name) {
				kept[name] = value
			} else {
				dropped++
			}
		}
		if len(kept) == 0 {
			kept = nil
		}
		row.Fields = kept
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	row.RowID = b.nextID
	b.nextID++
	b.rows = append(b.rows, row)
	b.droppedFields += dropped
	return row, nil
}

// TargetReached reports whether the ledger has hit its row-count stop
// rule. This is the dominant termination condition of a run, not an
// error state.
func (b *Book) TargetReached() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows) >= b.target
}

// Len returns the current row count.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}

// Rows returns a snapshot copy of the ledger in append order.
func (b *Book) Rows() []models.EvidenceRow {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.EvidenceRow, len(b.rows))
	copy(out, b.rows)
	return out
}

// Row looks up a row by identifier; nil when absent.
func (b *Book) Row(rowID int) *models.EvidenceRow {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.rows {
		if b.rows[i].RowID == rowID {
			row := b.rows[i]
			return &row
		}
	}
	return nil
}

// CountByType returns how many rows of the given type exist.
func (b *Book) CountByType(rowType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for i := range b.rows {
		if b.rows[i].RowType == rowType {
			n++
		}
	}
	return n
}

// DroppedFields reports how many dynamic field values were discarded
// for naming columns outside the schema.
func (b *Book) DroppedFields() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.droppedFields
}
