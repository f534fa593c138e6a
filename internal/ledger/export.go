package ledger

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/quarrylab/quarry/internal/models"
)

// WriteCSV renders a ledger as CSV: the fixed meta columns followed by
// the run schema's dynamic columns, one record per row in ledger order.
// Dynamic cells a row never filled render empty.
func WriteCSV(w io.Writer, schema *models.LedgerSchema, rows []models.EvidenceRow) error {
	cw := csv.NewWriter(w)

	header := append([]string{}, models.MetaColumns...)
	if schema != nil {
		for _, c := range schema.DynamicColumns {
			header = append(header, c.Name)
		}
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for i := range rows {
		row := &rows[i]
		rec := make([]string, 0, len(header))
		rec = append(rec,
			strconv.Itoa(row.RowID),
			row.RowType,
			row.QID,
			row.Section,
			row.Statement,
			joinRowIDs(row.SupportsRowIDs),
			row.SourceURL,
			row.SourceName,
			row.Date,
			row.Confidence,
			row.Notes,
		)
		if schema != nil {
			for _, c := range schema.DynamicColumns {
				rec = append(rec, row.Fields[c.Name])
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
