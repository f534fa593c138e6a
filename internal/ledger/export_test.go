package ledger

import (
	"bytes"
	"encoding/csv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylab/quarry/internal/models"
)

func TestWriteCSV(t *testing.T) {
	rows := []models.EvidenceRow{
		{
			RowID: 1, RowType: models.RowTypeHeader,
			QID: "Q1", Section: "Q1", Statement: "What is the market size?",
		},
		{
			RowID: 2, RowType: models.RowTypeEvidence,
			QID: "Q1", Section: "General",
			Statement:  "Market hit 2.1T KRW, up 30%",
			SourceURL:  "https://example.com/a",
			SourceName: "Example News", Date: "2026-01-15",
			Confidence: models.ConfidenceHigh, Notes: "full-year figure",
			Fields: map[string]string{"Metric_Value": "2.1T KRW"},
		},
		{
			RowID: 3, RowType: models.RowTypeSynthesis,
			QID: "Q1", Statement: "Around 2.1T KRW.",
			SupportsRowIDs: []int{2},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, testSchema(), rows))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)

	wantHeader := append(append([]string{}, models.MetaColumns...), "Metric_Value", "Period")
	assert.Equal(t, wantHeader, records[0])

	evidence := records[2]
	assert.Equal(t, "2", evidence[0])
	assert.Equal(t, "evidence", evidence[1])
	assert.Equal(t, "Market hit 2.1T KRW, up 30%", evidence[4])
	assert.Equal(t, "2.1T KRW", evidence[11])
	assert.Equal(t, "", evidence[12])

	synthesis := records[3]
	assert.Equal(t, "2", synthesis[5])
}

func TestWriteCSVNilSchema(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil, []models.EvidenceRow{
		{RowID: 1, RowType: models.RowTypeEvidence, QID: "Q1", Statement: "x"},
	}))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Len(t, records[0], len(models.MetaColumns))
}
