package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/config"
	"github.com/quarrylab/quarry/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(config.DatabaseConfig{
		Driver: "sqlite3",
		Path:   ":memory:",
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testState() *models.PipelineState {
	now := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	return &models.PipelineState{
		RunID:            "run-1",
		Question:         "How big is the quick-commerce market?",
		ClarifiedContext: "Korea, 2024-2026",
		Phase:            models.PhaseResearchComplete,
		Iteration:        1,
		Plan:             testPlan(),
		Schema:           testSchema(),
		Syntheses: []models.QuestionSynthesis{{
			QID:              "Q1",
			Question:         "What is the market size?",
			MiniConclusion:   "Roughly 2.1T KRW.",
			Reasoning:        []string{"Multiple outlets report the same figure."},
			SupportingRowIDs: []int{1, 2},
			Confidence:       models.ConfidenceHigh,
		}},
		Memo: &models.MemoBlock{
			ExecutiveSummary: "The market is growing.",
			KeyFindings:      []string{"2.1T KRW in 2025"},
		},
		StartedAt: now,
		UpdatedAt: now.Add(5 * time.Minute),
	}
}

func TestStoreSaveAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	state := testState()

	require.NoError(t, s.SaveRun(ctx, state))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, state.Question, got.Question)
	assert.Equal(t, state.ClarifiedContext, got.ClarifiedContext)
	assert.Equal(t, state.Phase, got.Phase)
	assert.Equal(t, state.Iteration, got.Iteration)
	require.NotNil(t, got.Plan)
	assert.Equal(t, state.Plan.Title, got.Plan.Title)
	require.Len(t, got.Plan.SubQuestions, 2)
	require.NotNil(t, got.Schema)
	assert.Len(t, got.Schema.DynamicColumns, 2)
	require.Len(t, got.Syntheses, 1)
	assert.Equal(t, []int{1, 2}, got.Syntheses[0].SupportingRowIDs)
	require.NotNil(t, got.Memo)
	assert.Equal(t, "The market is growing.", got.Memo.ExecutiveSummary)
}

func TestStoreGetRunNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestStoreSaveRunUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	state := testState()

	require.NoError(t, s.SaveRun(ctx, state))
	state.Phase = models.PhaseMemoComplete
	state.Memo.ExecutiveSummary = "Updated summary."
	require.NoError(t, s.SaveRun(ctx, state))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseMemoComplete, got.Phase)
	assert.Equal(t, "Updated summary.", got.Memo.ExecutiveSummary)

	var count int
	require.NoError(t, s.db.Get(&count, "SELECT COUNT(*) FROM research_runs"))
	assert.Equal(t, 1, count)
}

func TestStoreSaveAndListRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rows := []models.EvidenceRow{
		{
			RowID: 1, RowType: models.RowTypeHeader,
			QID: "Q1", Section: "Q1", Statement: "What is the market size?",
		},
		{
			RowID: 2, RowType: models.RowTypeEvidence,
			QID: "Q1", Section: "General",
			Statement:  "Market hit 2.1T KRW in 2025.",
			SourceURL:  "https://example.com/report",
			SourceName: "Example News", Date: "2026-01-15",
			Confidence: models.ConfidenceHigh,
			Fields:     map[string]string{"Metric_Value": "2.1T KRW"},
		},
		{
			RowID: 3, RowType: models.RowTypeSynthesis,
			QID: "Q1", Statement: "The market is around 2.1T KRW.",
			SupportsRowIDs: []int{2},
		},
	}
	require.NoError(t, s.SaveRows(ctx, "run-1", rows))

	got, err := s.ListRows(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, models.RowTypeHeader, got[0].RowType)
	assert.Equal(t, "2.1T KRW", got[1].Fields["Metric_Value"])
	assert.Equal(t, []int{2}, got[2].SupportsRowIDs)
	assert.Empty(t, got[0].SupportsRowIDs)

	// Rows are immutable; replaying a persisted batch is a no-op.
	require.NoError(t, s.SaveRows(ctx, "run-1", rows[:2]))
	got, err = s.ListRows(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestStoreListRowsScopedToRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRows(ctx, "run-a", []models.EvidenceRow{
		{RowID: 1, RowType: models.RowTypeEvidence, QID: "Q1", Statement: "a"},
	}))
	require.NoError(t, s.SaveRows(ctx, "run-b", []models.EvidenceRow{
		{RowID: 1, RowType: models.RowTypeEvidence, QID: "Q1", Statement: "b"},
	}))

	got, err := s.ListRows(ctx, "run-a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Statement)
}

func TestStoreQueueWrite(t *testing.T) {
	s := newTestStore(t)
	state := testState()

	done := make(chan error, 1)
	s.QueueWrite(WriteRequest{
		Kind:     WriteRun,
		Data:     state,
		Callback: func(err error) { done <- err },
	})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("queued write never completed")
	}

	got, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, state.Question, got.Question)
}

func TestStoreCloseDrainsQueue(t *testing.T) {
	s, err := NewStore(config.DatabaseConfig{
		Driver: "sqlite3",
		Path:   ":memory:",
	}, zap.NewNop())
	require.NoError(t, err)

	completed := make(chan error, 8)
	for i := 0; i < 8; i++ {
		state := testState()
		s.QueueWrite(WriteRequest{
			Kind:     WriteRun,
			Data:     state,
			Callback: func(err error) { completed <- err },
		})
	}
	require.NoError(t, s.Close())

	close(completed)
	n := 0
	for err := range completed {
		assert.NoError(t, err)
		n++
	}
	assert.Equal(t, 8, n)
}

func TestStoreRejectsUnknownDriver(t *testing.T) {
	_, err := NewStore(config.DatabaseConfig{Driver: "oracle"}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle")
}

func TestRowIDRoundTrip(t *testing.T) {
	assert.Equal(t, "", joinRowIDs(nil))
	assert.Equal(t, "4,8,15", joinRowIDs([]int{4, 8, 15}))

	ids, err := splitRowIDs("4, 8,15")
	require.NoError(t, err)
	assert.Equal(t, []int{4, 8, 15}, ids)

	ids, err = splitRowIDs("")
	require.NoError(t, err)
	assert.Nil(t, ids)

	_, err = splitRowIDs("4,oops")
	require.Error(t, err)
}

// The postgres paths run against sqlmock so the emitted SQL shape is
// pinned without a live server.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{
		db:         sqlx.NewDb(db, "postgres"),
		driver:     "postgres",
		logger:     zap.NewNop(),
		writeQueue: make(chan WriteRequest, 4),
		stopCh:     make(chan struct{}),
	}, mock
}

func TestStoreSaveRunPostgresSQL(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO research_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveRun(context.Background(), testState()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreSaveRowsPostgresSQL(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ledger_rows").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_rows").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rows := []models.EvidenceRow{
		{RowID: 1, RowType: models.RowTypeEvidence, QID: "Q1", Statement: "a"},
		{RowID: 2, RowType: models.RowTypeEvidence, QID: "Q1", Statement: "b"},
	}
	require.NoError(t, s.SaveRows(context.Background(), "run-1", rows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreGetRunPostgresNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT \\* FROM research_runs").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, ErrRunNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
