package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/config"
	"github.com/quarrylab/quarry/internal/metrics"
	"github.com/quarrylab/quarry/internal/models"
)

// ErrRunNotFound is returned when a run identifier has no stored record.
var ErrRunNotFound = errors.New("run not found")

const (
	writeQueueSize   = 1000
	writeWorkerCount = 4
	writeTimeout     = 10 * time.Second
	drainTimeout     = 10 * time.Second
)

// WriteKind tags queued persistence work.
type WriteKind int

const (
	WriteRun WriteKind = iota
	WriteRows
)

func (k WriteKind) String() string {
	switch k {
	case WriteRun:
		return "run"
	case WriteRows:
		return "rows"
	default:
		return "unknown"
	}
}

// WriteRequest is one queued write. Callback, when set, receives the
// write's outcome after it executes.
type WriteRequest struct {
	Kind     WriteKind
	Data     interface{}
	Callback func(error)
}

// RowsBatch carries ledger rows queued for persistence.
type RowsBatch struct {
	RunID string
	Rows  []models.EvidenceRow
}

// Store persists runs and ledger rows. Writes go through a buffered
// queue drained by background workers so pipeline phases never block on
// the database; a full queue falls back to a synchronous write.
type Store struct {
	db         *sqlx.DB
	driver     string
	logger     *zap.Logger
	writeQueue chan WriteRequest
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

// NewStore opens the configured database, ensures the schema, and
// starts the write workers. Supported drivers are postgres (service
// deployments) and sqlite3 (batch runs and tests).
func NewStore(cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}

	var dsn string
	switch driver {
	case "postgres":
		if cfg.Path != "" {
			// A full DSN (DATABASE_URL) overrides host components.
			dsn = cfg.Path
		} else {
			sslMode := cfg.SSLMode
			if sslMode == "" {
				sslMode = "require"
			}
			dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
				cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, sslMode)
		}
	case "sqlite3":
		dsn = cfg.Path
		if dsn == "" {
			dsn = "quarry.db"
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 25
	}
	idleConns := cfg.IdleConnections
	if idleConns <= 0 {
		idleConns = 5
	}
	lifetime := cfg.MaxLifetime
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	if driver == "sqlite3" {
		// Separate sqlite connections do not share an in-memory
		// database and file mode serializes writers anyway.
		maxConns = 1
		idleConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(idleConns)
	db.SetConnMaxLifetime(lifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		db:         db,
		driver:     driver,
		logger:     logger,
		writeQueue: make(chan WriteRequest, writeQueueSize),
		stopCh:     make(chan struct{}),
	}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	for i := 0; i < writeWorkerCount; i++ {
		s.workerWg.Add(1)
		go s.writeWorker(i)
	}
	logger.Info("ledger store ready",
		zap.String("driver", driver),
		zap.Int("write_workers", writeWorkerCount))
	return s, nil
}

const runsDDL = `
CREATE TABLE IF NOT EXISTS research_runs (
    run_id            TEXT PRIMARY KEY,
    question          TEXT NOT NULL,
    clarified_context TEXT NOT NULL DEFAULT '',
    phase             TEXT NOT NULL,
    iteration         INTEGER NOT NULL DEFAULT 0,
    failure           TEXT NOT NULL DEFAULT '',
    plan_json         TEXT NOT NULL DEFAULT '',
    schema_json       TEXT NOT NULL DEFAULT '',
    syntheses_json    TEXT NOT NULL DEFAULT '',
    memo_json         TEXT NOT NULL DEFAULT '',
    started_at        TIMESTAMP NOT NULL,
    updated_at        TIMESTAMP NOT NULL
)`

const rowsDDL = `
CREATE TABLE IF NOT EXISTS ledger_rows (
    run_id           TEXT NOT NULL,
    row_id           INTEGER NOT NULL,
    row_type         TEXT NOT NULL,
    question_id      TEXT NOT NULL DEFAULT '',
    section          TEXT NOT NULL DEFAULT '',
    statement        TEXT NOT NULL,
    supports_row_ids TEXT NOT NULL DEFAULT '',
    source_url       TEXT NOT NULL DEFAULT '',
    source_name      TEXT NOT NULL DEFAULT '',
    source_date      TEXT NOT NULL DEFAULT '',
    confidence       TEXT NOT NULL DEFAULT '',
    notes            TEXT NOT NULL DEFAULT '',
    dynamic_fields   TEXT NOT NULL DEFAULT '{}',
    created_at       TIMESTAMP NOT NULL,
    PRIMARY KEY (run_id, row_id)
)`

const rowsIndexDDL = `
CREATE INDEX IF NOT EXISTS idx_ledger_rows_question
    ON ledger_rows (run_id, question_id)`

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, ddl := range []string{runsDDL, rowsDDL, rowsIndexDDL} {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) writeWorker(id int) {
	defer s.workerWg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case req := <-s.writeQueue:
			s.processWrite(req)
		}
	}
}

func (s *Store) processWrite(req WriteRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch req.Kind {
	case WriteRun:
		state, ok := req.Data.(*models.PipelineState)
		if !ok {
			err = fmt.Errorf("invalid data for run write: %T", req.Data)
		} else {
			err = s.SaveRun(ctx, state)
		}
	case WriteRows:
		batch, ok := req.Data.(RowsBatch)
		if !ok {
			err = fmt.Errorf("invalid data for rows write: %T", req.Data)
		} else {
			err = s.SaveRows(ctx, batch.RunID, batch.Rows)
		}
	default:
		err = fmt.Errorf("unknown write kind %d", req.Kind)
	}

	status := "ok"
	if err != nil {
		status = "error"
		s.logger.Error("ledger write failed",
			zap.String("kind", req.Kind.String()),
			zap.Error(err))
	}
	metrics.LedgerWrites.WithLabelValues(req.Kind.String(), status).Inc()
	metrics.LedgerWriteQueueDepth.Set(float64(len(s.writeQueue)))

	if req.Callback != nil {
		req.Callback(err)
	}
}

// QueueWrite enqueues a write, falling back to a synchronous write when
// the queue is full so nothing is dropped.
func (s *Store) QueueWrite(req WriteRequest) {
	select {
	case s.writeQueue <- req:
		metrics.LedgerWriteQueueDepth.Set(float64(len(s.writeQueue)))
	default:
		s.logger.Warn("ledger write queue full, writing synchronously",
			zap.String("kind", req.Kind.String()))
		s.processWrite(req)
	}
}

// QueueSaveRun enqueues a run snapshot write.
func (s *Store) QueueSaveRun(state *models.PipelineState) {
	s.QueueWrite(WriteRequest{Kind: WriteRun, Data: state})
}

// QueueSaveRows enqueues a ledger row batch write.
func (s *Store) QueueSaveRows(runID string, rows []models.EvidenceRow) {
	if len(rows) == 0 {
		return
	}
	s.QueueWrite(WriteRequest{Kind: WriteRows, Data: RowsBatch{RunID: runID, Rows: rows}})
}

type runRecord struct {
	RunID            string    `db:"run_id"`
	Question         string    `db:"question"`
	ClarifiedContext string    `db:"clarified_context"`
	Phase            string    `db:"phase"`
	Iteration        int       `db:"iteration"`
	Failure          string    `db:"failure"`
	PlanJSON         string    `db:"plan_json"`
	SchemaJSON       string    `db:"schema_json"`
	SynthesesJSON    string    `db:"syntheses_json"`
	MemoJSON         string    `db:"memo_json"`
	StartedAt        time.Time `db:"started_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

const upsertRunSQL = `
INSERT INTO research_runs (
    run_id, question, clarified_context, phase, iteration, failure,
    plan_json, schema_json, syntheses_json, memo_json, started_at, updated_at
) VALUES (
    :run_id, :question, :clarified_context, :phase, :iteration, :failure,
    :plan_json, :schema_json, :syntheses_json, :memo_json, :started_at, :updated_at
)
ON CONFLICT (run_id) DO UPDATE SET
    question          = excluded.question,
    clarified_context = excluded.clarified_context,
    phase             = excluded.phase,
    iteration         = excluded.iteration,
    failure           = excluded.failure,
    plan_json         = excluded.plan_json,
    schema_json       = excluded.schema_json,
    syntheses_json    = excluded.syntheses_json,
    memo_json         = excluded.memo_json,
    updated_at        = excluded.updated_at`

// SaveRun upserts the run snapshot. The ledger itself is persisted
// separately through SaveRows.
func (s *Store) SaveRun(ctx context.Context, state *models.PipelineState) error {
	if state == nil || state.RunID == "" {
		return errors.New("save run: missing run_id")
	}
	rec := runRecord{
		RunID:            state.RunID,
		Question:         state.Question,
		ClarifiedContext: state.ClarifiedContext,
		Phase:            state.Phase,
		Iteration:        state.Iteration,
		Failure:          state.Failure,
		PlanJSON:         marshalOrEmpty(state.Plan),
		SchemaJSON:       marshalOrEmpty(state.Schema),
		SynthesesJSON:    marshalOrEmpty(state.Syntheses),
		MemoJSON:         marshalOrEmpty(state.Memo),
		StartedAt:        state.StartedAt.UTC(),
		UpdatedAt:        state.UpdatedAt.UTC(),
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.StartedAt
	}
	if _, err := s.db.NamedExecContext(ctx, upsertRunSQL, rec); err != nil {
		return fmt.Errorf("save run %s: %w", state.RunID, err)
	}
	return nil
}

type rowRecord struct {
	RunID         string    `db:"run_id"`
	RowID         int       `db:"row_id"`
	RowType       string    `db:"row_type"`
	QuestionID    string    `db:"question_id"`
	Section       string    `db:"section"`
	Statement     string    `db:"statement"`
	SupportsIDs   string    `db:"supports_row_ids"`
	SourceURL     string    `db:"source_url"`
	SourceName    string    `db:"source_name"`
	SourceDate    string    `db:"source_date"`
	Confidence    string    `db:"confidence"`
	Notes         string    `db:"notes"`
	DynamicFields string    `db:"dynamic_fields"`
	CreatedAt     time.Time `db:"created_at"`
}

const insertRowSQL = `
INSERT INTO ledger_rows (
    run_id, row_id, row_type, question_id, section, statement,
    supports_row_ids, source_url, source_name, source_date,
    confidence, notes, dynamic_fields, created_at
) VALUES (
    :run_id, :row_id, :row_type, :question_id, :section, :statement,
    :supports_row_ids, :source_url, :source_name, :source_date,
    :confidence, :notes, :dynamic_fields, :created_at
)
ON CONFLICT (run_id, row_id) DO NOTHING`

// SaveRows inserts a batch of ledger rows in one transaction. Rows are
// immutable, so replays of an already-persisted row are ignored.
func (s *Store) SaveRows(ctx context.Context, runID string, rows []models.EvidenceRow) error {
	if runID == "" {
		return errors.New("save rows: missing run_id")
	}
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save rows: begin: %w", err)
	}
	now := time.Now().UTC()
	for i := range rows {
		rec := rowToRecord(runID, rows[i], now)
		if _, err := tx.NamedExecContext(ctx, insertRowSQL, rec); err != nil {
			tx.Rollback()
			return fmt.Errorf("save row %d: %w", rows[i].RowID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save rows: commit: %w", err)
	}
	return nil
}

// GetRun loads a run snapshot without its ledger rows.
func (s *Store) GetRun(ctx context.Context, runID string) (*models.PipelineState, error) {
	var rec runRecord
	query := s.db.Rebind("SELECT * FROM research_runs WHERE run_id = ?")
	if err := s.db.GetContext(ctx, &rec, query, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}

	state := &models.PipelineState{
		RunID:            rec.RunID,
		Question:         rec.Question,
		ClarifiedContext: rec.ClarifiedContext,
		Phase:            rec.Phase,
		Iteration:        rec.Iteration,
		Failure:          rec.Failure,
		StartedAt:        rec.StartedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
	if rec.PlanJSON != "" {
		state.Plan = &models.ResearchPlan{}
		if err := json.Unmarshal([]byte(rec.PlanJSON), state.Plan); err != nil {
			return nil, fmt.Errorf("get run %s: decode plan: %w", runID, err)
		}
	}
	if rec.SchemaJSON != "" {
		state.Schema = &models.LedgerSchema{}
		if err := json.Unmarshal([]byte(rec.SchemaJSON), state.Schema); err != nil {
			return nil, fmt.Errorf("get run %s: decode schema: %w", runID, err)
		}
	}
	if rec.SynthesesJSON != "" {
		if err := json.Unmarshal([]byte(rec.SynthesesJSON), &state.Syntheses); err != nil {
			return nil, fmt.Errorf("get run %s: decode syntheses: %w", runID, err)
		}
	}
	if rec.MemoJSON != "" {
		state.Memo = &models.MemoBlock{}
		if err := json.Unmarshal([]byte(rec.MemoJSON), state.Memo); err != nil {
			return nil, fmt.Errorf("get run %s: decode memo: %w", runID, err)
		}
	}
	return state, nil
}

// ListRows loads a run's ledger rows ordered by row identifier.
func (s *Store) ListRows(ctx context.Context, runID string) ([]models.EvidenceRow, error) {
	var recs []rowRecord
	query := s.db.Rebind("SELECT * FROM ledger_rows WHERE run_id = ? ORDER BY row_id")
	if err := s.db.SelectContext(ctx, &recs, query, runID); err != nil {
		return nil, fmt.Errorf("list rows %s: %w", runID, err)
	}
	rows := make([]models.EvidenceRow, 0, len(recs))
	for i := range recs {
		row, err := recordToRow(recs[i])
		if err != nil {
			return nil, fmt.Errorf("list rows %s: row %d: %w", runID, recs[i].RowID, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Ping checks database liveness for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close stops the workers, drains queued writes, and closes the pool.
func (s *Store) Close() error {
	close(s.stopCh)
	s.workerWg.Wait()
	s.drainQueue()
	return s.db.Close()
}

func (s *Store) drainQueue() {
	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		select {
		case req := <-s.writeQueue:
			s.processWrite(req)
		default:
			return
		}
	}
	s.logger.Warn("ledger write queue drain timed out",
		zap.Int("remaining", len(s.writeQueue)))
}

func rowToRecord(runID string, row models.EvidenceRow, now time.Time) rowRecord {
	fields := "{}"
	if len(row.Fields) > 0 {
		if b, err := json.Marshal(row.Fields); err == nil {
			fields = string(b)
		}
	}
	return rowRecord{
		RunID:         runID,
		RowID:         row.RowID,
		RowType:       row.RowType,
		QuestionID:    row.QID,
		Section:       row.Section,
		Statement:     row.Statement,
		SupportsIDs:   joinRowIDs(row.SupportsRowIDs),
		SourceURL:     row.SourceURL,
		SourceName:    row.SourceName,
		SourceDate:    row.Date,
		Confidence:    row.Confidence,
		Notes:         row.Notes,
		DynamicFields: fields,
		CreatedAt:     now,
	}
}

func recordToRow(rec rowRecord) (models.EvidenceRow, error) {
	row := models.EvidenceRow{
		RowID:      rec.RowID,
		RowType:    rec.RowType,
		QID:        rec.QuestionID,
		Section:    rec.Section,
		Statement:  rec.Statement,
		SourceURL:  rec.SourceURL,
		SourceName: rec.SourceName,
		Date:       rec.SourceDate,
		Confidence: rec.Confidence,
		Notes:      rec.Notes,
	}
	ids, err := splitRowIDs(rec.SupportsIDs)
	if err != nil {
		return models.EvidenceRow{}, err
	}
	row.SupportsRowIDs = ids
	if rec.DynamicFields != "" && rec.DynamicFields != "{}" {
		if err := json.Unmarshal([]byte(rec.DynamicFields), &row.Fields); err != nil {
			return models.EvidenceRow{}, fmt.Errorf("decode dynamic fields: %w", err)
		}
	}
	return row, nil
}

func joinRowIDs(ids []int) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ",")
}

func splitRowIDs(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("parse supports_row_ids %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func marshalOrEmpty(v interface{}) string {
	switch t := v.(type) {
	case *models.ResearchPlan:
		if t == nil {
			return ""
		}
	case *models.LedgerSchema:
		if t == nil {
			return ""
		}
	case *models.MemoBlock:
		if t == nil {
			return ""
		}
	case []models.QuestionSynthesis:
		if len(t) == 0 {
			return ""
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
