// Package pipeline drives a research run through its phase sequence:
// scope clarification, plan generation, plan review, schema
// materialization, wide-scan research, per-question synthesis, and the
// final memo. Phases are strictly sequential and each consumes the
// state the previous phase produced; a failing phase leaves the run in
// the failed phase with everything accumulated so far still on the
// state, so partial ledgers remain retrievable.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/approval"
	"github.com/quarrylab/quarry/internal/budget"
	"github.com/quarrylab/quarry/internal/config"
	"github.com/quarrylab/quarry/internal/fetch"
	"github.com/quarrylab/quarry/internal/ledger"
	"github.com/quarrylab/quarry/internal/llm"
	"github.com/quarrylab/quarry/internal/metrics"
	"github.com/quarrylab/quarry/internal/models"
	"github.com/quarrylab/quarry/internal/policy"
	"github.com/quarrylab/quarry/internal/ranking"
	"github.com/quarrylab/quarry/internal/search"
	"github.com/quarrylab/quarry/internal/streaming"
	"github.com/quarrylab/quarry/internal/tracing"
)

// errPlanRejected ends a run at the plan_rejected phase. It is a normal
// terminal outcome, not a failure, and never escapes the runner.
var errPlanRejected = errors.New("plan rejected by reviewer")

// Capabilities groups the external services a run consumes. All three
// must be non-nil.
type Capabilities struct {
	Generator llm.TextGenerator
	Searcher  search.WebSearcher
	Fetcher   fetch.ContentFetcher
}

// Options wires collaborators and tunables into a Runner.
//
// Gate, Policy, Store, and Streams are optional. With a nil Gate the
// review phase resolves through Policy; with both nil, plans are
// approved automatically (unattended batch runs with policy off).
type Options struct {
	Research    config.ResearchConfig
	Budget      config.BudgetConfig
	MaxEdits    int
	Environment string
	Mode        string // "service" or "batch"

	Gate    *approval.Gate
	Policy  policy.Engine
	Ranker  *ranking.Ranker
	Store   *ledger.Store
	Streams *streaming.Manager
}

// Runner executes research runs. Safe for concurrent use; each run
// carries its own state, ledger, and budget tracker.
type Runner struct {
	caps   Capabilities
	opts   Options
	logger *zap.Logger
}

// NewRunner builds a runner around the given capabilities.
func NewRunner(caps Capabilities, opts Options, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Mode == "" {
		opts.Mode = "batch"
	}
	if opts.MaxEdits <= 0 {
		opts.MaxEdits = 3
	}
	if opts.Ranker == nil {
		opts.Ranker = ranking.New(ranking.DefaultTables(), logger)
	}
	opts.Research = config.ResearchFromEnvOrDefaults(opts.Research)
	return &Runner{caps: caps, opts: opts, logger: logger}
}

// run is the per-run working set handed to each phase.
type run struct {
	r       *Runner
	state   *models.PipelineState
	tracker *budget.Tracker
	gen     llm.TextGenerator // budget-recording wrapper around the shared generator
	refiner *approval.Refiner
	book    *ledger.Book
	logger  *zap.Logger

	// Row IDs of the per-question synthesis rows, in plan order. The
	// memo's conclusion row lists them as its support.
	synthesisRowIDs []int
}

// Run executes the full pipeline for question under a fresh run ID.
func (r *Runner) Run(ctx context.Context, question string) (*models.PipelineState, error) {
	return r.RunWithID(ctx, uuid.New().String(), question)
}

// RunWithID executes the pipeline under a caller-assigned run ID. The
// returned state is always non-nil and reflects whichever phase the run
// stopped at; the error is non-nil only for the failed phase.
func (r *Runner) RunWithID(ctx context.Context, runID, question string) (*models.PipelineState, error) {
	now := time.Now().UTC()
	state := &models.PipelineState{
		RunID:     runID,
		Question:  question,
		Phase:     models.PhaseInit,
		Ledger:    []models.EvidenceRow{},
		StartedAt: now,
		UpdatedAt: now,
	}

	logger := r.logger.With(zap.String("run_id", runID))
	tracker := budget.NewTracker(budget.Options{
		Model:      r.opts.Budget.Model,
		Enforce:    r.opts.Budget.Enforce,
		MaxCostUSD: r.opts.Budget.MaxCostUSD,
	}, logger)

	rn := &run{
		r:       r,
		state:   state,
		tracker: tracker,
		gen:     &budget.RecordingGenerator{Gen: r.caps.Generator, Tracker: tracker},
		logger:  logger,
	}
	rn.refiner = approval.NewRefiner(rn.gen, logger)

	metrics.RunsStarted.WithLabelValues(r.opts.Mode).Inc()
	logger.Info("Research run started",
		zap.String("question", question),
		zap.String("mode", r.opts.Mode))
	rn.saveRun()

	phases := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"clarify", rn.clarify},
		{"plan", rn.plan},
		{"approve", rn.approve},
		{"schema", rn.schema},
		{"research", rn.research},
		{"synthesize", rn.synthesize},
		{"memo", rn.memo},
		{"finalize", rn.finalize},
	}

	for _, phase := range phases {
		start := time.Now()
		phaseCtx, span := tracing.StartPhaseSpan(ctx, phase.name, runID)
		err := phase.fn(phaseCtx)
		span.End()
		metrics.RecordPhase(phase.name, time.Since(start).Seconds())

		state.UpdatedAt = time.Now().UTC()
		rn.saveRun()

		if err != nil {
			return rn.finish(phase.name, err)
		}
		rn.publish(streaming.EventPhaseChanged, state.Phase, nil)
	}

	metrics.RecordRunCompleted(r.opts.Mode, state.Phase)
	rn.publish(streaming.EventRunCompleted, state.Phase, map[string]interface{}{
		"rows":     len(state.Ledger),
		"cost_usd": tracker.Snapshot().CostUSD,
	})
	logger.Info("Research run complete",
		zap.Int("rows", len(state.Ledger)),
		zap.Float64("cost_usd", tracker.Snapshot().CostUSD))
	return state, nil
}

// finish handles the two early-exit outcomes: reviewer rejection (a
// normal terminal phase) and phase failure.
func (rn *run) finish(phaseName string, err error) (*models.PipelineState, error) {
	state := rn.state

	if errors.Is(err, errPlanRejected) {
		metrics.RecordRunCompleted(rn.r.opts.Mode, state.Phase)
		rn.publish(streaming.EventRunCompleted, "plan rejected by reviewer", nil)
		rn.logger.Info("Run ended at plan review", zap.String("phase", state.Phase))
		return state, nil
	}

	state.Phase = models.PhaseFailed
	state.Failure = err.Error()
	state.UpdatedAt = time.Now().UTC()
	rn.saveRun()

	metrics.RecordRunCompleted(rn.r.opts.Mode, models.PhaseFailed)
	rn.publish(streaming.EventRunFailed, err.Error(), map[string]interface{}{
		"at_phase": phaseName,
		"rows":     len(state.Ledger),
	})
	rn.logger.Error("Run failed",
		zap.String("at_phase", phaseName),
		zap.Int("rows", len(state.Ledger)),
		zap.Error(err))
	return state, err
}

// publish emits a run event when a stream manager is wired.
func (rn *run) publish(eventType, message string, data map[string]interface{}) {
	if rn.r.opts.Streams == nil {
		return
	}
	rn.r.opts.Streams.Publish(rn.state.RunID, streaming.Event{
		Type:    eventType,
		Message: message,
		Data:    data,
	})
}

// saveRun queues a snapshot of the run state. The copy decouples the
// async write from mutations by later phases.
func (rn *run) saveRun() {
	if rn.r.opts.Store == nil {
		return
	}
	snapshot := *rn.state
	rn.r.opts.Store.QueueSaveRun(&snapshot)
}

// saveRows queues a ledger row batch.
func (rn *run) saveRows(rows []models.EvidenceRow) {
	if rn.r.opts.Store == nil || len(rows) == 0 {
		return
	}
	rn.r.opts.Store.QueueSaveRows(rn.state.RunID, rows)
}

// budgetSnapshot publishes the tracker's running totals to the stream.
func (rn *run) budgetSnapshot() {
	snap := rn.tracker.Snapshot()
	rn.publish(streaming.EventBudgetSnapshot, "", map[string]interface{}{
		"calls":        snap.Calls,
		"input_units":  snap.InputUnits,
		"output_units": snap.OutputUnits,
		"cached_units": snap.CachedUnits,
		"cost_usd":     snap.CostUSD,
		"saved_usd":    snap.SavedUSD,
	})
}
