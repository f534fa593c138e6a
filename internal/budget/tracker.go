package budget

import (
	"sync"

	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/metrics"
	"github.com/quarrylab/quarry/internal/models"
	"github.com/quarrylab/quarry/internal/pricing"
)

// Usage is the unit split reported by one generation call.
type Usage struct {
	InputUnits  int `json:"input_units"`
	OutputUnits int `json:"output_units"`
	CachedUnits int `json:"cached_units"`
}

// Options configures a Tracker.
type Options struct {
	// Model selects the pricing table row; empty uses defaults.
	Model string
	// Enforce turns the tracker from observability-only into a stop
	// condition consulted by the extractor.
	Enforce bool
	// MaxCostUSD is the enforced ceiling; ignored unless Enforce is set.
	MaxCostUSD float64
}

// Tracker accumulates generation usage and cost for one pipeline run.
// Counters are monotonically increasing within a run; a new run gets a
// new Tracker. By default it only reports; enforcement is a separately
// configured feature.
type Tracker struct {
	mu     sync.Mutex
	opts   Options
	logger *zap.Logger

	calls       int
	inputUnits  int
	outputUnits int
	cachedUnits int
	costUSD     float64
	savedUSD    float64
	capHit      bool
}

// NewTracker creates a run-scoped budget tracker.
func NewTracker(opts Options, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{opts: opts, logger: logger}
}

// Record accumulates one generation call's usage and returns the cost
// attributed to that call.
func (t *Tracker) Record(u Usage) float64 {
	cost := pricing.CostForSplit(t.opts.Model, u.InputUnits, u.OutputUnits, u.CachedUnits)
	saved := pricing.CacheSavings(t.opts.Model, u.CachedUnits)

	t.mu.Lock()
	t.calls++
	t.inputUnits += u.InputUnits
	t.outputUnits += u.OutputUnits
	t.cachedUnits += u.CachedUnits
	t.costUSD += cost
	t.savedUSD += saved
	total := t.costUSD
	t.mu.Unlock()

	if cost > 0 {
		metrics.GenerationCostUSD.Add(cost)
	}

	if u.CachedUnits > 0 {
		t.logger.Debug("Generation cache hit",
			zap.Int("cached_units", u.CachedUnits),
			zap.Float64("saved_usd", saved),
		)
	}
	t.logger.Debug("Recorded generation usage",
		zap.Int("input_units", u.InputUnits),
		zap.Int("output_units", u.OutputUnits),
		zap.Float64("call_cost_usd", cost),
		zap.Float64("total_cost_usd", total),
	)
	return cost
}

// Snapshot returns the current accumulated totals.
func (t *Tracker) Snapshot() models.BudgetSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := models.BudgetSnapshot{
		Calls:       t.calls,
		InputUnits:  t.inputUnits,
		OutputUnits: t.outputUnits,
		CachedUnits: t.cachedUnits,
		CostUSD:     t.costUSD,
		SavedUSD:    t.savedUSD,
	}
	if t.calls > 0 {
		snap.AvgCostPerCall = t.costUSD / float64(t.calls)
	}
	return snap
}

// Exceeded reports whether the enforced cost ceiling has been reached.
// Always false when enforcement is off: the row-count stop rule is what
// bounds spend by default.
func (t *Tracker) Exceeded() bool {
	if !t.opts.Enforce || t.opts.MaxCostUSD <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	over := t.costUSD >= t.opts.MaxCostUSD
	if over && !t.capHit {
		t.capHit = true
		metrics.BudgetStops.Inc()
		t.logger.Warn("Budget cap reached",
			zap.Float64("cost_usd", t.costUSD),
			zap.Float64("max_cost_usd", t.opts.MaxCostUSD),
		)
	}
	return over
}

// Enforcing reports whether the hard cap is active.
func (t *Tracker) Enforcing() bool {
	return t.opts.Enforce && t.opts.MaxCostUSD > 0
}
