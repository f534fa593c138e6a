package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_runs_started_total",
			Help: "Total number of pipeline runs started",
		},
		[]string{"mode"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_runs_completed_total",
			Help: "Total number of pipeline runs completed",
		},
		[]string{"mode", "phase"},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quarry_phase_duration_seconds",
			Help:    "Pipeline phase execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	// Query planning metrics
	QueriesPlanned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_queries_planned_total",
			Help: "Total number of search queries produced by decomposition",
		},
	)

	PlannerFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_planner_fallbacks_total",
			Help: "Total number of decompositions degraded to the raw sub-question",
		},
	)

	// Search metrics
	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_search_requests_total",
			Help: "Total number of search capability requests",
		},
		[]string{"status"},
	)

	SearchResults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_search_results_total",
			Help: "Total number of raw search results returned",
		},
	)

	DuplicateURLsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_duplicate_urls_dropped_total",
			Help: "Total number of search results dropped by URL deduplication",
		},
	)

	// Ranking metrics
	SourcesRanked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_sources_ranked_total",
			Help: "Total number of candidate sources scored by the ranker",
		},
	)

	SourcesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_sources_dropped_total",
			Help: "Total number of candidate sources dropped before extraction",
		},
		[]string{"reason"},
	)

	// Fetch metrics
	FetchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_fetch_requests_total",
			Help: "Total number of content fetch attempts",
		},
		[]string{"status"},
	)

	FetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quarry_fetch_duration_seconds",
			Help:    "Content fetch duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	// Extraction metrics
	SourcesExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_sources_extracted_total",
			Help: "Total number of sources processed by the evidence extractor",
		},
		[]string{"outcome"},
	)

	RowsAdmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_rows_admitted_total",
			Help: "Total number of evidence rows admitted to the ledger",
		},
	)

	RowsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_rows_rejected_total",
			Help: "Total number of evidence rows rejected by quality validation",
		},
		[]string{"reason"},
	)

	// Generation usage metrics
	GenerationCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_generation_calls_total",
			Help: "Total number of text generation calls",
		},
		[]string{"purpose", "status"},
	)

	GenerationUnits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_generation_units_total",
			Help: "Total generation units consumed, by kind",
		},
		[]string{"kind"}, // input, output, cached
	)

	GenerationCostUSD = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_generation_cost_usd_total",
			Help: "Accrued generation cost estimate in USD",
		},
	)

	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_pricing_fallbacks_total",
			Help: "Pricing lookups that fell back to defaults",
		},
		[]string{"reason"},
	)

	// Budget metrics
	BudgetStops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_budget_stops_total",
			Help: "Extractions halted by the enforced budget cap",
		},
	)

	// Synthesis metrics
	CitationLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_citation_lookups_total",
			Help: "Citation token resolutions against the ledger",
		},
		[]string{"status"}, // resolved, unresolved
	)

	SynthesisFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quarry_synthesis_fallbacks_total",
			Help: "Per-question syntheses degraded to the fallback form",
		},
	)

	// Approval metrics
	ApprovalDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_approval_decisions_total",
			Help: "Plan review decisions received",
		},
		[]string{"decision", "via"}, // via: human, policy, timeout
	)

	// Policy metrics
	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_policy_decisions_total",
			Help: "Plan policy evaluations",
		},
		[]string{"decision", "mode"},
	)

	PolicyCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_policy_cache_hits_total",
			Help: "Plan policy decision cache hits",
		},
		[]string{"mode"},
	)

	PolicyCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_policy_cache_misses_total",
			Help: "Plan policy decision cache misses",
		},
		[]string{"mode"},
	)

	// Streaming metrics
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_stream_subscribers",
			Help: "Number of connected event stream subscribers",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_events_published_total",
			Help: "Pipeline events published to the stream",
		},
		[]string{"type"},
	)

	// Ledger store metrics
	LedgerWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quarry_ledger_writes_total",
			Help: "Ledger persistence operations",
		},
		[]string{"kind", "status"},
	)

	LedgerWriteQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quarry_ledger_write_queue_depth",
			Help: "Pending entries in the async ledger write queue",
		},
	)
)

// RecordPhase records a completed pipeline phase.
func RecordPhase(phase string, durationSeconds float64) {
	PhaseDuration.WithLabelValues(phase).Observe(durationSeconds)
}

// RecordRunCompleted records a finished run with its terminal phase.
func RecordRunCompleted(mode, phase string) {
	RunsCompleted.WithLabelValues(mode, phase).Inc()
}

// RecordGeneration records one generation call with its usage split.
func RecordGeneration(purpose, status string, inputUnits, outputUnits, cachedUnits int) {
	GenerationCalls.WithLabelValues(purpose, status).Inc()
	if inputUnits > 0 {
		GenerationUnits.WithLabelValues("input").Add(float64(inputUnits))
	}
	if outputUnits > 0 {
		GenerationUnits.WithLabelValues("output").Add(float64(outputUnits))
	}
	if cachedUnits > 0 {
		GenerationUnits.WithLabelValues("cached").Add(float64(cachedUnits))
	}
}

// RecordExtractionOutcome records the terminal outcome for one source.
func RecordExtractionOutcome(outcome string) {
	SourcesExtracted.WithLabelValues(outcome).Inc()
}
