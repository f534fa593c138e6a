// quarry is the batch CLI: one research run end to end, with plan
// approval resolved by the plan policy instead of a human reviewer. It
// prints the executive memo to stdout and writes the evidence ledger to
// a CSV file for the reporting tooling.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/config"
	"github.com/quarrylab/quarry/internal/fetch"
	"github.com/quarrylab/quarry/internal/ledger"
	"github.com/quarrylab/quarry/internal/llm"
	"github.com/quarrylab/quarry/internal/models"
	"github.com/quarrylab/quarry/internal/pipeline"
	"github.com/quarrylab/quarry/internal/policy"
	"github.com/quarrylab/quarry/internal/ranking"
	"github.com/quarrylab/quarry/internal/search"
	"github.com/quarrylab/quarry/internal/synthesis"
)

func main() {
	var (
		question   = flag.String("question", "", "research question (required)")
		dbPath     = flag.String("db", "quarry.db", "sqlite database for run persistence; empty disables persistence")
		csvPath    = flag.String("csv", "ledger.csv", "path for the evidence ledger CSV export; empty disables the export")
		targetRows = flag.Int("rows", 0, "stop extraction at this many ledger rows (default from config)")
		topSources = flag.Int("sources", 0, "rank cut: how many sources to extract from (default from config)")
		policyMode = flag.String("policy", "", "plan policy mode: off, dry-run, enforce (default from config)")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *question == "" && flag.NArg() > 0 {
		*question = strings.Join(flag.Args(), " ")
	}
	if strings.TrimSpace(*question) == "" {
		fmt.Fprintln(os.Stderr, "usage: quarry -question \"...\" [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	logger := newLogger(*verbose)
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if *targetRows > 0 {
		cfg.Research.TargetRows = *targetRows
	}
	if *topSources > 0 {
		cfg.Research.TopSources = *topSources
	}
	if *policyMode != "" {
		cfg.Policy.Mode = *policyMode
		cfg.Policy.Enabled = *policyMode != "off"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *ledger.Store
	if *dbPath != "" {
		cfg.Database.Driver = "sqlite3"
		cfg.Database.Path = *dbPath
		store, err = ledger.NewStore(cfg.Database, logger)
		if err != nil {
			logger.Fatal("Failed to open ledger store", zap.Error(err))
		}
		defer store.Close()
	}

	var policyEngine policy.Engine
	if cfg.Policy.Enabled {
		eng, err := policy.NewOPAEngine(&policy.Config{
			Enabled:     true,
			Mode:        policy.Mode(cfg.Policy.Mode),
			Path:        cfg.Policy.Path,
			FailClosed:  cfg.Policy.FailClosed,
			Environment: cfg.Service.Environment,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize plan policy engine", zap.Error(err))
		}
		policyEngine = eng
	}

	tables, err := ranking.LoadTables(cfg.Service.ConfigDir + "/domains.yaml")
	if err != nil {
		logger.Warn("Failed to load ranking tables, using defaults", zap.Error(err))
	}

	runner := pipeline.NewRunner(
		pipeline.Capabilities{
			Generator: llm.NewClient(cfg.Capabilities.Generation, logger),
			Searcher:  search.NewSerper(cfg.Capabilities.Search, logger),
			Fetcher:   fetch.NewHTTP(cfg.Capabilities.Fetch, logger),
		},
		pipeline.Options{
			Research:    cfg.Research,
			Budget:      cfg.Budget,
			MaxEdits:    cfg.Approval.MaxEdits,
			Environment: cfg.Service.Environment,
			Mode:        "batch",
			Policy:      policyEngine,
			Ranker:      ranking.New(tables, logger),
			Store:       store,
		},
		logger,
	)

	state, err := runner.Run(ctx, *question)
	if err != nil {
		logger.Error("Run failed", zap.String("phase", state.Phase), zap.Error(err))
	}

	printReport(state)

	if *csvPath != "" && len(state.Ledger) > 0 {
		if err := writeCSV(*csvPath, state); err != nil {
			logger.Error("CSV export failed", zap.String("path", *csvPath), zap.Error(err))
		} else {
			fmt.Printf("\nLedger written to %s (%d rows)\n", *csvPath, len(state.Ledger))
		}
	}

	if state.Phase == models.PhaseFailed {
		os.Exit(1)
	}
}

func newLogger(verbose bool) *zap.Logger {
	if verbose {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	logger, _ := cfg.Build()
	return logger
}

// printReport renders the run outcome: plan summary, per-question
// conclusions with resolved citations, and the executive memo.
func printReport(state *models.PipelineState) {
	fmt.Printf("Run %s finished at phase %s\n", state.RunID, state.Phase)
	if state.Failure != "" {
		fmt.Printf("Failure: %s\n", state.Failure)
	}
	if state.Plan == nil {
		return
	}

	fmt.Printf("\n# %s\n", state.Plan.Title)
	fmt.Printf("Evidence rows: %d\n", len(state.Ledger))

	resolver := synthesis.NewCitationResolver(state.Ledger, zap.NewNop())
	for _, syn := range state.Syntheses {
		fmt.Printf("\n## %s: %s\n", syn.QID, syn.Question)
		fmt.Printf("Conclusion (%s): %s\n", syn.Confidence, syn.MiniConclusion)
		for _, reasoning := range syn.Reasoning {
			fmt.Printf("  - %s\n", resolver.Resolve(reasoning))
		}
	}

	if state.Memo != nil {
		fmt.Printf("\n## Executive summary\n%s\n", state.Memo.ExecutiveSummary)
		for _, finding := range state.Memo.KeyFindings {
			fmt.Printf("  - %s\n", finding)
		}
		if state.Memo.MethodologyNote != "" {
			fmt.Printf("\nMethodology: %s\n", state.Memo.MethodologyNote)
		}
	}
}

func writeCSV(path string, state *models.PipelineState) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := ledger.WriteCSV(f, state.Schema, state.Ledger); err != nil {
		return err
	}
	return f.Sync()
}
