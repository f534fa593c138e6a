// Package scan runs the wide scan: every sub-question is decomposed into
// targeted queries, the queries fan out to the search capability on a
// bounded worker pool, and the merged hits become the candidate pool.
//
// Deduplication is strict by URL across the whole run: a URL seen by an
// earlier query is dropped from later results, even across sub-questions.
// Queries execute concurrently, but dedup and position assignment walk
// the results in plan order, so identical inputs produce an identical
// candidate list regardless of completion timing.
package scan

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/metrics"
	"github.com/quarrylab/quarry/internal/models"
	"github.com/quarrylab/quarry/internal/planner"
	"github.com/quarrylab/quarry/internal/search"
)

// Config bounds the scan.
type Config struct {
	// ResultsPerQuery caps hits requested per search (default 8).
	ResultsPerQuery int
	// Workers sizes the search pool (default 6, clamped to 1..8).
	Workers int
	// CandidateCap bounds the merged pool (default 100).
	CandidateCap int
}

func (c Config) withDefaults() Config {
	if c.ResultsPerQuery <= 0 {
		c.ResultsPerQuery = 8
	}
	if c.Workers <= 0 {
		c.Workers = 6
	}
	if c.Workers > 8 {
		c.Workers = 8
	}
	if c.CandidateCap <= 0 {
		c.CandidateCap = 100
	}
	return c
}

// QueryResult is the per-query unit of work outcome. A failed query
// carries its error here and is skipped during merging; it never aborts
// the scan.
type QueryResult struct {
	QID     string
	Query   string
	Results []models.SearchResult
	Err     error
}

// Scanner executes wide scans.
type Scanner struct {
	planner  *planner.Planner
	searcher search.WebSearcher
	cfg      Config
	logger   *zap.Logger
}

// New builds a scanner.
func New(p *planner.Planner, ws search.WebSearcher, cfg Config, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{planner: p, searcher: ws, cfg: cfg.withDefaults(), logger: logger}
}

type searchUnit struct {
	qid   string
	query string
}

// WideScan decomposes and searches every sub-question of the plan and
// returns the deduplicated candidate pool plus each query's outcome.
// The only scan-level error is context cancellation; everything else is
// reported per query.
func (s *Scanner) WideScan(ctx context.Context, plan *models.ResearchPlan, clarifiedContext, lang string) ([]models.CandidateSource, []QueryResult, error) {
	units := make([]searchUnit, 0, len(plan.SubQuestions)*4)
	for _, sq := range plan.SubQuestions {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		queries, fallback := s.planner.Decompose(ctx, sq.Question, clarifiedContext)
		if fallback {
			s.logger.Info("Using raw sub-question as sole query",
				zap.String("qid", sq.QID),
			)
		}
		for _, q := range queries {
			units = append(units, searchUnit{qid: sq.QID, query: q})
		}
	}

	results := s.runSearches(ctx, units, lang)
	if err := ctx.Err(); err != nil {
		return nil, results, err
	}

	candidates := s.merge(results)
	s.logger.Info("Wide scan complete",
		zap.Int("sub_questions", len(plan.SubQuestions)),
		zap.Int("queries", len(units)),
		zap.Int("candidates", len(candidates)),
	)
	return candidates, results, nil
}

// runSearches fans units out to the worker pool. Each worker writes only
// its own result slots, so no lock is needed around the slice.
func (s *Scanner) runSearches(ctx context.Context, units []searchUnit, lang string) []QueryResult {
	results := make([]QueryResult, len(units))
	indexCh := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < s.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range indexCh {
				u := units[i]
				hits, err := s.searcher.Search(ctx, search.Query{
					Query:    u.query,
					Count:    s.cfg.ResultsPerQuery,
					Language: lang,
				})
				results[i] = QueryResult{QID: u.qid, Query: u.query, Results: hits, Err: err}
			}
		}()
	}

dispatch:
	for i := range units {
		select {
		case <-ctx.Done():
			break dispatch
		case indexCh <- i:
		}
	}
	close(indexCh)
	wg.Wait()
	return results
}

// merge walks query results in plan order, dropping repeated URLs and
// assigning discovery positions.
func (s *Scanner) merge(results []QueryResult) []models.CandidateSource {
	seen := make(map[string]struct{})
	candidates := make([]models.CandidateSource, 0, s.cfg.CandidateCap)

	for _, qr := range results {
		if qr.Err != nil {
			s.logger.Warn("Search query failed, skipping",
				zap.String("qid", qr.QID),
				zap.String("query", qr.Query),
				zap.Error(qr.Err),
			)
			continue
		}
		for _, hit := range qr.Results {
			if hit.URL == "" {
				continue
			}
			if _, dup := seen[hit.URL]; dup {
				metrics.DuplicateURLsDropped.Inc()
				continue
			}
			seen[hit.URL] = struct{}{}
			candidates = append(candidates, models.CandidateSource{
				URL:           hit.URL,
				Title:         hit.Title,
				Snippet:       hit.Snippet,
				QID:           qr.QID,
				Score:         hit.Score,
				PublishedDate: hit.PublishedDate,
				Position:      len(candidates) + 1,
			})
			if len(candidates) >= s.cfg.CandidateCap {
				return candidates
			}
		}
	}
	return candidates
}
