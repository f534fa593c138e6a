// Package ranking scores and filters candidate sources with static
// heuristics. No network or generation calls are made here; the ranker
// is a pure function over the candidate list plus a clock.
package ranking

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/metrics"
	"github.com/quarrylab/quarry/internal/models"
)

// Profile enumerates the boosted domain sets for one language.
type Profile struct {
	News          []string `yaml:"news"`
	Analyst       []string `yaml:"analyst"`
	Blogs         []string `yaml:"blogs"`
	Institutional []string `yaml:"institutional"`
}

// Tables holds every pattern list the ranker consults. All matching is
// case-insensitive substring matching against the URL.
type Tables struct {
	SkipPatterns []string           `yaml:"skip_patterns"`
	Spam         []string           `yaml:"spam"`
	Profiles     map[string]Profile `yaml:"profiles"`
}

// DefaultTables returns the compiled-in pattern lists.
func DefaultTables() Tables {
	return Tables{
		SkipPatterns: []string{
			".pdf", ".csv", ".xlsx", ".xls",
			"/bigfile/", "/datafile/", "/sheet/",
			"amazon.co.kr/sell",
			"/download/", "/upload/",
		},
		Spam: []string{
			"linktr.ee", "facebook.com", "instagram.com", "twitter.com",
			"pinterest.com", "reddit.com/r/", "quora.com/",
		},
		Profiles: map[string]Profile{
			"ko": {
				News: []string{
					"hankyung.com", "chosun.com", "joins.com", "mk.co.kr",
					"sedaily.com", "bloter.net", "zdnet.co.kr",
				},
				Analyst: []string{
					"mckinsey", "bcg.com", "deloitte", "pwc.com", "kpmg",
					"gartner", "forrester", "idc.com", "statista",
				},
				Blogs:         []string{"brunch.co.kr", "tistory.com", "blog.naver.com", "velog.io"},
				Institutional: []string{".go.kr", ".ac.kr", ".re.kr", "wikipedia.org"},
			},
			"en": {
				News: []string{"/news/", "/article/", "/story/", "/post/", "news.", "press."},
				Analyst: []string{
					"mckinsey", "bcg.com", "deloitte", "pwc.com", "kpmg",
					"gartner", "forrester", "idc.com", "statista",
				},
				Blogs:         []string{"blog.", "medium.com", "substack.com", "/blog/"},
				Institutional: []string{".gov", ".edu", ".org", "wikipedia.org"},
			},
		},
	}
}

// Ranker applies the scoring tables to candidate lists.
type Ranker struct {
	mu     sync.RWMutex
	tables Tables
	logger *zap.Logger

	// Now is the clock consulted for recency boosts. Overridable so
	// scoring stays reproducible under test.
	Now func() time.Time
}

// New builds a ranker. Empty tables fall back to the defaults.
func New(tables Tables, logger *zap.Logger) *Ranker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(tables.Profiles) == 0 {
		tables = DefaultTables()
	}
	return &Ranker{tables: tables, logger: logger, Now: time.Now}
}

// SetTables swaps the scoring tables, used by config hot reload. In-flight
// Rank calls finish against the tables they started with.
func (r *Ranker) SetTables(tables Tables) {
	if len(tables.Profiles) == 0 {
		tables = DefaultTables()
	}
	r.mu.Lock()
	r.tables = tables
	r.mu.Unlock()
	r.logger.Info("Ranking tables updated",
		zap.Int("skip_patterns", len(tables.SkipPatterns)),
		zap.Int("spam", len(tables.Spam)),
		zap.Int("profiles", len(tables.Profiles)),
	)
}

// Rank scores candidates and returns the top n by descending score.
// lang selects the domain profile ("ko" or "en"); unknown languages use
// the English profile. Ties keep discovery order, so identical inputs
// always rank identically.
func (r *Ranker) Rank(candidates []models.CandidateSource, lang string, n int) []models.CandidateSource {
	if n <= 0 {
		n = 20
	}
	r.mu.RLock()
	tables := r.tables
	r.mu.RUnlock()

	profile, ok := tables.Profiles[lang]
	if !ok {
		profile = tables.Profiles["en"]
	}
	currentYear := r.Now().Year()

	scored := make([]models.CandidateSource, 0, len(candidates))
	for _, c := range candidates {
		urlLower := strings.ToLower(c.URL)

		if matchAny(urlLower, tables.SkipPatterns) {
			metrics.SourcesDropped.WithLabelValues("skip_pattern").Inc()
			continue
		}

		score := c.Score
		if score == 0 {
			score = 0.5
		}

		if year, ok := leadingYear(c.PublishedDate); ok {
			switch {
			case year >= currentYear-1:
				score += 0.3
			case year >= currentYear-2:
				score += 0.2
			case year >= currentYear-5:
				score += 0.1
			}
		}

		if matchAny(urlLower, profile.News) || matchAny(urlLower, profile.Analyst) {
			score += 0.25
		}
		if matchAny(urlLower, profile.Blogs) {
			score += 0.15
		}
		if matchAny(urlLower, profile.Institutional) {
			score += 0.05
		}
		if matchAny(urlLower, tables.Spam) {
			score -= 0.4
		}

		c.Score = score
		scored = append(scored, c)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if len(scored) > n {
		scored = scored[:n]
	}

	metrics.SourcesRanked.Add(float64(len(candidates)))
	r.logger.Debug("Ranked candidate sources",
		zap.Int("candidates", len(candidates)),
		zap.Int("selected", len(scored)),
		zap.String("lang", lang),
	)
	return scored
}

func matchAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// leadingYear parses a four-digit year prefix from a published date.
// Unparsable dates get no boost rather than a penalty.
func leadingYear(date string) (int, bool) {
	if len(date) < 4 {
		return 0, false
	}
	year, err := strconv.Atoi(date[:4])
	if err != nil || year < 1000 {
		return 0, false
	}
	return year, true
}
