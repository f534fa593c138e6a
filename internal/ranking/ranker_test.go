package ranking

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/models"
)

func fixedClock() time.Time {
	return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
}

func newTestRanker() *Ranker {
	r := New(Tables{}, zap.NewNop())
	r.Now = fixedClock
	return r
}

func TestRankDropsSkipPatterns(t *testing.T) {
	r := newTestRanker()
	candidates := []models.CandidateSource{
		{URL: "https://example.com/report.pdf"},
		{URL: "https://files.example.com/data.xlsx"},
		{URL: "https://example.com/download/archive"},
		{URL: "https://example.com/page"},
	}
	ranked := r.Rank(candidates, "en", 10)
	require.Len(t, ranked, 1)
	assert.Equal(t, "https://example.com/page", ranked[0].URL)
}

func TestRankBaseScoreDefault(t *testing.T) {
	r := newTestRanker()
	ranked := r.Rank([]models.CandidateSource{{URL: "https://example.com/page"}}, "en", 10)
	require.Len(t, ranked, 1)
	assert.InDelta(t, 0.5, ranked[0].Score, 1e-9)
}

func TestRankRecencyBoosts(t *testing.T) {
	r := newTestRanker()
	tests := []struct {
		name string
		date string
		want float64
	}{
		{"last year", "2025-11-02", 0.8},
		{"two years back", "2024-03-15", 0.7},
		{"five years back", "2021", 0.6},
		{"stale", "2019-01-01", 0.5},
		{"unknown date", "Unknown", 0.5},
		{"empty date", "", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranked := r.Rank([]models.CandidateSource{
				{URL: "https://example.com/page", PublishedDate: tt.date},
			}, "en", 10)
			require.Len(t, ranked, 1)
			assert.InDelta(t, tt.want, ranked[0].Score, 1e-9)
		})
	}
}

func TestRankEnglishDomainBoosts(t *testing.T) {
	r := newTestRanker()
	tests := []struct {
		name string
		url  string
		want float64
	}{
		{"news path", "https://www.reuters.com/news/chip-markets", 0.75},
		{"analyst firm", "https://www.gartner.com/en/documents/forecast", 0.75},
		{"blog platform", "https://medium.com/@writer/chip-market", 0.65},
		{"government", "https://www.commerce.gov/trade/report", 0.55},
		{"social penalty", "https://www.facebook.com/somepage", 0.1},
		{"plain site", "https://example.com/page", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranked := r.Rank([]models.CandidateSource{{URL: tt.url}}, "en", 10)
			require.Len(t, ranked, 1)
			assert.InDelta(t, tt.want, ranked[0].Score, 1e-9)
		})
	}
}

func TestRankKoreanDomainBoosts(t *testing.T) {
	r := newTestRanker()
	tests := []struct {
		name string
		url  string
		want float64
	}{
		{"korean news", "https://www.hankyung.com/economy/202601151234", 0.75},
		{"korean blog", "https://research.tistory.com/entry/commerce", 0.65},
		{"korean ministry", "https://www.motie.go.kr/notice/12", 0.55},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranked := r.Rank([]models.CandidateSource{{URL: tt.url}}, "ko", 10)
			require.Len(t, ranked, 1)
			assert.InDelta(t, tt.want, ranked[0].Score, 1e-9)
		})
	}
}

func TestRankUnknownLanguageUsesEnglishProfile(t *testing.T) {
	r := newTestRanker()
	ranked := r.Rank([]models.CandidateSource{
		{URL: "https://www.reuters.com/news/markets"},
	}, "fr", 10)
	require.Len(t, ranked, 1)
	assert.InDelta(t, 0.75, ranked[0].Score, 1e-9)
}

func TestRankStableTieBreak(t *testing.T) {
	r := newTestRanker()
	candidates := []models.CandidateSource{
		{URL: "https://a.example.com/x", Score: 0.4, Position: 1},
		{URL: "https://b.example.com/y", Score: 0.4, Position: 2},
		{URL: "https://c.example.com/z", Score: 0.4, Position: 3},
	}
	for i := 0; i < 5; i++ {
		ranked := r.Rank(candidates, "en", 10)
		require.Len(t, ranked, 3)
		assert.Equal(t, "https://a.example.com/x", ranked[0].URL)
		assert.Equal(t, "https://b.example.com/y", ranked[1].URL)
		assert.Equal(t, "https://c.example.com/z", ranked[2].URL)
	}
}

func TestRankTopNCut(t *testing.T) {
	r := newTestRanker()
	candidates := []models.CandidateSource{
		{URL: "https://www.reuters.com/news/a", Position: 1},
		{URL: "https://example.com/b", Position: 2},
		{URL: "https://example.com/c", Position: 3},
	}
	ranked := r.Rank(candidates, "en", 2)
	require.Len(t, ranked, 2)
	assert.Equal(t, "https://www.reuters.com/news/a", ranked[0].URL)
}

func TestLoadTablesDefaults(t *testing.T) {
	tables, err := LoadTables("")
	require.NoError(t, err)
	assert.NotEmpty(t, tables.SkipPatterns)
	assert.Contains(t, tables.Profiles, "ko")
	assert.Contains(t, tables.Profiles, "en")

	tables, err = LoadTables(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.NotEmpty(t, tables.Spam)
}

func TestLoadTablesPartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "domains.yaml")
	content := []byte(`ranking:
  skip_patterns:
    - ".zip"
  profiles:
    en:
      news:
        - "/headlines/"
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	tables, err := LoadTables(path)
	require.NoError(t, err)

	assert.Equal(t, []string{".zip"}, tables.SkipPatterns)
	// Untouched lists come from the defaults.
	assert.NotEmpty(t, tables.Spam)
	require.Contains(t, tables.Profiles, "en")
	assert.Equal(t, []string{"/headlines/"}, tables.Profiles["en"].News)
	assert.NotEmpty(t, tables.Profiles["en"].Blogs)
	require.Contains(t, tables.Profiles, "ko")
	assert.NotEmpty(t, tables.Profiles["ko"].News)
}

func TestLoadTablesMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "domains.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ranking: [not a map"), 0o644))

	_, err := LoadTables(path)
	assert.Error(t, err)
}
