// Package quality holds the pure filtering functions applied around
// evidence extraction: plan keyword extraction, paragraph relevance
// pre-filtering, and statement quality validation. Nothing here touches
// the network or a generation capability.
package quality

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/quarrylab/quarry/internal/models"
)

// Rejection reasons reported by ValidateEvidence.
const (
	RejectTooShort    = "too_short"
	RejectNoSpecifics = "no_specifics"
	RejectGeneric     = "generic"
)

// stopWords are dropped from extracted keywords.
var stopWords = map[string]struct{}{
	"what": {}, "which": {}, "when": {}, "where": {}, "these": {},
	"those": {}, "their": {}, "about": {}, "from": {}, "have": {},
	"with": {}, "this": {}, "that": {}, "will": {}, "are": {},
}

// ExtractKeywords returns the significant words from the plan title and
// every sub-question text: tokens of four or more letters or digits,
// lowercased, minus stop words. The result is sorted and duplicate free.
func ExtractKeywords(plan *models.ResearchPlan) []string {
	if plan == nil {
		return nil
	}
	seen := make(map[string]struct{})
	collect := func(text string) {
		for _, tok := range tokenize(text) {
			if _, stop := stopWords[tok]; stop {
				continue
			}
			seen[tok] = struct{}{}
		}
	}
	collect(plan.Title)
	for _, sq := range plan.SubQuestions {
		collect(sq.Question)
	}

	keywords := make([]string, 0, len(seen))
	for kw := range seen {
		keywords = append(keywords, kw)
	}
	sort.Strings(keywords)
	return keywords
}

// tokenize splits text on non-word runes and keeps lowercased tokens of
// four or more runes.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := fields[:0]
	for _, f := range fields {
		if utf8.RuneCountInString(f) >= 4 {
			out = append(out, f)
		}
	}
	return out
}

// FilterRelevantSections keeps only the paragraphs of content that
// contain at least minMatches distinct keywords. It reports false when
// no paragraph qualifies, which tells the caller to skip the source
// without spending a generation call. Keyword matching is substring
// based: compound tokens in agglutinative text still count.
func FilterRelevantSections(content string, keywords []string, minMatches int) (string, bool) {
	if len(keywords) == 0 {
		return content, true
	}
	if minMatches <= 0 {
		minMatches = 2
	}

	paragraphs := strings.Split(content, "\n\n")
	relevant := make([]string, 0, len(paragraphs))
	for _, para := range paragraphs {
		lower := strings.ToLower(para)
		matches := 0
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				matches++
				if matches >= minMatches {
					break
				}
			}
		}
		if matches >= minMatches {
			relevant = append(relevant, para)
		}
	}

	if len(relevant) == 0 {
		return "", false
	}
	return strings.Join(relevant, "\n\n"), true
}

var specificitySignals = []*regexp.Regexp{
	regexp.MustCompile(`\d+%`),        // percentages
	regexp.MustCompile(`\d+`),         // plain numbers
	regexp.MustCompile(`₩[\d,]+`),     // won amounts
	regexp.MustCompile(`\$[\d,.]+`),   // dollar amounts
	regexp.MustCompile(`20\d{2}`),     // years
	regexp.MustCompile(`(?i)Q\d`),     // quarters
	regexp.MustCompile(`(?i)quarter`), // quarters spelled out
}

// genericFillers mark statements that summarize a topic without saying
// anything checkable. Short statements matching one are rejected.
var genericFillers = []string{
	"글로벌 산업 트렌드에 대해",
	"시장 성장을 보이고",
	"discusses trends",
	"mentions growth",
	"explores the topic",
}

// ValidateEvidence decides whether a statement is admissible to the
// ledger. Length thresholds count runes, not bytes, so multibyte text is
// measured the same as ASCII. The returned reason is empty on success.
func ValidateEvidence(statement string) (bool, string) {
	length := utf8.RuneCountInString(statement)
	if length < 80 {
		return false, RejectTooShort
	}

	hasSpecifics := length > 120
	if !hasSpecifics {
		for _, re := range specificitySignals {
			if re.MatchString(statement) {
				hasSpecifics = true
				break
			}
		}
	}
	if !hasSpecifics {
		return false, RejectNoSpecifics
	}

	if length < 100 {
		lower := strings.ToLower(statement)
		for _, phrase := range genericFillers {
			if strings.Contains(lower, phrase) {
				return false, RejectGeneric
			}
		}
	}
	return true, ""
}

// DetectLanguage classifies text as "ko" when more than 30% of its runes
// are Hangul syllables, otherwise "en".
func DetectLanguage(text string) string {
	if text == "" {
		return "en"
	}
	total := 0
	hangul := 0
	for _, r := range text {
		total++
		if r >= 0xAC00 && r <= 0xD7A3 {
			hangul++
		}
	}
	if total > 0 && float64(hangul)/float64(total) > 0.3 {
		return "ko"
	}
	return "en"
}
