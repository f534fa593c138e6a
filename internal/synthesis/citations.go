package synthesis

import (
	"fmt"
	"regexp"
	"strconv"

	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/metrics"
	"github.com/quarrylab/quarry/internal/models"
)

// citationToken matches the inline citation format reasoning statements
// carry: "(Source: name, Evidence #12)".
var citationToken = regexp.MustCompile(`\(Source: (.+?), Evidence #(\d+)\)`)

// CitationResolver rewrites citation tokens into link annotations backed
// by the ledger. Build one per run over the final ledger snapshot.
type CitationResolver struct {
	byID   map[int]models.EvidenceRow
	logger *zap.Logger
}

// NewCitationResolver indexes the ledger by row ID.
func NewCitationResolver(rows []models.EvidenceRow, logger *zap.Logger) *CitationResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	byID := make(map[int]models.EvidenceRow, len(rows))
	for i := range rows {
		byID[rows[i].RowID] = rows[i]
	}
	return &CitationResolver{byID: byID, logger: logger}
}

// Resolve rewrites every citation token whose row ID exists and carries
// a source URL into "(Source: [name](url), Evidence #id)". A token that
// cannot be resolved stays as-is: plain text, never a broken link.
func (r *CitationResolver) Resolve(text string) string {
	return citationToken.ReplaceAllStringFunc(text, func(token string) string {
		parts := citationToken.FindStringSubmatch(token)
		if parts == nil {
			return token
		}
		name := parts[1]
		id, err := strconv.Atoi(parts[2])
		if err != nil {
			metrics.CitationLookups.WithLabelValues("unresolved").Inc()
			return token
		}
		row, ok := r.byID[id]
		if !ok || row.SourceURL == "" {
			r.logger.Warn("Unresolved citation",
				zap.Int("row_id", id),
				zap.String("source_name", name))
			metrics.CitationLookups.WithLabelValues("unresolved").Inc()
			return token
		}
		metrics.CitationLookups.WithLabelValues("resolved").Inc()
		return fmt.Sprintf("(Source: [%s](%s), Evidence #%d)", name, row.SourceURL, id)
	})
}

// ResolveAll applies Resolve to each reasoning statement of each
// synthesis, returning rewritten copies.
func (r *CitationResolver) ResolveAll(syntheses []models.QuestionSynthesis) []models.QuestionSynthesis {
	out := make([]models.QuestionSynthesis, len(syntheses))
	copy(out, syntheses)
	for i := range out {
		if len(out[i].Reasoning) == 0 {
			continue
		}
		reasoning := make([]string, len(out[i].Reasoning))
		for j, stmt := range out[i].Reasoning {
			reasoning[j] = r.Resolve(stmt)
		}
		out[i].Reasoning = reasoning
	}
	return out
}
