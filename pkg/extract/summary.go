package extract

import (
	"strings"

	"github.com/m-mizutani/kioku/pkg/model"
)

const (
	maxSummaryStatements = 5
	maxSummaryBytes      = 600
)

// Summarize condenses a conversation window into at most one summary
// candidate. It reuses the per-turn detectors: statements any detector
// recognized carry the window's substance; if nothing matched, the first
// substantial user statement stands in. Pure and deterministic like Extract.
func (x *Extractor) Summarize(turns []*model.Turn) (Candidate, bool) {
	var statements []string
	var fallback string
	seen := make(map[string]bool)

	for _, turn := range turns {
		if turn == nil || turn.Role != model.TurnRoleUser {
			continue
		}
		if fallback == "" && !isChitChat(turn.Content) {
			if clauses := splitClauses(turn.Content); len(clauses) > 0 {
				fallback = clauses[0]
			}
		}
		for _, c := range x.Extract(turn) {
			if c.ChunkType == model.ChunkTypeSummary || seen[c.Content] {
				continue
			}
			seen[c.Content] = true
			statements = append(statements, c.Content)
		}
	}

	if len(statements) == 0 {
		if fallback == "" {
			return Candidate{}, false
		}
		statements = []string{fallback}
	}
	if len(statements) > maxSummaryStatements {
		statements = statements[:maxSummaryStatements]
	}

	content := strings.Join(statements, "; ")
	if len(content) > maxSummaryBytes {
		content = content[:maxSummaryBytes]
	}

	c := Candidate{
		Content:   content,
		ChunkType: model.ChunkTypeSummary,
	}
	c.Importance = clampImportance(x.score(c))
	return c, true
}
