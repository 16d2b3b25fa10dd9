package extract

import (
	"regexp"
	"strings"
)

var (
	namedEntityPattern = regexp.MustCompile(`\b\p{Lu}[\w]+`)
	numericPattern     = regexp.MustCompile(`\d`)
	imperativePattern  = regexp.MustCompile(`(?i)\b(must|need to|have to|remember|don'?t forget|always|never|important)\b`)
)

// DefaultScore is the built-in importance rubric: a base per chunk type,
// bumped for named entities, numeric specificity, imperative phrasing and
// substantive length. It is a fixed heuristic, not a learned model; swap it
// via WithScoreFunc to tune without touching extraction.
func DefaultScore(c Candidate) float64 {
	score := c.Importance
	if score == 0 {
		score = 0.5
	}

	// Named entities beyond the leading word signal a concrete referent
	entities := namedEntityPattern.FindAllStringIndex(c.Content, -1)
	concrete := 0
	for _, loc := range entities {
		if loc[0] > 0 {
			concrete++
		}
	}
	if concrete > 0 {
		score += 0.1
	}
	if concrete > 1 {
		score += 0.05
	}

	if numericPattern.MatchString(c.Content) {
		score += 0.05
	}
	if imperativePattern.MatchString(c.Content) {
		score += 0.05
	}
	if len(strings.TrimSpace(c.Content)) > 60 {
		score += 0.05
	}

	return score
}
