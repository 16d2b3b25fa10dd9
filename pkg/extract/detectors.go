package extract

import (
	"regexp"

	"github.com/m-mizutani/kioku/pkg/model"
)

// factDetector catches first-person identity and possession statements
type factDetector struct{}

var factPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bmy\s+[\w' ]{1,40}\s+is\b`),
	regexp.MustCompile(`(?i)\bi\s+(work|worked)\s+(at|for|in)\b`),
	regexp.MustCompile(`(?i)\bi\s+(live|lived|grew up)\s+(in|at|near)\b`),
	regexp.MustCompile(`(?i)\bi\s+am\s+(a|an|the)\b`),
	regexp.MustCompile(`(?i)\bi'?m\s+(a|an|the|from)\b`),
	regexp.MustCompile(`(?i)\bi\s+(have|own|use|drive|speak)\s+(a|an|the|two|three|four|\d+)\b`),
	regexp.MustCompile(`(?i)\bi\s+was\s+born\b`),
}

func (d *factDetector) Name() string { return "fact" }

func (d *factDetector) Detect(turn *model.Turn) []Candidate {
	return matchClauses(turn.Content, model.ChunkTypeFact, 0.5, factPatterns...)
}

// preferenceDetector catches taste and preference statements
type preferenceDetector struct{}

var preferencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bi\s+(really\s+|absolutely\s+)?(like|love|prefer|enjoy|hate|dislike|avoid)\b`),
	regexp.MustCompile(`(?i)\bi\s+can'?t\s+stand\b`),
	regexp.MustCompile(`(?i)\bmy\s+favorite\b`),
	regexp.MustCompile(`(?i)\bi'?d\s+rather\b`),
	regexp.MustCompile(`(?i)\bplease\s+(always|never|don'?t)\b`),
}

func (d *preferenceDetector) Name() string { return "preference" }

func (d *preferenceDetector) Detect(turn *model.Turn) []Candidate {
	return matchClauses(turn.Content, model.ChunkTypePreference, 0.5, preferencePatterns...)
}

// decisionDetector catches choice-indicating phrasing
type decisionDetector struct{}

var decisionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(i|we)('ve| have)?\s*(decided|agreed)\b`),
	regexp.MustCompile(`(?i)\b(i|we)\s+(chose|picked|selected|settled on)\b`),
	regexp.MustCompile(`(?i)\blet'?s\s+(go with|use|do|stick with|try)\b`),
	regexp.MustCompile(`(?i)\b(i|we)('ll| will)\s+(go with|take|use|switch to)\b`),
	regexp.MustCompile(`(?i)\bgoing\s+(to go\s+)?with\b`),
	regexp.MustCompile(`(?i)\bfinal\s+(answer|decision|choice)\b`),
}

func (d *decisionDetector) Name() string { return "decision" }

func (d *decisionDetector) Detect(turn *model.Turn) []Candidate {
	return matchClauses(turn.Content, model.ChunkTypeDecision, 0.6, decisionPatterns...)
}

// eventDetector requires a time expression plus an action verb in the same
// clause, so "next Thursday" alone is not an event
type eventDetector struct{}

var (
	eventTimePattern = regexp.MustCompile(`(?i)\b(today|tomorrow|tonight|yesterday|monday|tuesday|wednesday|thursday|friday|saturday|sunday|next (week|month|year)|january|february|march|april|may|june|july|august|september|october|november|december|\d{1,2}(:\d{2})?\s?(am|pm)|\d{4}-\d{2}-\d{2})\b`)
	eventVerbPattern = regexp.MustCompile(`(?i)\b(meet|meeting|call|appointment|flight|fly|flying|travel|traveling|visit|visiting|deadline|due|scheduled|rescheduled|moved|postponed|starts?|leav(e|ing)|arriv(e|ing)|lunch|dinner|interview|presentation|conference)\b`)
)

func (d *eventDetector) Name() string { return "event" }

func (d *eventDetector) Detect(turn *model.Turn) []Candidate {
	var out []Candidate
	for _, clause := range splitClauses(turn.Content) {
		if eventTimePattern.MatchString(clause) && eventVerbPattern.MatchString(clause) {
			out = append(out, Candidate{Content: clause, ChunkType: model.ChunkTypeEvent, Importance: 0.6})
		}
	}
	return out
}

// relationshipDetector catches associations between the user and a named
// entity: a relation noun plus a capitalized name
type relationshipDetector struct{}

const relationNouns = `(dog|cat|pet|bird|horse|wife|husband|partner|fianc[ée]e?|girlfriend|boyfriend|mom|mother|dad|father|parents?|brother|sister|son|daughter|kids?|child|grandm(a|other)|grandp(a|father)|aunt|uncle|cousin|friend|best friend|boss|manager|mentor|colleague|coworker|co-worker|teammate|assistant|doctor|dentist|therapist|teacher|professor|roommate|neighbor|landlord)`

var relationshipPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bmy\s+` + relationNouns + `('s)?\b[^.]*\b(is|are|named|called|works?|lives?|met)\b`),
	regexp.MustCompile(`\b\p{Lu}[\w]+\s+is\s+my\s+` + `(?i:` + relationNouns + `)`),
}

func (d *relationshipDetector) Name() string { return "relationship" }

func (d *relationshipDetector) Detect(turn *model.Turn) []Candidate {
	return matchClauses(turn.Content, model.ChunkTypeRelationship, 0.55, relationshipPatterns...)
}

// matchClauses emits one candidate per clause matching any pattern
func matchClauses(text string, ct model.ChunkType, hint float64, patterns ...*regexp.Regexp) []Candidate {
	var out []Candidate
	for _, clause := range splitClauses(text) {
		for _, p := range patterns {
			if p.MatchString(clause) {
				out = append(out, Candidate{Content: clause, ChunkType: ct, Importance: hint})
				break
			}
		}
	}
	return out
}
