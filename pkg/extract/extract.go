// Package extract turns conversational turns into typed memory candidates.
// Extraction is pure and synchronous: detectors do no I/O, never fail, and
// the same input always yields the same candidates. New chunk types add a
// Detector, not a branch.
package extract

import (
	"strings"

	"github.com/m-mizutani/kioku/pkg/model"
)

// Candidate is a proposed memory chunk with an importance estimate
type Candidate struct {
	Content    string
	ChunkType  model.ChunkType
	Importance float64
}

// Detector recognizes one chunk type in a turn. Implementations must be
// pure and total over text: no I/O, no errors, no panics escaping.
type Detector interface {
	Name() string
	Detect(turn *model.Turn) []Candidate
}

// ScoreFunc refines a candidate's importance. Injectable so the rubric is
// tunable without touching extraction control flow.
type ScoreFunc func(Candidate) float64

// Extractor runs a registry of independent detectors over a turn
type Extractor struct {
	detectors []Detector
	score     ScoreFunc
}

type Option func(*Extractor)

// WithDetectors replaces the default detector registry
func WithDetectors(detectors ...Detector) Option {
	return func(x *Extractor) {
		x.detectors = detectors
	}
}

// WithScoreFunc replaces the default importance rubric
func WithScoreFunc(score ScoreFunc) Option {
	return func(x *Extractor) {
		x.score = score
	}
}

// New creates an Extractor with the default detectors and rubric
func New(opts ...Option) *Extractor {
	x := &Extractor{
		detectors: []Detector{
			&factDetector{},
			&preferenceDetector{},
			&decisionDetector{},
			&eventDetector{},
			&relationshipDetector{},
		},
		score: DefaultScore,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Extract returns zero or more candidates for one turn. Only user turns are
// mined; short or chit-chat turns yield nothing. Internal panics become "no candidates".
func (x *Extractor) Extract(turn *model.Turn) []Candidate {
	if turn == nil || turn.Role != model.TurnRoleUser {
		return nil
	}
	if isChitChat(turn.Content) {
		return nil
	}

	var out []Candidate
	seen := make(map[string]bool)
	for _, d := range x.detectors {
		for _, c := range x.detectSafe(d, turn) {
			c.Content = strings.TrimSpace(c.Content)
			if c.Content == "" {
				continue
			}
			key := string(c.ChunkType) + "\x00" + c.Content
			if seen[key] {
				continue
			}
			seen[key] = true
			c.Importance = clampImportance(x.score(c))
			out = append(out, c)
		}
	}
	return out
}

// detectSafe shields the pipeline from a misbehaving detector
func (x *Extractor) detectSafe(d Detector, turn *model.Turn) (out []Candidate) {
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()
	return d.Detect(turn)
}

const (
	importanceFloor = 0.3
	importanceCeil  = 0.9
)

func clampImportance(v float64) float64 {
	if v < importanceFloor {
		return importanceFloor
	}
	if v > importanceCeil {
		return importanceCeil
	}
	return v
}

var greetings = map[string]bool{
	"hi": true, "hello": true, "hey": true, "yo": true,
	"thanks": true, "thank you": true, "ok": true, "okay": true,
	"yes": true, "no": true, "sure": true, "cool": true, "nice": true,
	"good morning": true, "good night": true, "bye": true, "goodbye": true,
	"lol": true, "haha": true, "great": true, "sounds good": true,
}

// isChitChat gates out turns too small or too social to carry memory
func isChitChat(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 12 {
		return true
	}
	if len(strings.Fields(trimmed)) < 3 {
		return true
	}
	normalized := strings.ToLower(strings.Trim(trimmed, " .,!?"))
	return greetings[normalized]
}

// splitClauses breaks a turn into sentences, then coordinate clauses, so
// each detector sees one statement at a time
func splitClauses(text string) []string {
	var sentences []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			sentences = append(sentences, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		sentences = append(sentences, b.String())
	}

	var clauses []string
	for _, s := range sentences {
		parts := strings.Split(s, " and ")
		current := parts[0]
		for _, part := range parts[1:] {
			// Split only where the right side stands on its own as a
			// statement; "fish and chips" stays together
			if startsStatement(part) {
				clauses = appendClause(clauses, current)
				current = part
				continue
			}
			current += " and " + part
		}
		clauses = appendClause(clauses, current)
	}
	return clauses
}

var statementLeads = []string{"i ", "i'", "my ", "we ", "we'", "our ", "he ", "she ", "they ", "the ", "let's "}

func startsStatement(clause string) bool {
	lower := strings.ToLower(strings.TrimSpace(clause))
	for _, lead := range statementLeads {
		if strings.HasPrefix(lower, lead) {
			return true
		}
	}
	return false
}

func appendClause(clauses []string, clause string) []string {
	clause = strings.Trim(clause, " .,!?\n\t")
	if clause == "" {
		return clauses
	}
	return append(clauses, clause)
}
