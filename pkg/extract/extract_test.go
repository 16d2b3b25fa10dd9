package extract_test

import (
	"strings"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/kioku/pkg/extract"
	"github.com/m-mizutani/kioku/pkg/model"
)

func userTurn(content string) *model.Turn {
	return &model.Turn{
		ID:      model.NewTurnID(),
		UserID:  "user-1",
		Role:    model.TurnRoleUser,
		Content: content,
	}
}

func TestExtractFact(t *testing.T) {
	x := extract.New()

	candidates := x.Extract(userTurn("My name is Sarah and I work at Globex in Boston."))
	gt.A(t, candidates).Longer(1)

	hasFact := false
	for _, c := range candidates {
		if c.ChunkType == model.ChunkTypeFact {
			hasFact = true
		}
		gt.True(t, c.Importance >= 0.3 && c.Importance <= 0.9)
	}
	gt.True(t, hasFact)
}

func TestExtractPreference(t *testing.T) {
	x := extract.New()

	candidates := x.Extract(userTurn("I really love spicy ramen, please always suggest it."))
	gt.A(t, candidates).Longer(0)
	gt.Equal(t, candidates[0].ChunkType, model.ChunkTypePreference)
}

func TestExtractDecision(t *testing.T) {
	x := extract.New()

	candidates := x.Extract(userTurn("We decided to go with PostgreSQL for the new service."))
	gt.A(t, candidates).Longer(0)

	found := false
	for _, c := range candidates {
		if c.ChunkType == model.ChunkTypeDecision {
			found = true
		}
	}
	gt.True(t, found)
}

func TestExtractEventNeedsTimeAndVerb(t *testing.T) {
	x := extract.New()

	withBoth := x.Extract(userTurn("I have a meeting with the vendor next Thursday at 3pm."))
	found := false
	for _, c := range withBoth {
		if c.ChunkType == model.ChunkTypeEvent {
			found = true
		}
	}
	gt.True(t, found)

	// A bare time expression is not an event
	timeOnly := x.Extract(userTurn("Next Thursday would work well for everyone involved."))
	for _, c := range timeOnly {
		gt.NotEqual(t, c.ChunkType, model.ChunkTypeEvent)
	}
}

func TestExtractRelationship(t *testing.T) {
	x := extract.New()

	candidates := x.Extract(userTurn("My dog is named Biscuit and he hates thunderstorms."))
	found := false
	for _, c := range candidates {
		if c.ChunkType == model.ChunkTypeRelationship {
			found = true
		}
	}
	gt.True(t, found)
}

func TestExtractSplitsCoordinateClauses(t *testing.T) {
	x := extract.New()

	candidates := x.Extract(userTurn("My sister Rennie lives in Seattle and I work at Microsoft."))
	gt.A(t, candidates).Longer(1)

	var hasRennie, hasMicrosoft bool
	for _, c := range candidates {
		if strings.Contains(c.Content, "Rennie") && !strings.Contains(c.Content, "Microsoft") {
			hasRennie = true
		}
		if strings.Contains(c.Content, "Microsoft") && !strings.Contains(c.Content, "Rennie") {
			hasMicrosoft = true
		}
	}
	gt.True(t, hasRennie)
	gt.True(t, hasMicrosoft)
}

func TestExtractIgnoresChitChat(t *testing.T) {
	x := extract.New()

	for _, content := range []string{"hi", "thanks!", "ok", "sounds good", "yes"} {
		gt.A(t, x.Extract(userTurn(content))).Length(0)
	}
}

func TestExtractIgnoresAssistantTurns(t *testing.T) {
	x := extract.New()

	turn := userTurn("I work at Globex in Boston.")
	turn.Role = model.TurnRoleAssistant
	gt.A(t, x.Extract(turn)).Length(0)
}

func TestExtractDeterministic(t *testing.T) {
	x := extract.New()
	turn := userTurn("My name is Sarah. I love hiking. We decided to meet on Friday for lunch.")

	first := x.Extract(turn)
	for i := 0; i < 10; i++ {
		again := x.Extract(turn)
		gt.A(t, again).Length(len(first))
		for j := range first {
			gt.Equal(t, again[j], first[j])
		}
	}
}

type panicDetector struct{}

func (d *panicDetector) Name() string { return "panic" }
func (d *panicDetector) Detect(turn *model.Turn) []extract.Candidate {
	panic("detector blew up")
}

func TestExtractSurvivesPanickingDetector(t *testing.T) {
	x := extract.New(extract.WithDetectors(&panicDetector{}))
	gt.A(t, x.Extract(userTurn("I work at Globex in Boston."))).Length(0)
}

func TestExtractCustomScoreClamped(t *testing.T) {
	x := extract.New(extract.WithScoreFunc(func(c extract.Candidate) float64 {
		return 5.0
	}))

	candidates := x.Extract(userTurn("I work at Globex in Boston."))
	gt.A(t, candidates).Longer(0)
	for _, c := range candidates {
		gt.Equal(t, c.Importance, 0.9)
	}
}

func TestSummarize(t *testing.T) {
	x := extract.New()

	turns := []*model.Turn{
		userTurn("My name is Sarah and I work at Globex."),
		{Role: model.TurnRoleAssistant, Content: "Nice to meet you, Sarah."},
		userTurn("I really love hiking in the mountains."),
	}

	c, ok := x.Summarize(turns)
	gt.True(t, ok)
	gt.Equal(t, c.ChunkType, model.ChunkTypeSummary)
	gt.S(t, c.Content).Contains("Globex")
	gt.S(t, c.Content).Contains("hiking")
}

func TestSummarizeFallback(t *testing.T) {
	x := extract.New()

	// Nothing matches a detector but one turn is substantial
	turns := []*model.Turn{
		userTurn("the weather report mentioned heavy rain across the region"),
	}

	c, ok := x.Summarize(turns)
	gt.True(t, ok)
	gt.S(t, c.Content).Contains("weather report")
}

func TestSummarizeEmptyWindow(t *testing.T) {
	x := extract.New()

	_, ok := x.Summarize([]*model.Turn{userTurn("hi"), nil})
	gt.False(t, ok)
}
