package indexer_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/kioku/pkg/adapter"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/repository"
	"github.com/m-mizutani/kioku/pkg/usecase/indexer"
)

type failingEmbedder struct{}

func (e *failingEmbedder) Embed(ctx context.Context, texts []string) ([]adapter.Result, error) {
	return nil, goerr.New("embedding provider unreachable")
}

func (e *failingEmbedder) Dimensions() int { return 8 }

func newTurn(conv model.ConversationID, content string, at time.Time) *model.Turn {
	return &model.Turn{
		ID:             model.NewTurnID(),
		ConversationID: conv,
		UserID:         "user-1",
		Role:           model.TurnRoleUser,
		Content:        content,
		CreatedAt:      at,
	}
}

func TestIndexTurnWritesChunks(t *testing.T) {
	repo := repository.NewMemory()
	uc := indexer.New(repo, adapter.NewMock(8))
	ctx := context.Background()

	turn := newTurn(model.NewConversationID(), "My name is Sarah and I work at Globex.", time.Now())
	gt.NoError(t, repo.PutTurn(ctx, turn))
	gt.NoError(t, uc.OnTurnCreated(ctx, turn))

	chunks, err := repo.ListChunksByTurn(ctx, turn.ID)
	gt.NoError(t, err)
	gt.A(t, chunks).Longer(0)
	for _, c := range chunks {
		gt.Equal(t, c.UserID, turn.UserID)
		gt.Equal(t, c.TurnID, turn.ID)
		gt.A(t, c.Embedding).Length(8)
	}

	record, err := repo.GetTurnRecord(ctx, turn.ID)
	gt.NoError(t, err)
	gt.Equal(t, record.Status, model.TurnStatusDone)
}

func TestIndexTurnIdempotent(t *testing.T) {
	repo := repository.NewMemory()
	uc := indexer.New(repo, adapter.NewMock(8))
	ctx := context.Background()

	turn := newTurn(model.NewConversationID(), "My name is Sarah and I work at Globex.", time.Now())
	gt.NoError(t, repo.PutTurn(ctx, turn))
	gt.NoError(t, uc.OnTurnCreated(ctx, turn))

	chunks, err := repo.ListChunksByTurn(ctx, turn.ID)
	gt.NoError(t, err)
	count := len(chunks)

	// A duplicate delivery is a silent no-op
	gt.NoError(t, uc.OnTurnCreated(ctx, turn))

	chunks, err = repo.ListChunksByTurn(ctx, turn.ID)
	gt.NoError(t, err)
	gt.A(t, chunks).Length(count)
}

func TestIndexTurnNoCandidates(t *testing.T) {
	repo := repository.NewMemory()
	uc := indexer.New(repo, adapter.NewMock(8))
	ctx := context.Background()

	turn := newTurn(model.NewConversationID(), "thanks!", time.Now())
	gt.NoError(t, repo.PutTurn(ctx, turn))
	gt.NoError(t, uc.OnTurnCreated(ctx, turn))

	chunks, err := repo.ListChunksByTurn(ctx, turn.ID)
	gt.NoError(t, err)
	gt.A(t, chunks).Length(0)

	record, err := repo.GetTurnRecord(ctx, turn.ID)
	gt.NoError(t, err)
	gt.Equal(t, record.Status, model.TurnStatusDone)
}

func TestIndexTurnBulkEmbedFailure(t *testing.T) {
	repo := repository.NewMemory()
	uc := indexer.New(repo, &failingEmbedder{})
	ctx := context.Background()

	turn := newTurn(model.NewConversationID(), "My name is Sarah and I work at Globex.", time.Now())
	gt.NoError(t, repo.PutTurn(ctx, turn))
	gt.Error(t, uc.OnTurnCreated(ctx, turn))

	// A failed turn writes no chunks at all
	chunks, err := repo.ListChunksByTurn(ctx, turn.ID)
	gt.NoError(t, err)
	gt.A(t, chunks).Length(0)

	record, err := repo.GetTurnRecord(ctx, turn.ID)
	gt.NoError(t, err)
	gt.Equal(t, record.Status, model.TurnStatusFailed)
	gt.S(t, record.Error).Contains("unreachable")
}

func TestSummaryCadence(t *testing.T) {
	repo := repository.NewMemory()
	uc := indexer.New(repo, adapter.NewMock(8), indexer.WithSummaryEvery(2))
	ctx := context.Background()

	conv := model.NewConversationID()
	base := time.Now()
	contents := []string{
		"My name is Sarah and I work at Globex.",
		"I really love hiking in the mountains.",
		"We decided to go with the blue design.",
		"I have a dentist appointment next Friday.",
	}
	for i, content := range contents {
		turn := newTurn(conv, content, base.Add(time.Duration(i)*time.Second))
		gt.NoError(t, repo.PutTurn(ctx, turn))
		gt.NoError(t, uc.OnTurnCreated(ctx, turn))
	}

	// Four user turns at a cadence of two produce exactly two summaries
	gt.A(t, summaries(t, repo, conv)).Length(2)
}

func TestSummaryCadenceCountsUserTurnsOnly(t *testing.T) {
	repo := repository.NewMemory()
	uc := indexer.New(repo, adapter.NewMock(8), indexer.WithSummaryEvery(2))
	ctx := context.Background()

	conv := model.NewConversationID()
	base := time.Now()

	first := newTurn(conv, "My name is Sarah and I work at Globex.", base)
	gt.NoError(t, repo.PutTurn(ctx, first))
	gt.NoError(t, uc.OnTurnCreated(ctx, first))

	reply := newTurn(conv, "Nice to meet you, Sarah. What do you do at Globex?", base.Add(time.Second))
	reply.Role = model.TurnRoleAssistant
	gt.NoError(t, repo.PutTurn(ctx, reply))
	gt.NoError(t, uc.OnTurnCreated(ctx, reply))

	// One user turn plus one assistant turn does not reach the window
	gt.A(t, summaries(t, repo, conv)).Length(0)
}

func TestCloseConversationSummarizes(t *testing.T) {
	repo := repository.NewMemory()
	uc := indexer.New(repo, adapter.NewMock(8), indexer.WithSummaryEvery(10))
	ctx := context.Background()

	conv := model.NewConversationID()
	base := time.Now()
	for i := 0; i < 3; i++ {
		turn := newTurn(conv, fmt.Sprintf("I work at Globex on project number %d.", i), base.Add(time.Duration(i)*time.Second))
		gt.NoError(t, repo.PutTurn(ctx, turn))
		gt.NoError(t, uc.OnTurnCreated(ctx, turn))
	}

	gt.NoError(t, uc.OnConversationClosed(ctx, "user-1", conv))
	gt.A(t, summaries(t, repo, conv)).Length(1)

	// Closing again with no new turns claims the same window: no duplicate
	gt.NoError(t, uc.OnConversationClosed(ctx, "user-1", conv))
	gt.A(t, summaries(t, repo, conv)).Length(1)
}

func TestCloseEmptyConversation(t *testing.T) {
	repo := repository.NewMemory()
	uc := indexer.New(repo, adapter.NewMock(8))
	ctx := context.Background()

	gt.NoError(t, uc.OnConversationClosed(ctx, "user-1", model.NewConversationID()))
}

func summaries(t *testing.T, repo repository.Repository, conv model.ConversationID) []*model.MemoryChunk {
	t.Helper()
	chunks, err := repo.ListChunksByUser(context.Background(), "user-1", 0)
	gt.NoError(t, err)

	var out []*model.MemoryChunk
	for _, c := range chunks {
		if c.ConversationID == conv && c.ChunkType == model.ChunkTypeSummary {
			out = append(out, c)
		}
	}
	return out
}
