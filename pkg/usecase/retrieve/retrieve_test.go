package retrieve_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/kioku/pkg/adapter"
	"github.com/m-mizutani/kioku/pkg/extract"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/repository"
	"github.com/m-mizutani/kioku/pkg/usecase/indexer"
	"github.com/m-mizutani/kioku/pkg/usecase/retrieve"
)

func putEntry(t *testing.T, repo repository.Repository, importance float64, embedding []float32, content string) *model.KnowledgeEntry {
	t.Helper()
	now := time.Now()
	entry := &model.KnowledgeEntry{
		ID:         model.NewEntryID(),
		UserID:     "user-1",
		SourceType: model.SourceTypeManual,
		Title:      "entry",
		Content:    content,
		Embedding:  embedding,
		Importance: importance,
		CreatedAt:  now,
		UpdatedAt:  now,
		IsActive:   true,
	}
	gt.NoError(t, repo.PutEntry(context.Background(), entry))
	return entry
}

func TestRetrieveRanksBySimilarityTimesImportance(t *testing.T) {
	repo := repository.NewMemory()
	uc := retrieve.New(repo)
	ctx := context.Background()

	// Same similarity, different importance: importance decides
	strong := putEntry(t, repo, 0.9, []float32{1, 0, 0}, "user is allergic to peanuts")
	weak := putEntry(t, repo, 0.2, []float32{1, 0, 0}, "user mentioned liking jazz once")

	bundle := uc.Retrieve(ctx, retrieve.Input{
		UserID:         "user-1",
		QueryEmbedding: []float32{1, 0, 0},
	})
	gt.A(t, bundle.Items).Length(2)
	gt.Equal(t, bundle.Items[0].ID, string(strong.ID))
	gt.Equal(t, bundle.Items[1].ID, string(weak.ID))
	gt.True(t, bundle.Items[0].Rank > bundle.Items[1].Rank)
}

func TestRetrieveHigherSimilarityWins(t *testing.T) {
	repo := repository.NewMemory()
	uc := retrieve.New(repo)
	ctx := context.Background()

	near := putEntry(t, repo, 0.5, []float32{1, 0, 0}, "user works at Globex")
	farther := putEntry(t, repo, 0.5, []float32{0.5, 0.5, 0}, "user visited the office")

	bundle := uc.Retrieve(ctx, retrieve.Input{
		UserID:         "user-1",
		QueryEmbedding: []float32{1, 0, 0},
	})
	gt.A(t, bundle.Items).Length(2)
	gt.Equal(t, bundle.Items[0].ID, string(near.ID))
	gt.Equal(t, bundle.Items[1].ID, string(farther.ID))
}

func TestRetrieveMaxItemsBudget(t *testing.T) {
	repo := repository.NewMemory()
	uc := retrieve.New(repo)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		putEntry(t, repo, 0.5, []float32{1, 0, 0}, "entry content for budget test")
	}

	bundle := uc.Retrieve(ctx, retrieve.Input{
		UserID:         "user-1",
		QueryEmbedding: []float32{1, 0, 0},
		MaxItems:       2,
	})
	gt.A(t, bundle.Items).Length(2)
}

func TestRetrieveMaxTokensBudget(t *testing.T) {
	repo := repository.NewMemory()
	uc := retrieve.New(repo)
	ctx := context.Background()

	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	putEntry(t, repo, 0.9, []float32{1, 0, 0}, string(long))
	short := putEntry(t, repo, 0.5, []float32{1, 0, 0}, "short note")

	// The highest ranked item overflows the budget; the smaller one still fits
	bundle := uc.Retrieve(ctx, retrieve.Input{
		UserID:         "user-1",
		QueryEmbedding: []float32{1, 0, 0},
		MaxTokens:      50,
	})
	gt.A(t, bundle.Items).Length(1)
	gt.Equal(t, bundle.Items[0].ID, string(short.ID))
	gt.True(t, bundle.TotalTokens <= 50)
}

func TestRetrieveExcludesExpiredEvenAtFullSimilarity(t *testing.T) {
	repo := repository.NewMemory()
	uc := retrieve.New(repo)
	ctx := context.Background()

	entry := putEntry(t, repo, 0.9, []float32{1, 0, 0}, "stale promotional code")
	past := time.Now().Add(-time.Hour)
	entry.ExpiresAt = &past
	gt.NoError(t, repo.PutEntry(ctx, entry))

	bundle := uc.Retrieve(ctx, retrieve.Input{
		UserID:         "user-1",
		QueryEmbedding: []float32{1, 0, 0},
	})
	gt.True(t, bundle.Empty())
}

func TestRetrieveThresholdZeroDisablesFiltering(t *testing.T) {
	repo := repository.NewMemory()
	uc := retrieve.New(repo)
	ctx := context.Background()

	putEntry(t, repo, 0.5, []float32{0, 1, 0}, "orthogonal entry")

	bundle := uc.Retrieve(ctx, retrieve.Input{
		UserID:         "user-1",
		QueryEmbedding: []float32{1, 0, 0},
		MinSimilarity:  0,
	})
	gt.A(t, bundle.Items).Length(1)
}

func TestRetrieveRecencyFallback(t *testing.T) {
	repo := repository.NewMemory()
	uc := retrieve.New(repo, retrieve.WithRecencyImportance(0.4))
	ctx := context.Background()

	turn := &model.Turn{
		ID:             model.NewTurnID(),
		ConversationID: model.NewConversationID(),
		UserID:         "user-1",
		Role:           model.TurnRoleUser,
		Content:        "just catching up on the week",
		CreatedAt:      time.Now(),
	}
	gt.NoError(t, repo.PutTurn(ctx, turn))

	// Nothing clears the threshold but the recency window still returns
	bundle := uc.Retrieve(ctx, retrieve.Input{
		UserID:         "user-1",
		QueryEmbedding: []float32{1, 0, 0},
		MinSimilarity:  0.99,
	})
	gt.A(t, bundle.Items).Length(1)
	gt.Equal(t, bundle.Items[0].Kind, model.BundleItemTurn)
	gt.Equal(t, bundle.Items[0].Rank, 0.4)
}

func TestRetrieveEmptyScope(t *testing.T) {
	repo := repository.NewMemory()
	uc := retrieve.New(repo)

	bundle := uc.Retrieve(context.Background(), retrieve.Input{
		UserID:         "user-none",
		QueryEmbedding: []float32{1, 0, 0},
	})
	gt.True(t, bundle.Empty())
}

func TestRetrieveMixesChunksAndEntries(t *testing.T) {
	repo := repository.NewMemory()
	uc := retrieve.New(repo)
	ctx := context.Background()

	putEntry(t, repo, 0.8, []float32{1, 0, 0}, "durable entry about coffee preference")

	chunk := &model.MemoryChunk{
		ID:         model.NewChunkID(),
		UserID:     "user-1",
		TurnID:     model.NewTurnID(),
		Content:    "user switched to decaf last month",
		ChunkType:  model.ChunkTypeFact,
		Embedding:  []float32{1, 0, 0},
		Importance: 0.6,
		CreatedAt:  time.Now(),
	}
	gt.NoError(t, repo.PutChunks(ctx, []*model.MemoryChunk{chunk}))

	bundle := uc.Retrieve(ctx, retrieve.Input{
		UserID:         "user-1",
		QueryEmbedding: []float32{1, 0, 0},
	})
	gt.A(t, bundle.Items).Length(2)

	kinds := map[model.BundleItemKind]bool{}
	for _, item := range bundle.Items {
		kinds[item.Kind] = true
	}
	gt.True(t, kinds[model.BundleItemEntry])
	gt.True(t, kinds[model.BundleItemChunk])
}

func TestIndexThenRetrieveRanksExtractedMemory(t *testing.T) {
	repo := repository.NewMemory()
	embedder := adapter.NewMock(8)
	ctx := context.Background()

	turn := &model.Turn{
		ID:             model.NewTurnID(),
		ConversationID: model.NewConversationID(),
		UserID:         "user-1",
		Role:           model.TurnRoleUser,
		Content:        "My dog's name is Rennie and I work at Microsoft in Seattle.",
		CreatedAt:      time.Now(),
	}

	// Pin every extracted candidate onto the query axis so similarity
	// through the full pipeline is exact
	query := []float32{1, 0, 0, 0, 0, 0, 0, 0}
	for _, c := range extract.New().Extract(turn) {
		embedder.Pin(c.Content, query)
	}

	gt.NoError(t, repo.PutTurn(ctx, turn))
	gt.NoError(t, indexer.New(repo, embedder).OnTurnCreated(ctx, turn))

	unrelated := putEntry(t, repo, 0.9, []float32{0, 1, 0, 0, 0, 0, 0, 0}, "quarterly report template updated")

	uc := retrieve.New(repo)
	bundle := uc.Retrieve(ctx, retrieve.Input{
		UserID:         "user-1",
		QueryEmbedding: query,
	})

	var hasRennie, hasMicrosoft bool
	unrelatedRank := -1.0
	lowestChunkRank := 1.0
	for _, item := range bundle.Items {
		switch {
		case item.Kind == model.BundleItemChunk && strings.Contains(item.Content, "Rennie"):
			hasRennie = true
		case item.Kind == model.BundleItemChunk && strings.Contains(item.Content, "Microsoft"):
			hasMicrosoft = true
		}
		if item.Kind == model.BundleItemChunk && item.Rank < lowestChunkRank {
			lowestChunkRank = item.Rank
		}
		if item.ID == string(unrelated.ID) {
			unrelatedRank = item.Rank
		}
	}

	gt.True(t, hasRennie)
	gt.True(t, hasMicrosoft)
	gt.Equal(t, unrelatedRank, 0.0)
	gt.True(t, lowestChunkRank > unrelatedRank)
}
