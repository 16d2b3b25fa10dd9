package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/repository"
)

func testEntry(userID string) *model.KnowledgeEntry {
	now := time.Now()
	return &model.KnowledgeEntry{
		ID:         model.NewEntryID(),
		UserID:     userID,
		SourceType: model.SourceTypeManual,
		Title:      "Test Entry",
		Content:    "user drinks oat milk lattes",
		Importance: 0.5,
		CreatedAt:  now,
		UpdatedAt:  now,
		IsActive:   true,
	}
}

func TestMemoryEntryCRUD(t *testing.T) {
	repo := repository.NewMemory()
	ctx := context.Background()

	entry := testEntry("user-1")
	entry.Tags = []string{"beverage"}
	gt.NoError(t, repo.PutEntry(ctx, entry))

	got, err := repo.GetEntry(ctx, entry.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Content, entry.Content)
	gt.Equal(t, got.Tags[0], "beverage")

	// Mutating the returned copy does not leak into the store
	got.Content = "changed"
	again, err := repo.GetEntry(ctx, entry.ID)
	gt.NoError(t, err)
	gt.Equal(t, again.Content, entry.Content)

	gt.NoError(t, repo.DeleteEntry(ctx, entry.ID))
	_, err = repo.GetEntry(ctx, entry.ID)
	gt.True(t, errors.Is(err, model.ErrEntryNotFound))
}

func TestMemoryPutEntryValidates(t *testing.T) {
	repo := repository.NewMemory()
	ctx := context.Background()

	entry := testEntry("user-1")
	entry.SourceType = "bogus"
	gt.Error(t, repo.PutEntry(ctx, entry))
}

func TestMemoryListEntriesFilters(t *testing.T) {
	repo := repository.NewMemory()
	ctx := context.Background()

	a := testEntry("user-1")
	a.Category = "food"
	a.Tags = []string{"Coffee"}
	gt.NoError(t, repo.PutEntry(ctx, a))

	b := testEntry("user-1")
	b.Category = "work"
	b.IsActive = false
	gt.NoError(t, repo.PutEntry(ctx, b))

	c := testEntry("user-2")
	gt.NoError(t, repo.PutEntry(ctx, c))

	active, err := repo.ListEntries(ctx, repository.ListEntriesInput{UserID: "user-1", ActiveOnly: true})
	gt.NoError(t, err)
	gt.A(t, active).Length(1)
	gt.Equal(t, active[0].ID, a.ID)

	all, err := repo.ListEntries(ctx, repository.ListEntriesInput{UserID: "user-1"})
	gt.NoError(t, err)
	gt.A(t, all).Length(2)

	// Tag match is case-insensitive
	tagged, err := repo.ListEntries(ctx, repository.ListEntriesInput{UserID: "user-1", Tag: "coffee"})
	gt.NoError(t, err)
	gt.A(t, tagged).Length(1)

	byCategory, err := repo.ListEntries(ctx, repository.ListEntriesInput{UserID: "user-1", Category: "work"})
	gt.NoError(t, err)
	gt.A(t, byCategory).Length(1)
	gt.Equal(t, byCategory[0].ID, b.ID)
}

func TestMemorySearchSimilarEntries(t *testing.T) {
	repo := repository.NewMemory()
	ctx := context.Background()

	near := testEntry("user-1")
	near.Embedding = []float32{1, 0, 0}
	gt.NoError(t, repo.PutEntry(ctx, near))

	far := testEntry("user-1")
	far.Embedding = []float32{0, 1, 0}
	gt.NoError(t, repo.PutEntry(ctx, far))

	noVector := testEntry("user-1")
	gt.NoError(t, repo.PutEntry(ctx, noVector))

	hits, err := repo.SearchSimilarEntries(ctx, repository.SimilarInput{
		UserID:    "user-1",
		Embedding: []float32{1, 0, 0},
		Limit:     10,
	})
	gt.NoError(t, err)
	gt.A(t, hits).Length(2)
	gt.Equal(t, hits[0].Entry.ID, near.ID)
	gt.True(t, hits[0].Similarity > hits[1].Similarity)

	// Threshold drops the orthogonal entry
	filtered, err := repo.SearchSimilarEntries(ctx, repository.SimilarInput{
		UserID:        "user-1",
		Embedding:     []float32{1, 0, 0},
		Limit:         10,
		MinSimilarity: 0.5,
	})
	gt.NoError(t, err)
	gt.A(t, filtered).Length(1)
}

func TestMemorySearchExcludesExpiredAndInactive(t *testing.T) {
	repo := repository.NewMemory()
	ctx := context.Background()

	expired := testEntry("user-1")
	expired.Embedding = []float32{1, 0, 0}
	past := time.Now().Add(-time.Hour)
	expired.ExpiresAt = &past
	gt.NoError(t, repo.PutEntry(ctx, expired))

	inactive := testEntry("user-1")
	inactive.Embedding = []float32{1, 0, 0}
	inactive.IsActive = false
	gt.NoError(t, repo.PutEntry(ctx, inactive))

	// Identical vectors, similarity 1.0, still invisible
	hits, err := repo.SearchSimilarEntries(ctx, repository.SimilarInput{
		UserID:    "user-1",
		Embedding: []float32{1, 0, 0},
		Limit:     10,
	})
	gt.NoError(t, err)
	gt.A(t, hits).Length(0)
}

func TestMemoryListEntriesMissingEmbedding(t *testing.T) {
	repo := repository.NewMemory()
	ctx := context.Background()

	pending := testEntry("user-1")
	gt.NoError(t, repo.PutEntry(ctx, pending))

	embedded := testEntry("user-1")
	embedded.Embedding = []float32{1, 0, 0}
	gt.NoError(t, repo.PutEntry(ctx, embedded))

	targets, err := repo.ListEntriesMissingEmbedding(ctx, "user-1", "", 10)
	gt.NoError(t, err)
	gt.A(t, targets).Length(1)
	gt.Equal(t, targets[0].ID, pending.ID)
}

func TestMemoryListExpiredEntries(t *testing.T) {
	repo := repository.NewMemory()
	ctx := context.Background()

	expired := testEntry("user-1")
	past := time.Now().Add(-time.Minute)
	expired.ExpiresAt = &past
	gt.NoError(t, repo.PutEntry(ctx, expired))

	alive := testEntry("user-1")
	future := time.Now().Add(time.Hour)
	alive.ExpiresAt = &future
	gt.NoError(t, repo.PutEntry(ctx, alive))

	permanent := testEntry("user-1")
	gt.NoError(t, repo.PutEntry(ctx, permanent))

	got, err := repo.ListExpiredEntries(ctx, "user-1", time.Now(), 10)
	gt.NoError(t, err)
	gt.A(t, got).Length(1)
	gt.Equal(t, got[0].ID, expired.ID)
}

func testChunk(userID string, turnID model.TurnID) *model.MemoryChunk {
	return &model.MemoryChunk{
		ID:        model.NewChunkID(),
		UserID:    userID,
		TurnID:    turnID,
		Content:   "user works at Globex",
		ChunkType: model.ChunkTypeFact,
		Embedding: []float32{1, 0, 0},
		CreatedAt: time.Now(),
	}
}

func TestMemoryPutChunksAtomic(t *testing.T) {
	repo := repository.NewMemory()
	ctx := context.Background()

	turnID := model.NewTurnID()
	existing := testChunk("user-1", turnID)
	gt.NoError(t, repo.PutChunks(ctx, []*model.MemoryChunk{existing}))

	fresh := testChunk("user-1", turnID)
	fresh.Content = "user lives in Boston"

	// One colliding ID fails the whole batch
	err := repo.PutChunks(ctx, []*model.MemoryChunk{fresh, existing})
	gt.Error(t, err)

	chunks, err := repo.ListChunksByTurn(ctx, turnID)
	gt.NoError(t, err)
	gt.A(t, chunks).Length(1)
}

func TestMemoryClaimTurnOnce(t *testing.T) {
	repo := repository.NewMemory()
	ctx := context.Background()

	id := model.NewTurnID()
	gt.NoError(t, repo.ClaimTurn(ctx, id))

	err := repo.ClaimTurn(ctx, id)
	gt.True(t, errors.Is(err, repository.ErrAlreadyClaimed))

	record, err := repo.GetTurnRecord(ctx, id)
	gt.NoError(t, err)
	gt.Equal(t, record.Status, model.TurnStatusPending)
}

func TestMemoryClaimSummaryWindow(t *testing.T) {
	repo := repository.NewMemory()
	ctx := context.Background()

	conv := model.NewConversationID()
	gt.NoError(t, repo.ClaimSummaryWindow(ctx, conv, 1))

	err := repo.ClaimSummaryWindow(ctx, conv, 1)
	gt.True(t, errors.Is(err, repository.ErrAlreadyClaimed))

	// A different window of the same conversation is independent
	gt.NoError(t, repo.ClaimSummaryWindow(ctx, conv, 2))
}

func TestMemoryUpdateTurnStatus(t *testing.T) {
	repo := repository.NewMemory()
	ctx := context.Background()

	id := model.NewTurnID()
	gt.NoError(t, repo.ClaimTurn(ctx, id))
	gt.NoError(t, repo.UpdateTurnStatus(ctx, id, model.TurnStatusFailed, "provider unreachable"))

	record, err := repo.GetTurnRecord(ctx, id)
	gt.NoError(t, err)
	gt.Equal(t, record.Status, model.TurnStatusFailed)
	gt.S(t, record.Error).Contains("unreachable")
}

func TestMemoryJobLock(t *testing.T) {
	repo := repository.NewMemory()
	ctx := context.Background()

	release, err := repo.AcquireJobLock(ctx, "compact", "user-1", time.Hour)
	gt.NoError(t, err)

	_, err = repo.AcquireJobLock(ctx, "compact", "user-1", time.Hour)
	gt.True(t, errors.Is(err, repository.ErrAlreadyClaimed))

	// A different job or scope is independent
	release2, err := repo.AcquireJobLock(ctx, "sweep", "user-1", time.Hour)
	gt.NoError(t, err)
	release2()

	release()
	release3, err := repo.AcquireJobLock(ctx, "compact", "user-1", time.Hour)
	gt.NoError(t, err)
	release3()
}

func TestMemoryJobLockStaleTakeover(t *testing.T) {
	repo := repository.NewMemory()
	ctx := context.Background()

	_, err := repo.AcquireJobLock(ctx, "compact", "user-1", time.Nanosecond)
	gt.NoError(t, err)

	time.Sleep(time.Millisecond)

	// Holder never released but the lock went stale
	release, err := repo.AcquireJobLock(ctx, "compact", "user-1", time.Nanosecond)
	gt.NoError(t, err)
	release()
}

func TestMemoryJobLockStaleReleaseKeepsTakeover(t *testing.T) {
	repo := repository.NewMemory()
	ctx := context.Background()

	staleRelease, err := repo.AcquireJobLock(ctx, "compact", "user-1", time.Nanosecond)
	gt.NoError(t, err)

	time.Sleep(time.Millisecond)

	release, err := repo.AcquireJobLock(ctx, "compact", "user-1", time.Hour)
	gt.NoError(t, err)

	// The stale holder's release must not remove the takeover's lock
	staleRelease()
	_, err = repo.AcquireJobLock(ctx, "compact", "user-1", time.Hour)
	gt.True(t, errors.Is(err, repository.ErrAlreadyClaimed))

	release()
	release2, err := repo.AcquireJobLock(ctx, "compact", "user-1", time.Hour)
	gt.NoError(t, err)
	release2()
}

func TestMemoryTurnsAndConversations(t *testing.T) {
	repo := repository.NewMemory()
	ctx := context.Background()

	conv := model.NewConversationID()
	base := time.Now()
	for i := 0; i < 3; i++ {
		turn := &model.Turn{
			ID:             model.NewTurnID(),
			ConversationID: conv,
			UserID:         "user-1",
			Role:           model.TurnRoleUser,
			Content:        "turn content",
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		gt.NoError(t, repo.PutTurn(ctx, turn))
	}

	recent, err := repo.ListRecentTurns(ctx, "user-1", 2)
	gt.NoError(t, err)
	gt.A(t, recent).Length(2)
	gt.True(t, recent[0].CreatedAt.After(recent[1].CreatedAt))

	ordered, err := repo.ListTurnsByConversation(ctx, conv, 0)
	gt.NoError(t, err)
	gt.A(t, ordered).Length(3)
	gt.True(t, ordered[0].CreatedAt.Before(ordered[2].CreatedAt))

	exists, err := repo.ConversationExists(ctx, conv)
	gt.NoError(t, err)
	gt.True(t, exists)

	exists, err = repo.ConversationExists(ctx, model.NewConversationID())
	gt.NoError(t, err)
	gt.False(t, exists)
}
