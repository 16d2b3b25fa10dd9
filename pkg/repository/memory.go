package repository

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/model"
)

// Memory implements Repository in process. It backs local (offline) mode and
// the hermetic test suite; it honors the same contract as Firestore,
// including the uniqueness-constrained ledger claim.
type Memory struct {
	mu      sync.RWMutex
	entries map[model.EntryID]*model.KnowledgeEntry
	chunks  map[model.ChunkID]*model.MemoryChunk
	turns   map[model.TurnID]*model.Turn
	ledger  map[string]*model.TurnRecord
	locks   map[string]memLock
}

type memLock struct {
	owner      string
	acquiredAt time.Time
}

// NewMemory creates an empty in-process repository
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[model.EntryID]*model.KnowledgeEntry),
		chunks:  make(map[model.ChunkID]*model.MemoryChunk),
		turns:   make(map[model.TurnID]*model.Turn),
		ledger:  make(map[string]*model.TurnRecord),
		locks:   make(map[string]memLock),
	}
}

func (r *Memory) Close() error {
	return nil
}

func (r *Memory) PutEntry(_ context.Context, entry *model.KnowledgeEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *entry
	r.entries[entry.ID] = &cp
	return nil
}

func (r *Memory) GetEntry(_ context.Context, id model.EntryID) (*model.KnowledgeEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrEntryNotFound, "no such entry", goerr.V("id", id))
	}
	cp := *entry
	return &cp, nil
}

func (r *Memory) ListEntries(_ context.Context, input ListEntriesInput) ([]*model.KnowledgeEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []*model.KnowledgeEntry
	for _, e := range r.entries {
		if e.UserID != input.UserID {
			continue
		}
		if input.Category != "" && e.Category != input.Category {
			continue
		}
		if input.SourceType != "" && e.SourceType != input.SourceType {
			continue
		}
		if input.Tag != "" && !containsTag(e.Tags, input.Tag) {
			continue
		}
		if input.ActiveOnly && !e.IsActive {
			continue
		}
		cp := *e
		entries = append(entries, &cp)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return paginate(entries, input.Offset, input.Limit), nil
}

func (r *Memory) SearchSimilarEntries(_ context.Context, input SimilarInput) ([]*EntryHit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	var hits []*EntryHit
	for _, e := range r.entries {
		if e.UserID != input.UserID || !e.Retrievable(now) || !e.HasEmbedding() {
			continue
		}
		if input.Category != "" && e.Category != input.Category {
			continue
		}
		if input.SourceType != "" && e.SourceType != input.SourceType {
			continue
		}
		sim := cosineSimilarity(input.Embedding, e.Embedding)
		if input.MinSimilarity > 0 && sim < input.MinSimilarity {
			continue
		}
		cp := *e
		hits = append(hits, &EntryHit{Entry: &cp, Similarity: sim})
	}

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if input.Limit > 0 && len(hits) > input.Limit {
		hits = hits[:input.Limit]
	}
	return hits, nil
}

func (r *Memory) SearchSimilarChunks(_ context.Context, input SimilarInput) ([]*ChunkHit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var hits []*ChunkHit
	for _, c := range r.chunks {
		if c.UserID != input.UserID || len(c.Embedding) == 0 {
			continue
		}
		sim := cosineSimilarity(input.Embedding, c.Embedding)
		if input.MinSimilarity > 0 && sim < input.MinSimilarity {
			continue
		}
		cp := *c
		hits = append(hits, &ChunkHit{Chunk: &cp, Similarity: sim})
	}

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if input.Limit > 0 && len(hits) > input.Limit {
		hits = hits[:input.Limit]
	}
	return hits, nil
}

func (r *Memory) ListEntriesMissingEmbedding(_ context.Context, userID string, sourceType model.SourceType, limit int) ([]*model.KnowledgeEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []*model.KnowledgeEntry
	for _, e := range r.entries {
		if e.UserID != userID || e.HasEmbedding() || !e.IsActive {
			continue
		}
		if sourceType != "" && e.SourceType != sourceType {
			continue
		}
		cp := *e
		entries = append(entries, &cp)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (r *Memory) ListExpiredEntries(_ context.Context, userID string, now time.Time, limit int) ([]*model.KnowledgeEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []*model.KnowledgeEntry
	for _, e := range r.entries {
		if e.UserID != userID || !e.Expired(now) {
			continue
		}
		cp := *e
		entries = append(entries, &cp)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (r *Memory) DeleteEntry(_ context.Context, id model.EntryID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	return nil
}

func (r *Memory) PutChunks(_ context.Context, chunks []*model.MemoryChunk) error {
	for _, chunk := range chunks {
		if err := chunk.Validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, chunk := range chunks {
		if _, exists := r.chunks[chunk.ID]; exists {
			return goerr.New("chunk already exists", goerr.V("id", chunk.ID))
		}
	}
	for _, chunk := range chunks {
		cp := *chunk
		r.chunks[chunk.ID] = &cp
	}
	return nil
}

func (r *Memory) GetChunk(_ context.Context, id model.ChunkID) (*model.MemoryChunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chunk, ok := r.chunks[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrChunkNotFound, "no such chunk", goerr.V("id", id))
	}
	cp := *chunk
	return &cp, nil
}

func (r *Memory) ListChunksByTurn(_ context.Context, turnID model.TurnID) ([]*model.MemoryChunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var chunks []*model.MemoryChunk
	for _, c := range r.chunks {
		if c.TurnID != turnID {
			continue
		}
		cp := *c
		chunks = append(chunks, &cp)
	}
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Content < chunks[j].Content
	})
	return chunks, nil
}

func (r *Memory) ListChunksByUser(_ context.Context, userID string, limit int) ([]*model.MemoryChunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var chunks []*model.MemoryChunk
	for _, c := range r.chunks {
		if c.UserID != userID {
			continue
		}
		cp := *c
		chunks = append(chunks, &cp)
	}
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].CreatedAt.After(chunks[j].CreatedAt)
	})
	if limit > 0 && len(chunks) > limit {
		chunks = chunks[:limit]
	}
	return chunks, nil
}

func (r *Memory) DeleteChunk(_ context.Context, id model.ChunkID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chunks, id)
	return nil
}

func (r *Memory) PutTurn(_ context.Context, turn *model.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *turn
	r.turns[turn.ID] = &cp
	return nil
}

func (r *Memory) GetTurn(_ context.Context, id model.TurnID) (*model.Turn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	turn, ok := r.turns[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrTurnNotFound, "no such turn", goerr.V("id", id))
	}
	cp := *turn
	return &cp, nil
}

func (r *Memory) ListRecentTurns(_ context.Context, userID string, limit int) ([]*model.Turn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var turns []*model.Turn
	for _, t := range r.turns {
		if t.UserID != userID {
			continue
		}
		cp := *t
		turns = append(turns, &cp)
	}
	sort.Slice(turns, func(i, j int) bool {
		return turns[i].CreatedAt.After(turns[j].CreatedAt)
	})
	if limit > 0 && len(turns) > limit {
		turns = turns[:limit]
	}
	return turns, nil
}

func (r *Memory) ListTurnsByConversation(_ context.Context, conversationID model.ConversationID, limit int) ([]*model.Turn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var turns []*model.Turn
	for _, t := range r.turns {
		if t.ConversationID != conversationID {
			continue
		}
		cp := *t
		turns = append(turns, &cp)
	}
	sort.Slice(turns, func(i, j int) bool {
		return turns[i].CreatedAt.Before(turns[j].CreatedAt)
	})
	if limit > 0 && len(turns) > limit {
		turns = turns[:limit]
	}
	return turns, nil
}

func (r *Memory) ConversationExists(_ context.Context, conversationID model.ConversationID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.turns {
		if t.ConversationID == conversationID {
			return true, nil
		}
	}
	return false, nil
}

func (r *Memory) ClaimTurn(_ context.Context, id model.TurnID) error {
	return r.claim(string(id), id)
}

func (r *Memory) ClaimSummaryWindow(_ context.Context, conversationID model.ConversationID, window int) error {
	key := summaryClaimKey(conversationID, window)
	return r.claim(key, model.TurnID(key))
}

func (r *Memory) claim(key string, id model.TurnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.ledger[key]; taken {
		return goerr.Wrap(ErrAlreadyClaimed, "ledger key taken", goerr.V("key", key))
	}
	now := time.Now()
	r.ledger[key] = &model.TurnRecord{
		TurnID:    id,
		Status:    model.TurnStatusPending,
		ClaimedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func (r *Memory) UpdateTurnStatus(_ context.Context, id model.TurnID, st model.TurnStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.ledger[string(id)]
	if !ok {
		return goerr.Wrap(model.ErrTurnNotFound, "turn not in ledger", goerr.V("id", id))
	}
	record.Status = st
	record.Error = errMsg
	record.UpdatedAt = time.Now()
	return nil
}

func (r *Memory) GetTurnRecord(_ context.Context, id model.TurnID) (*model.TurnRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.ledger[string(id)]
	if !ok {
		return nil, goerr.Wrap(model.ErrTurnNotFound, "turn not in ledger", goerr.V("id", id))
	}
	cp := *record
	return &cp, nil
}

func (r *Memory) AcquireJobLock(_ context.Context, job, userID string, staleAfter time.Duration) (func(), error) {
	key := job + ":" + userID
	owner := uuid.New().String()

	r.mu.Lock()
	defer r.mu.Unlock()
	if held, ok := r.locks[key]; ok && time.Since(held.acquiredAt) < staleAfter {
		return nil, goerr.Wrap(ErrAlreadyClaimed, "job lock held", goerr.V("key", key))
	}
	r.locks[key] = memLock{owner: owner, acquiredAt: time.Now()}

	release := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		// Delete only if still owned, so a takeover is not clobbered
		if held, ok := r.locks[key]; ok && held.owner == owner {
			delete(r.locks, key)
		}
	}
	return release, nil
}

// cosineSimilarity computes exact cosine similarity between two vectors
func cosineSimilarity(a []float32, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

func paginate(entries []*model.KnowledgeEntry, offset, limit int) []*model.KnowledgeEntry {
	if offset >= len(entries) {
		return nil
	}
	entries = entries[offset:]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries
}
