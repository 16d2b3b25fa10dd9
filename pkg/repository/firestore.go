package repository

import (
	"context"
	"strconv"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	collectionEntries = "entries"
	collectionChunks  = "chunks"
	collectionTurns   = "turns"
	collectionLedger  = "turn_ledger"
	collectionLocks   = "job_locks"
)

// Firestore implements Repository on Cloud Firestore. Vector similarity uses
// FindNearest with cosine distance; the dedupe ledger and job locks rely on
// Create as the uniqueness-constrained insert.
type Firestore struct {
	client *firestore.Client
}

// New creates a new Firestore repository
func New(ctx context.Context, projectID, databaseID string) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project", projectID), goerr.V("database", databaseID))
	}
	return &Firestore{client: client}, nil
}

func (r *Firestore) Close() error {
	return r.client.Close()
}

func (r *Firestore) PutEntry(ctx context.Context, entry *model.KnowledgeEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if _, err := r.client.Collection(collectionEntries).Doc(string(entry.ID)).Set(ctx, entry); err != nil {
		return goerr.Wrap(err, "failed to put entry", goerr.V("id", entry.ID))
	}
	return nil
}

func (r *Firestore) GetEntry(ctx context.Context, id model.EntryID) (*model.KnowledgeEntry, error) {
	doc, err := r.client.Collection(collectionEntries).Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrEntryNotFound, "no such entry", goerr.V("id", id))
		}
		return nil, goerr.Wrap(err, "failed to get entry", goerr.V("id", id))
	}

	var entry model.KnowledgeEntry
	if err := doc.DataTo(&entry); err != nil {
		return nil, goerr.Wrap(err, "failed to decode entry", goerr.V("id", id))
	}
	return &entry, nil
}

func (r *Firestore) ListEntries(ctx context.Context, input ListEntriesInput) ([]*model.KnowledgeEntry, error) {
	q := r.client.Collection(collectionEntries).Query.Where("UserID", "==", input.UserID)
	if input.Category != "" {
		q = q.Where("Category", "==", input.Category)
	}
	if input.SourceType != "" {
		q = q.Where("SourceType", "==", string(input.SourceType))
	}
	if input.Tag != "" {
		q = q.Where("Tags", "array-contains", input.Tag)
	}
	if input.ActiveOnly {
		q = q.Where("IsActive", "==", true)
	}
	q = q.OrderBy("CreatedAt", firestore.Desc)
	if input.Offset > 0 {
		q = q.Offset(input.Offset)
	}
	if input.Limit > 0 {
		q = q.Limit(input.Limit)
	}

	var entries []*model.KnowledgeEntry
	iter := q.Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to list entries", goerr.V("user", input.UserID))
		}
		var entry model.KnowledgeEntry
		if err := doc.DataTo(&entry); err != nil {
			return nil, goerr.Wrap(err, "failed to decode entry", goerr.V("doc", doc.Ref.ID))
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (r *Firestore) SearchSimilarEntries(ctx context.Context, input SimilarInput) ([]*EntryHit, error) {
	q := r.client.Collection(collectionEntries).Query.
		Where("UserID", "==", input.UserID).
		Where("IsActive", "==", true)
	if input.Category != "" {
		q = q.Where("Category", "==", input.Category)
	}
	if input.SourceType != "" {
		q = q.Where("SourceType", "==", string(input.SourceType))
	}

	var hits []*EntryHit
	err := r.searchNearest(ctx, q, input, func(doc *firestore.DocumentSnapshot, sim float64) error {
		var entry model.KnowledgeEntry
		if err := doc.DataTo(&entry); err != nil {
			return goerr.Wrap(err, "failed to decode entry", goerr.V("doc", doc.Ref.ID))
		}
		if !entry.Retrievable(time.Now()) {
			return nil
		}
		hits = append(hits, &EntryHit{Entry: &entry, Similarity: sim})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

func (r *Firestore) SearchSimilarChunks(ctx context.Context, input SimilarInput) ([]*ChunkHit, error) {
	q := r.client.Collection(collectionChunks).Query.Where("UserID", "==", input.UserID)

	var hits []*ChunkHit
	err := r.searchNearest(ctx, q, input, func(doc *firestore.DocumentSnapshot, sim float64) error {
		var chunk model.MemoryChunk
		if err := doc.DataTo(&chunk); err != nil {
			return goerr.Wrap(err, "failed to decode chunk", goerr.V("doc", doc.Ref.ID))
		}
		hits = append(hits, &ChunkHit{Chunk: &chunk, Similarity: sim})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// searchNearest runs a cosine FindNearest query and reports similarity
// (1 - cosine distance) per document. Documents without an embedding never
// match a vector query, satisfying the null-embedding exclusion.
func (r *Firestore) searchNearest(ctx context.Context, q firestore.Query, input SimilarInput, visit func(*firestore.DocumentSnapshot, float64) error) error {
	opts := &firestore.FindNearestOptions{
		DistanceResultField: "vector_distance",
	}
	if input.MinSimilarity > 0 {
		threshold := 1.0 - input.MinSimilarity
		opts.DistanceThreshold = &threshold
	}

	vq := q.FindNearest("Embedding",
		firestore.Vector32(input.Embedding), input.Limit,
		firestore.DistanceMeasureCosine, opts)

	iter := vq.Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return goerr.Wrap(err, "failed to run vector search", goerr.V("user", input.UserID))
		}

		sim := 0.0
		if dist, ok := doc.Data()["vector_distance"].(float64); ok {
			sim = 1.0 - dist
		}
		if input.MinSimilarity > 0 && sim < input.MinSimilarity {
			continue
		}
		if err := visit(doc, sim); err != nil {
			return err
		}
	}
	return nil
}

func (r *Firestore) ListEntriesMissingEmbedding(ctx context.Context, userID string, sourceType model.SourceType, limit int) ([]*model.KnowledgeEntry, error) {
	q := r.client.Collection(collectionEntries).Query.
		Where("UserID", "==", userID).
		Where("Embedding", "==", nil).
		Where("IsActive", "==", true)
	if sourceType != "" {
		q = q.Where("SourceType", "==", string(sourceType))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return r.collectEntries(ctx, q)
}

func (r *Firestore) ListExpiredEntries(ctx context.Context, userID string, now time.Time, limit int) ([]*model.KnowledgeEntry, error) {
	q := r.client.Collection(collectionEntries).Query.
		Where("UserID", "==", userID).
		Where("ExpiresAt", "<=", now)
	if limit > 0 {
		q = q.Limit(limit)
	}
	return r.collectEntries(ctx, q)
}

func (r *Firestore) collectEntries(ctx context.Context, q firestore.Query) ([]*model.KnowledgeEntry, error) {
	var entries []*model.KnowledgeEntry
	iter := q.Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate entries")
		}
		var entry model.KnowledgeEntry
		if err := doc.DataTo(&entry); err != nil {
			return nil, goerr.Wrap(err, "failed to decode entry", goerr.V("doc", doc.Ref.ID))
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

func (r *Firestore) DeleteEntry(ctx context.Context, id model.EntryID) error {
	if _, err := r.client.Collection(collectionEntries).Doc(string(id)).Delete(ctx); err != nil {
		return goerr.Wrap(err, "failed to delete entry", goerr.V("id", id))
	}
	return nil
}

func (r *Firestore) PutChunks(ctx context.Context, chunks []*model.MemoryChunk) error {
	for _, chunk := range chunks {
		if err := chunk.Validate(); err != nil {
			return err
		}
	}

	// One transaction per turn batch: all chunks land or none do
	err := r.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		for _, chunk := range chunks {
			ref := r.client.Collection(collectionChunks).Doc(string(chunk.ID))
			if err := tx.Create(ref, chunk); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return goerr.Wrap(err, "failed to write chunk batch", goerr.V("count", len(chunks)))
	}
	return nil
}

func (r *Firestore) GetChunk(ctx context.Context, id model.ChunkID) (*model.MemoryChunk, error) {
	doc, err := r.client.Collection(collectionChunks).Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrChunkNotFound, "no such chunk", goerr.V("id", id))
		}
		return nil, goerr.Wrap(err, "failed to get chunk", goerr.V("id", id))
	}

	var chunk model.MemoryChunk
	if err := doc.DataTo(&chunk); err != nil {
		return nil, goerr.Wrap(err, "failed to decode chunk", goerr.V("id", id))
	}
	return &chunk, nil
}

func (r *Firestore) ListChunksByTurn(ctx context.Context, turnID model.TurnID) ([]*model.MemoryChunk, error) {
	q := r.client.Collection(collectionChunks).Query.Where("TurnID", "==", string(turnID))
	return r.collectChunks(ctx, q)
}

func (r *Firestore) ListChunksByUser(ctx context.Context, userID string, limit int) ([]*model.MemoryChunk, error) {
	q := r.client.Collection(collectionChunks).Query.
		Where("UserID", "==", userID).
		OrderBy("CreatedAt", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	return r.collectChunks(ctx, q)
}

func (r *Firestore) collectChunks(ctx context.Context, q firestore.Query) ([]*model.MemoryChunk, error) {
	var chunks []*model.MemoryChunk
	iter := q.Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate chunks")
		}
		var chunk model.MemoryChunk
		if err := doc.DataTo(&chunk); err != nil {
			return nil, goerr.Wrap(err, "failed to decode chunk", goerr.V("doc", doc.Ref.ID))
		}
		chunks = append(chunks, &chunk)
	}
	return chunks, nil
}

func (r *Firestore) DeleteChunk(ctx context.Context, id model.ChunkID) error {
	if _, err := r.client.Collection(collectionChunks).Doc(string(id)).Delete(ctx); err != nil {
		return goerr.Wrap(err, "failed to delete chunk", goerr.V("id", id))
	}
	return nil
}

func (r *Firestore) PutTurn(ctx context.Context, turn *model.Turn) error {
	if _, err := r.client.Collection(collectionTurns).Doc(string(turn.ID)).Set(ctx, turn); err != nil {
		return goerr.Wrap(err, "failed to put turn", goerr.V("id", turn.ID))
	}
	return nil
}

func (r *Firestore) GetTurn(ctx context.Context, id model.TurnID) (*model.Turn, error) {
	doc, err := r.client.Collection(collectionTurns).Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrTurnNotFound, "no such turn", goerr.V("id", id))
		}
		return nil, goerr.Wrap(err, "failed to get turn", goerr.V("id", id))
	}

	var turn model.Turn
	if err := doc.DataTo(&turn); err != nil {
		return nil, goerr.Wrap(err, "failed to decode turn", goerr.V("id", id))
	}
	return &turn, nil
}

func (r *Firestore) ListRecentTurns(ctx context.Context, userID string, limit int) ([]*model.Turn, error) {
	q := r.client.Collection(collectionTurns).Query.
		Where("UserID", "==", userID).
		OrderBy("CreatedAt", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	return r.collectTurns(ctx, q)
}

func (r *Firestore) ListTurnsByConversation(ctx context.Context, conversationID model.ConversationID, limit int) ([]*model.Turn, error) {
	q := r.client.Collection(collectionTurns).Query.
		Where("ConversationID", "==", string(conversationID)).
		OrderBy("CreatedAt", firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	return r.collectTurns(ctx, q)
}

func (r *Firestore) collectTurns(ctx context.Context, q firestore.Query) ([]*model.Turn, error) {
	var turns []*model.Turn
	iter := q.Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate turns")
		}
		var turn model.Turn
		if err := doc.DataTo(&turn); err != nil {
			return nil, goerr.Wrap(err, "failed to decode turn", goerr.V("doc", doc.Ref.ID))
		}
		turns = append(turns, &turn)
	}
	return turns, nil
}

func (r *Firestore) ConversationExists(ctx context.Context, conversationID model.ConversationID) (bool, error) {
	iter := r.client.Collection(collectionTurns).Query.
		Where("ConversationID", "==", string(conversationID)).
		Limit(1).Documents(ctx)
	defer iter.Stop()

	_, err := iter.Next()
	if err == iterator.Done {
		return false, nil
	}
	if err != nil {
		return false, goerr.Wrap(err, "failed to check conversation", goerr.V("id", conversationID))
	}
	return true, nil
}

func (r *Firestore) ClaimTurn(ctx context.Context, id model.TurnID) error {
	return r.claim(ctx, string(id), model.TurnRecord{
		TurnID:    id,
		Status:    model.TurnStatusPending,
		ClaimedAt: time.Now(),
		UpdatedAt: time.Now(),
	})
}

func (r *Firestore) ClaimSummaryWindow(ctx context.Context, conversationID model.ConversationID, window int) error {
	key := summaryClaimKey(conversationID, window)
	return r.claim(ctx, key, model.TurnRecord{
		TurnID:    model.TurnID(key),
		Status:    model.TurnStatusPending,
		ClaimedAt: time.Now(),
		UpdatedAt: time.Now(),
	})
}

// claim performs the uniqueness-constrained ledger insert. Create fails with
// AlreadyExists when the key is taken; exactly one concurrent claim wins.
func (r *Firestore) claim(ctx context.Context, key string, record model.TurnRecord) error {
	_, err := r.client.Collection(collectionLedger).Doc(key).Create(ctx, record)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return goerr.Wrap(ErrAlreadyClaimed, "ledger key taken", goerr.V("key", key))
		}
		return goerr.Wrap(err, "failed to claim ledger key", goerr.V("key", key))
	}
	return nil
}

func (r *Firestore) UpdateTurnStatus(ctx context.Context, id model.TurnID, st model.TurnStatus, errMsg string) error {
	_, err := r.client.Collection(collectionLedger).Doc(string(id)).Update(ctx, []firestore.Update{
		{Path: "Status", Value: string(st)},
		{Path: "Error", Value: errMsg},
		{Path: "UpdatedAt", Value: time.Now()},
	})
	if err != nil {
		return goerr.Wrap(err, "failed to update turn status",
			goerr.V("id", id), goerr.V("status", st))
	}
	return nil
}

func (r *Firestore) GetTurnRecord(ctx context.Context, id model.TurnID) (*model.TurnRecord, error) {
	doc, err := r.client.Collection(collectionLedger).Doc(string(id)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, goerr.Wrap(model.ErrTurnNotFound, "turn not in ledger", goerr.V("id", id))
		}
		return nil, goerr.Wrap(err, "failed to get turn record", goerr.V("id", id))
	}

	var record model.TurnRecord
	if err := doc.DataTo(&record); err != nil {
		return nil, goerr.Wrap(err, "failed to decode turn record", goerr.V("id", id))
	}
	return &record, nil
}

type jobLock struct {
	Owner      string
	AcquiredAt time.Time
}

func (r *Firestore) AcquireJobLock(ctx context.Context, job, userID string, staleAfter time.Duration) (func(), error) {
	ref := r.client.Collection(collectionLocks).Doc(job + ":" + userID)
	owner := uuid.New().String()

	err := r.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil {
			var held jobLock
			if err := doc.DataTo(&held); err != nil {
				return err
			}
			// Fresh lock: somebody is running. Stale lock: holder died, take over.
			if time.Since(held.AcquiredAt) < staleAfter {
				return ErrAlreadyClaimed
			}
		}
		return tx.Set(ref, jobLock{Owner: owner, AcquiredAt: time.Now()})
	})
	if err != nil {
		return nil, err
	}

	release := func() {
		// Delete only if still owned, so a takeover is not clobbered
		_ = r.client.RunTransaction(context.Background(), func(_ context.Context, tx *firestore.Transaction) error {
			doc, err := tx.Get(ref)
			if err != nil {
				return err
			}
			var held jobLock
			if err := doc.DataTo(&held); err != nil {
				return err
			}
			if held.Owner != owner {
				return nil
			}
			return tx.Delete(ref)
		})
	}
	return release, nil
}

func summaryClaimKey(conversationID model.ConversationID, window int) string {
	return "summary:" + string(conversationID) + ":" + strconv.Itoa(window)
}
