package repository

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/model"
)

// ErrAlreadyClaimed signals that a uniqueness-constrained insert lost the
// race: the turn, summary window, or job lock is already owned. This is a
// normal skip signal, not a failure.
var ErrAlreadyClaimed = goerr.New("already claimed")

// EntryHit is a similarity search result for a knowledge entry
type EntryHit struct {
	Entry      *model.KnowledgeEntry
	Similarity float64
}

// ChunkHit is a similarity search result for a memory chunk
type ChunkHit struct {
	Chunk      *model.MemoryChunk
	Similarity float64
}

// SimilarInput scopes a vector similarity query. MinSimilarity of zero
// disables filtering. Category and SourceType apply to entry queries only.
type SimilarInput struct {
	UserID        string
	Embedding     []float32
	Limit         int
	MinSimilarity float64
	Category      string
	SourceType    model.SourceType
}

// ListEntriesInput scopes an exact (non-vector) entry query
type ListEntriesInput struct {
	UserID     string
	Category   string
	SourceType model.SourceType
	Tag        string
	ActiveOnly bool
	Limit      int
	Offset     int
}

// Repository defines persistence for the memory engine. Every operation is
// scoped to one user, so implementations shard trivially by user identifier.
type Repository interface {
	// PutEntry saves a knowledge entry, overwriting any previous version
	PutEntry(ctx context.Context, entry *model.KnowledgeEntry) error

	// GetEntry retrieves an entry by ID
	GetEntry(ctx context.Context, id model.EntryID) (*model.KnowledgeEntry, error)

	// ListEntries retrieves entries by exact filters, newest first. Entries
	// without embeddings are visible here even though similarity search
	// excludes them.
	ListEntries(ctx context.Context, input ListEntriesInput) ([]*model.KnowledgeEntry, error)

	// SearchSimilarEntries performs vector search over active, unexpired,
	// embedded entries of one user
	SearchSimilarEntries(ctx context.Context, input SimilarInput) ([]*EntryHit, error)

	// ListEntriesMissingEmbedding selects backfill targets. Always re-selects
	// from scratch so backfill is resumable by construction.
	ListEntriesMissingEmbedding(ctx context.Context, userID string, sourceType model.SourceType, limit int) ([]*model.KnowledgeEntry, error)

	// ListExpiredEntries selects entries past their expiry for the reaper
	ListExpiredEntries(ctx context.Context, userID string, now time.Time, limit int) ([]*model.KnowledgeEntry, error)

	// DeleteEntry permanently removes an entry. Only the reaper calls this.
	DeleteEntry(ctx context.Context, id model.EntryID) error

	// PutChunks writes all chunks of one turn atomically: all succeed or
	// none do, keeping the ledger claim meaningful
	PutChunks(ctx context.Context, chunks []*model.MemoryChunk) error

	// GetChunk retrieves a chunk by ID
	GetChunk(ctx context.Context, id model.ChunkID) (*model.MemoryChunk, error)

	// SearchSimilarChunks performs vector search over one user's chunks
	SearchSimilarChunks(ctx context.Context, input SimilarInput) ([]*ChunkHit, error)

	// ListChunksByTurn retrieves the chunks extracted from one turn
	ListChunksByTurn(ctx context.Context, turnID model.TurnID) ([]*model.MemoryChunk, error)

	// ListChunksByUser retrieves all chunks of one user, newest first
	ListChunksByUser(ctx context.Context, userID string, limit int) ([]*model.MemoryChunk, error)

	// DeleteChunk permanently removes a chunk. Only the reaper calls this.
	DeleteChunk(ctx context.Context, id model.ChunkID) error

	// PutTurn saves a conversational turn
	PutTurn(ctx context.Context, turn *model.Turn) error

	// GetTurn retrieves a turn by ID
	GetTurn(ctx context.Context, id model.TurnID) (*model.Turn, error)

	// ListRecentTurns retrieves the newest turns of one user
	ListRecentTurns(ctx context.Context, userID string, limit int) ([]*model.Turn, error)

	// ListTurnsByConversation retrieves a conversation's turns, oldest first
	ListTurnsByConversation(ctx context.Context, conversationID model.ConversationID, limit int) ([]*model.Turn, error)

	// ConversationExists reports whether any turn of the conversation
	// survives. Used for orphan detection, never for cascading deletes.
	ConversationExists(ctx context.Context, conversationID model.ConversationID) (bool, error)

	// ClaimTurn inserts the turn into the dedupe ledger. Returns
	// ErrAlreadyClaimed if the turn was claimed before; exactly one of two
	// concurrent claims succeeds.
	ClaimTurn(ctx context.Context, id model.TurnID) error

	// ClaimSummaryWindow claims one summary window of a conversation through
	// the same ledger, making summary production at-most-once per window
	ClaimSummaryWindow(ctx context.Context, conversationID model.ConversationID, window int) error

	// UpdateTurnStatus records indexing progress on the ledger record
	UpdateTurnStatus(ctx context.Context, id model.TurnID, status model.TurnStatus, errMsg string) error

	// GetTurnRecord retrieves the ledger record of a turn
	GetTurnRecord(ctx context.Context, id model.TurnID) (*model.TurnRecord, error)

	// AcquireJobLock takes the per-scope maintenance lock for a job type.
	// Returns a release function, or ErrAlreadyClaimed while another holder
	// is live. Locks older than staleAfter are taken over.
	AcquireJobLock(ctx context.Context, job, userID string, staleAfter time.Duration) (func(), error)

	// Close releases client resources
	Close() error
}
