package model

import (
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type ChunkID string

// NewChunkID generates a new unique ChunkID
func NewChunkID() ChunkID {
	return ChunkID(uuid.New().String())
}

type ChunkType string

const (
	ChunkTypeFact         ChunkType = "fact"
	ChunkTypePreference   ChunkType = "preference"
	ChunkTypeDecision     ChunkType = "decision"
	ChunkTypeEvent        ChunkType = "event"
	ChunkTypeRelationship ChunkType = "relationship"
	ChunkTypeSummary      ChunkType = "summary"
)

// Validate checks if the chunk type is valid
func (c ChunkType) Validate() error {
	switch c {
	case ChunkTypeFact, ChunkTypePreference, ChunkTypeDecision, ChunkTypeEvent, ChunkTypeRelationship, ChunkTypeSummary:
		return nil
	default:
		return goerr.Wrap(ErrInvalidChunkType, "unknown chunk type", goerr.V("type", c))
	}
}

// MemoryChunk is a fine-grained fact extracted from one conversational turn.
// ChunkType and Importance are fixed at creation: a correction creates a new
// chunk rather than editing in place, keeping extractor behavior auditable.
// Chunks are immutable after creation and destroyed only by the reaper.
type MemoryChunk struct {
	ID             ChunkID
	UserID         string
	ConversationID ConversationID
	TurnID         TurnID
	Content        string
	ChunkType      ChunkType
	Embedding      firestore.Vector32
	Importance     float64
	Metadata       map[string]any
	CreatedAt      time.Time
}

// Validate checks structural invariants of the chunk
func (c *MemoryChunk) Validate() error {
	if c.ID == "" {
		return goerr.New("chunk ID is empty")
	}
	if c.UserID == "" {
		return goerr.New("chunk user ID is empty", goerr.V("id", c.ID))
	}
	if c.Content == "" {
		return goerr.New("chunk content is empty", goerr.V("id", c.ID))
	}
	if err := c.ChunkType.Validate(); err != nil {
		return err
	}
	if c.Importance < 0 || c.Importance > 1 {
		return goerr.New("chunk importance out of range", goerr.V("id", c.ID), goerr.V("importance", c.Importance))
	}
	return nil
}
