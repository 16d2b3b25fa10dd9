package model

import (
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type EntryID string

// NewEntryID generates a new unique EntryID
func NewEntryID() EntryID {
	return EntryID(uuid.New().String())
}

type SourceType string

const (
	SourceTypeConversation  SourceType = "conversation"
	SourceTypeFile          SourceType = "file"
	SourceTypeEmail         SourceType = "email"
	SourceTypeDriveDocument SourceType = "drive_document"
	SourceTypeManual        SourceType = "manual"
	SourceTypeExtracted     SourceType = "extracted"
)

// Validate checks if the source type is valid
func (s SourceType) Validate() error {
	switch s {
	case SourceTypeConversation, SourceTypeFile, SourceTypeEmail, SourceTypeDriveDocument, SourceTypeManual, SourceTypeExtracted:
		return nil
	default:
		return goerr.Wrap(ErrInvalidSourceType, "unknown source type", goerr.V("type", s))
	}
}

// KnowledgeEntry is a durable knowledge unit. SourceID is a weak back
// reference to an external source entity, never ownership: a vanished source
// makes the entry an orphan candidate, it does not cascade deletion.
type KnowledgeEntry struct {
	ID         EntryID
	UserID     string
	SourceType SourceType
	SourceID   string
	Category   string
	Title      string
	Content    string
	Embedding  firestore.Vector32
	Importance float64
	Tags       []string
	Metadata   map[string]any

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt *time.Time

	IsActive   bool
	MergedInto EntryID
}

// Validate checks structural invariants of the entry
func (e *KnowledgeEntry) Validate() error {
	if e.ID == "" {
		return goerr.New("entry ID is empty")
	}
	if e.UserID == "" {
		return goerr.New("entry user ID is empty", goerr.V("id", e.ID))
	}
	if e.Content == "" {
		return goerr.New("entry content is empty", goerr.V("id", e.ID))
	}
	if err := e.SourceType.Validate(); err != nil {
		return err
	}
	if e.Importance < 0 || e.Importance > 1 {
		return goerr.New("entry importance out of range", goerr.V("id", e.ID), goerr.V("importance", e.Importance))
	}
	return nil
}

// Expired reports whether the entry is past its expiry at the given time
func (e *KnowledgeEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// Retrievable reports whether the entry may appear in any retrieval result.
// Inactive and expired entries are invisible; only the reaper removes them.
func (e *KnowledgeEntry) Retrievable(now time.Time) bool {
	return e.IsActive && !e.Expired(now)
}

// HasEmbedding reports whether the entry participates in similarity search.
// Entries without an embedding stay visible to exact and category queries.
func (e *KnowledgeEntry) HasEmbedding() bool {
	return len(e.Embedding) > 0
}

// AddTags unions the given tags into the entry, preserving existing order
func (e *KnowledgeEntry) AddTags(tags []string) {
	seen := make(map[string]bool, len(e.Tags))
	for _, t := range e.Tags {
		seen[t] = true
	}
	for _, t := range tags {
		if !seen[t] {
			e.Tags = append(e.Tags, t)
			seen[t] = true
		}
	}
}
