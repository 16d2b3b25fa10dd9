package model

import (
	"time"

	"github.com/google/uuid"
)

type TurnID string

// NewTurnID generates a new unique TurnID
func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

type ConversationID string

// NewConversationID generates a new unique ConversationID
func NewConversationID() ConversationID {
	return ConversationID(uuid.New().String())
}

type TurnRole string

const (
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
)

// Turn is one conversational message. Turns are persisted by the upstream
// chat layer; the engine reads them for the recency window and summary mode.
type Turn struct {
	ID             TurnID
	ConversationID ConversationID
	UserID         string
	Role           TurnRole
	Content        string
	CreatedAt      time.Time
}

// TurnStatus tracks per-turn indexing progress in the dedupe ledger
type TurnStatus string

const (
	TurnStatusPending    TurnStatus = "pending"
	TurnStatusExtracting TurnStatus = "extracting"
	TurnStatusEmbedding  TurnStatus = "embedding"
	TurnStatusWriting    TurnStatus = "writing"
	TurnStatusDone       TurnStatus = "done"
	TurnStatusFailed     TurnStatus = "failed"
)

// TurnRecord is the dedupe-ledger row for a claimed turn. The record is
// created exactly once per turn via a uniqueness-constrained insert; a failed
// insert means the turn is already handled.
type TurnRecord struct {
	TurnID    TurnID
	Status    TurnStatus
	Error     string
	ClaimedAt time.Time
	UpdatedAt time.Time
}
