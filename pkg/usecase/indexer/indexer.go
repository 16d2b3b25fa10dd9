// Package indexer consumes newly created turns and writes extracted memory
// chunks. Processing is at-most-once per turn: a uniqueness-constrained
// ledger claim serializes concurrent deliveries, and all chunks of one turn
// are written atomically so the claim stays meaningful.
package indexer

import (
	"context"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/adapter"
	"github.com/m-mizutani/kioku/pkg/extract"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/repository"
	"github.com/m-mizutani/kioku/pkg/utils/logging"
)

// UseCase provides background indexing of conversational turns
type UseCase struct {
	repo         repository.Repository
	embedder     adapter.Embedder
	extractor    *extract.Extractor
	summaryEvery int
}

type Option func(*UseCase)

// WithExtractor replaces the default extractor
func WithExtractor(x *extract.Extractor) Option {
	return func(u *UseCase) {
		u.extractor = x
	}
}

// WithSummaryEvery sets how many user turns accumulate before one summary
// chunk is produced for the conversation
func WithSummaryEvery(n int) Option {
	return func(u *UseCase) {
		u.summaryEvery = n
	}
}

// New creates a new indexer UseCase instance
func New(repo repository.Repository, embedder adapter.Embedder, opts ...Option) *UseCase {
	u := &UseCase{
		repo:         repo,
		embedder:     embedder,
		extractor:    extract.New(),
		summaryEvery: 10,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// OnTurnCreated indexes one turn. A duplicate delivery is a silent skip.
// Once the claim succeeds processing runs to done or failed; a failure
// aborts only this turn and never blocks subsequent turns.
func (u *UseCase) OnTurnCreated(ctx context.Context, turn *model.Turn) error {
	logger := logging.From(ctx)

	if err := u.repo.ClaimTurn(ctx, turn.ID); err != nil {
		if errors.Is(err, repository.ErrAlreadyClaimed) {
			logger.Debug("turn already claimed, skipping", "turn", turn.ID)
			return nil
		}
		return goerr.Wrap(err, "failed to claim turn", goerr.V("turn", turn.ID))
	}

	if err := u.index(ctx, turn); err != nil {
		if uerr := u.repo.UpdateTurnStatus(ctx, turn.ID, model.TurnStatusFailed, err.Error()); uerr != nil {
			logger.Warn("failed to record turn failure", "turn", turn.ID, "error", uerr)
		}
		return goerr.Wrap(err, "failed to index turn", goerr.V("turn", turn.ID))
	}

	// Summary cadence is best effort: a summary failure must not fail the
	// already-indexed turn
	if err := u.maybeSummarize(ctx, turn); err != nil {
		logger.Warn("failed to produce conversation summary",
			"conversation", turn.ConversationID, "error", err)
	}
	return nil
}

func (u *UseCase) index(ctx context.Context, turn *model.Turn) error {
	logger := logging.From(ctx)

	if err := u.repo.UpdateTurnStatus(ctx, turn.ID, model.TurnStatusExtracting, ""); err != nil {
		return err
	}
	candidates := u.extractor.Extract(turn)
	if len(candidates) == 0 {
		logger.Debug("no candidates extracted", "turn", turn.ID)
		return u.repo.UpdateTurnStatus(ctx, turn.ID, model.TurnStatusDone, "")
	}

	if err := u.repo.UpdateTurnStatus(ctx, turn.ID, model.TurnStatusEmbedding, ""); err != nil {
		return err
	}
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Content
	}

	// One batch per turn; a bulk failure aborts the whole turn so the write
	// below stays all-or-nothing
	results, err := u.embedder.Embed(ctx, texts)
	if err != nil {
		return goerr.Wrap(err, "failed to embed candidates", goerr.V("count", len(texts)))
	}

	chunks := make([]*model.MemoryChunk, 0, len(candidates))
	for i, res := range results {
		if res.Err != nil {
			logger.Warn("skipping unembeddable candidate",
				"turn", turn.ID, "error", res.Err)
			continue
		}
		chunks = append(chunks, &model.MemoryChunk{
			ID:             model.NewChunkID(),
			UserID:         turn.UserID,
			ConversationID: turn.ConversationID,
			TurnID:         turn.ID,
			Content:        candidates[i].Content,
			ChunkType:      candidates[i].ChunkType,
			Embedding:      res.Vector,
			Importance:     candidates[i].Importance,
			CreatedAt:      turn.CreatedAt,
		})
	}
	if len(chunks) == 0 {
		return u.repo.UpdateTurnStatus(ctx, turn.ID, model.TurnStatusDone, "")
	}

	if err := u.repo.UpdateTurnStatus(ctx, turn.ID, model.TurnStatusWriting, ""); err != nil {
		return err
	}
	if err := u.repo.PutChunks(ctx, chunks); err != nil {
		return goerr.Wrap(err, "failed to write chunks", goerr.V("count", len(chunks)))
	}

	logger.Info("indexed turn", "turn", turn.ID, "chunks", len(chunks))
	return u.repo.UpdateTurnStatus(ctx, turn.ID, model.TurnStatusDone, "")
}

// maybeSummarize produces one summary chunk per conversation each time
// summaryEvery user turns accumulate. The window claim goes through the
// same ledger, so cadence is at-most-once even under concurrent indexing.
func (u *UseCase) maybeSummarize(ctx context.Context, turn *model.Turn) error {
	turns, err := u.repo.ListTurnsByConversation(ctx, turn.ConversationID, 0)
	if err != nil {
		return err
	}
	userTurns := 0
	for _, t := range turns {
		if t.Role == model.TurnRoleUser {
			userTurns++
		}
	}
	if userTurns == 0 || userTurns%u.summaryEvery != 0 {
		return nil
	}

	return u.summarizeWindow(ctx, turn.UserID, turn.ConversationID, turns, userTurns)
}

// OnConversationClosed produces a final summary for the conversation. The
// window key is the user-turn count, so closing with no new turns since the
// last cadence summary is a no-op.
func (u *UseCase) OnConversationClosed(ctx context.Context, userID string, conversationID model.ConversationID) error {
	turns, err := u.repo.ListTurnsByConversation(ctx, conversationID, 0)
	if err != nil {
		return goerr.Wrap(err, "failed to load conversation", goerr.V("conversation", conversationID))
	}
	userTurns := 0
	for _, t := range turns {
		if t.Role == model.TurnRoleUser {
			userTurns++
		}
	}
	if userTurns == 0 {
		return nil
	}

	return u.summarizeWindow(ctx, userID, conversationID, turns, userTurns)
}

func (u *UseCase) summarizeWindow(ctx context.Context, userID string, conversationID model.ConversationID, turns []*model.Turn, window int) error {
	logger := logging.From(ctx)

	if err := u.repo.ClaimSummaryWindow(ctx, conversationID, window); err != nil {
		if errors.Is(err, repository.ErrAlreadyClaimed) {
			logger.Debug("summary window already produced",
				"conversation", conversationID, "window", window)
			return nil
		}
		return err
	}

	candidate, ok := u.extractor.Summarize(tailTurns(turns, u.summaryEvery*2))
	if !ok {
		return nil
	}

	results, err := u.embedder.Embed(ctx, []string{candidate.Content})
	if err != nil {
		return goerr.Wrap(err, "failed to embed summary", goerr.V("conversation", conversationID))
	}
	if results[0].Err != nil {
		return goerr.Wrap(results[0].Err, "summary text rejected", goerr.V("conversation", conversationID))
	}

	chunk := &model.MemoryChunk{
		ID:             model.NewChunkID(),
		UserID:         userID,
		ConversationID: conversationID,
		Content:        candidate.Content,
		ChunkType:      model.ChunkTypeSummary,
		Embedding:      results[0].Vector,
		Importance:     candidate.Importance,
		Metadata:       map[string]any{"window": window},
		CreatedAt:      lastCreatedAt(turns),
	}
	if err := u.repo.PutChunks(ctx, []*model.MemoryChunk{chunk}); err != nil {
		return goerr.Wrap(err, "failed to write summary chunk", goerr.V("conversation", conversationID))
	}

	logger.Info("produced conversation summary",
		"conversation", conversationID, "window", window)
	return nil
}

// tailTurns keeps the newest n turns, preserving order
func tailTurns(turns []*model.Turn, n int) []*model.Turn {
	if n <= 0 || len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}

func lastCreatedAt(turns []*model.Turn) (last time.Time) {
	for _, t := range turns {
		if t.CreatedAt.After(last) {
			last = t.CreatedAt
		}
	}
	return last
}
