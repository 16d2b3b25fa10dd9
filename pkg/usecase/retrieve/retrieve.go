// Package retrieve assembles ranked, budget-limited context bundles. It is
// read-only and side-effect-free; any number of retrievals may run
// concurrently.
package retrieve

import (
	"context"
	"sort"

	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/repository"
	"github.com/m-mizutani/kioku/pkg/utils/logging"
	"golang.org/x/sync/errgroup"
)

// UseCase provides ranked retrieval over the knowledge store
type UseCase struct {
	repo repository.Repository

	recentTurns       int
	topK              int
	recencyImportance float64
}

type Option func(*UseCase)

// WithRecentTurns sets the recency window size
func WithRecentTurns(n int) Option {
	return func(u *UseCase) {
		u.recentTurns = n
	}
}

// WithTopK bounds each similarity query
func WithTopK(k int) Option {
	return func(u *UseCase) {
		u.topK = k
	}
}

// WithRecencyImportance sets the fixed pseudo-importance of recency items
func WithRecencyImportance(v float64) Option {
	return func(u *UseCase) {
		u.recencyImportance = v
	}
}

// New creates a new retrieval UseCase instance
func New(repo repository.Repository, opts ...Option) *UseCase {
	u := &UseCase{
		repo:              repo,
		recentTurns:       6,
		topK:              10,
		recencyImportance: 0.4,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Input scopes one retrieval. The query embedding is computed by the caller
// through the same embedding contract, guaranteeing vector-space
// compatibility. MinSimilarity of zero disables threshold filtering for
// explicit browsing.
type Input struct {
	UserID         string
	QueryEmbedding []float32
	MinSimilarity  float64
	Category       string
	SourceType     model.SourceType

	// Budget: greedy acceptance in rank order, an item is never split.
	// Zero means unlimited for that dimension.
	MaxItems  int
	MaxTokens int
}

// Retrieve returns the composite-ranked context bundle for a query.
// Retrieval never hard-fails the surrounding turn: if the store is
// unreachable it returns an empty bundle so the assistant still responds,
// just without memory. If nothing clears the similarity threshold the
// recency window is still returned; the bundle is only empty when the scope
// truly has no data.
func (u *UseCase) Retrieve(ctx context.Context, input Input) *model.RetrievalBundle {
	logger := logging.From(ctx)

	var (
		turns     []*model.Turn
		chunkHits []*repository.ChunkHit
		entryHits []*repository.EntryHit
	)

	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		turns, err = u.repo.ListRecentTurns(ectx, input.UserID, u.recentTurns)
		return err
	})
	eg.Go(func() error {
		var err error
		chunkHits, err = u.repo.SearchSimilarChunks(ectx, repository.SimilarInput{
			UserID:        input.UserID,
			Embedding:     input.QueryEmbedding,
			Limit:         u.topK,
			MinSimilarity: input.MinSimilarity,
		})
		return err
	})
	eg.Go(func() error {
		var err error
		entryHits, err = u.repo.SearchSimilarEntries(ectx, repository.SimilarInput{
			UserID:        input.UserID,
			Embedding:     input.QueryEmbedding,
			Limit:         u.topK,
			MinSimilarity: input.MinSimilarity,
			Category:      input.Category,
			SourceType:    input.SourceType,
		})
		return err
	})
	if err := eg.Wait(); err != nil {
		logger.Warn("retrieval degraded to empty bundle",
			"user", input.UserID, "error", err)
		return &model.RetrievalBundle{}
	}

	items := make([]*model.BundleItem, 0, len(turns)+len(chunkHits)+len(entryHits))
	for _, t := range turns {
		items = append(items, &model.BundleItem{
			Kind:       model.BundleItemTurn,
			ID:         string(t.ID),
			Content:    t.Content,
			Importance: u.recencyImportance,
			Rank:       u.recencyImportance,
			Tokens:     model.EstimateTokens(t.Content),
			CreatedAt:  t.CreatedAt,
		})
	}
	for _, h := range chunkHits {
		items = append(items, &model.BundleItem{
			Kind:       model.BundleItemChunk,
			ID:         string(h.Chunk.ID),
			Content:    h.Chunk.Content,
			Similarity: h.Similarity,
			Importance: h.Chunk.Importance,
			Rank:       h.Similarity * h.Chunk.Importance,
			Tokens:     model.EstimateTokens(h.Chunk.Content),
			CreatedAt:  h.Chunk.CreatedAt,
		})
	}
	for _, h := range entryHits {
		items = append(items, &model.BundleItem{
			Kind:       model.BundleItemEntry,
			ID:         string(h.Entry.ID),
			Content:    h.Entry.Content,
			Similarity: h.Similarity,
			Importance: h.Entry.Importance,
			Rank:       h.Similarity * h.Entry.Importance,
			Tokens:     model.EstimateTokens(h.Entry.Content),
			CreatedAt:  h.Entry.CreatedAt,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Rank != items[j].Rank {
			return items[i].Rank > items[j].Rank
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	bundle := &model.RetrievalBundle{}
	for _, item := range items {
		if input.MaxItems > 0 && len(bundle.Items) >= input.MaxItems {
			break
		}
		if input.MaxTokens > 0 && bundle.TotalTokens+item.Tokens > input.MaxTokens {
			continue
		}
		bundle.Items = append(bundle.Items, item)
		bundle.TotalTokens += item.Tokens
	}
	return bundle
}
