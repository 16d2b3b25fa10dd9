package model

import "time"

type BundleItemKind string

const (
	BundleItemTurn  BundleItemKind = "turn"
	BundleItemChunk BundleItemKind = "chunk"
	BundleItemEntry BundleItemKind = "entry"
)

// BundleItem is one retrieved item with its ranking inputs. Rank is
// similarity times importance; recency-sourced items carry a fixed
// pseudo-importance instead of a real similarity score.
type BundleItem struct {
	Kind       BundleItemKind
	ID         string
	Content    string
	Similarity float64
	Importance float64
	Rank       float64
	Tokens     int
	CreatedAt  time.Time
}

// RetrievalBundle is the ordered result of one retrieval. It is constructed
// per query and never persisted.
type RetrievalBundle struct {
	Items       []*BundleItem
	TotalTokens int
}

// Empty reports whether the bundle carries no items
func (b *RetrievalBundle) Empty() bool {
	return b == nil || len(b.Items) == 0
}

// EstimateTokens gives a stable monotone token estimate for budgeting.
// One token per four bytes, minimum one.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}
