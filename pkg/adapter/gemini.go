package adapter

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"
	"github.com/cenkalti/backoff/v5"
	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/utils/logging"
	"google.golang.org/genai"
)

// GeminiClient implements Embedder on the Vertex AI embedding API. All
// batching, backoff and retry live here; call sites carry no retry logic.
type GeminiClient struct {
	client *genai.Client

	embeddingModel string
	dimensions     int
	batchSize      int
	maxTextBytes   int
	maxAttempts    int

	cache *ristretto.Cache
}

type GeminiOption func(*GeminiClient)

func WithEmbeddingModel(m string) GeminiOption {
	return func(g *GeminiClient) {
		g.embeddingModel = m
	}
}

func WithDimensions(d int) GeminiOption {
	return func(g *GeminiClient) {
		g.dimensions = d
	}
}

func WithBatchSize(n int) GeminiOption {
	return func(g *GeminiClient) {
		g.batchSize = n
	}
}

func WithMaxTextBytes(n int) GeminiOption {
	return func(g *GeminiClient) {
		g.maxTextBytes = n
	}
}

func WithMaxAttempts(n int) GeminiOption {
	return func(g *GeminiClient) {
		g.maxAttempts = n
	}
}

// NewGemini creates the Vertex AI embedding adapter
func NewGemini(ctx context.Context, projectID, location string, opts ...GeminiOption) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create genai client")
	}

	g := &GeminiClient{
		client:         client,
		embeddingModel: "gemini-embedding-001",
		dimensions:     768,
		batchSize:      100,
		maxTextBytes:   8192,
		maxAttempts:    3,
	}

	for _, opt := range opts {
		opt(g)
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache")
	}
	g.cache = cache

	return g, nil
}

func (g *GeminiClient) Dimensions() int {
	return g.dimensions
}

// Embed returns one Result per text in input order. Texts failing input
// validation get a per-item error without touching the provider; transient
// provider failures are retried whole-batch with jittered exponential
// backoff up to maxAttempts before the bulk error surfaces.
func (g *GeminiClient) Embed(ctx context.Context, texts []string) ([]Result, error) {
	results := make([]Result, len(texts))

	// Resolve per-item failures and cache hits first
	var pending []int
	for i, text := range texts {
		if err := validateText(text, g.maxTextBytes); err != nil {
			results[i] = Result{Err: err}
			continue
		}
		if v, ok := g.cache.Get(text); ok {
			if vec, ok := v.(firestore.Vector32); ok {
				results[i] = Result{Vector: vec}
				continue
			}
		}
		pending = append(pending, i)
	}

	for start := 0; start < len(pending); start += g.batchSize {
		end := start + g.batchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		vectors, err := g.embedBatch(ctx, texts, batch)
		if err != nil {
			return nil, err
		}
		for j, idx := range batch {
			results[idx] = Result{Vector: vectors[j]}
			g.cache.Set(texts[idx], vectors[j], int64(len(vectors[j])*4))
		}
	}

	return results, nil
}

// embedBatch embeds texts[i] for each i in batch, preserving batch order
func (g *GeminiClient) embedBatch(ctx context.Context, texts []string, batch []int) ([]firestore.Vector32, error) {
	contents := make([]*genai.Content, 0, len(batch))
	for _, idx := range batch {
		contents = append(contents, genai.NewContentFromText(texts[idx], genai.RoleUser))
	}

	cfg := &genai.EmbedContentConfig{
		OutputDimensionality: genai.Ptr(int32(g.dimensions)),
	}

	resp, err := backoff.Retry(ctx, func() (*genai.EmbedContentResponse, error) {
		resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, contents, cfg)
		if err != nil {
			if isTransient(err) {
				logging.From(ctx).Warn("transient embedding failure, retrying",
					"error", err, "batch_size", len(contents))
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return resp, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(g.maxAttempts)),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed batch",
			goerr.T(model.ErrTagTransient), goerr.V("batch_size", len(contents)))
	}

	if len(resp.Embeddings) != len(batch) {
		return nil, goerr.New("embedding count mismatch",
			goerr.V("want", len(batch)), goerr.V("got", len(resp.Embeddings)))
	}

	vectors := make([]firestore.Vector32, len(batch))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, goerr.New("provider returned empty embedding", goerr.V("index", i))
		}
		vectors[i] = firestore.Vector32(emb.Values)
	}
	return vectors, nil
}

// isTransient reports whether the provider error is worth retrying: rate
// limits, server errors, and timeouts. Context cancellation is not.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Status == "RESOURCE_EXHAUSTED" {
			return true
		}
		if apiErr.Code >= 500 && apiErr.Code < 600 {
			return true
		}
		return false
	}

	// Network-level failures without an API status
	return true
}
