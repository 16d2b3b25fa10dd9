package adapter

import (
	"context"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/model"
)

// Result is the per-text outcome of an embedding request. Outputs preserve
// input order so callers can zip results back to their sources. A permanent
// input failure is reported here instead of failing the whole batch.
type Result struct {
	Vector firestore.Vector32
	Err    error
}

// Embedder converts text into fixed-dimensionality vectors
type Embedder interface {
	// Embed returns one Result per input text, in input order. The returned
	// error is a bulk failure (e.g. provider unreachable after retries); in
	// that case no Result is valid.
	Embed(ctx context.Context, texts []string) ([]Result, error)

	// Dimensions returns the fixed output vector size
	Dimensions() int
}

// validateText rejects inputs the provider would never accept. These are
// permanent failures: never retried, skipped per item.
func validateText(text string, maxBytes int) error {
	if strings.TrimSpace(text) == "" {
		return goerr.New("empty text", goerr.T(model.ErrTagPermanentInput))
	}
	if maxBytes > 0 && len(text) > maxBytes {
		return goerr.New("text exceeds provider ceiling",
			goerr.T(model.ErrTagPermanentInput),
			goerr.V("bytes", len(text)), goerr.V("limit", maxBytes))
	}
	return nil
}
