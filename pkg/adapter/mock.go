package adapter

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"cloud.google.com/go/firestore"
)

// Mock is a deterministic in-process Embedder for tests and offline runs.
// The same text always yields the same unit vector. Specific vectors can be
// pinned per text to construct known similarity relations.
type Mock struct {
	dims int

	mu     sync.RWMutex
	pinned map[string]firestore.Vector32
}

// NewMock creates a deterministic embedder with the given dimensionality
func NewMock(dims int) *Mock {
	return &Mock{
		dims:   dims,
		pinned: make(map[string]firestore.Vector32),
	}
}

func (m *Mock) Dimensions() int {
	return m.dims
}

// Pin fixes the vector returned for a text. The vector is normalized copies
// so cosine similarity between pinned texts behaves as constructed.
func (m *Mock) Pin(text string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned[text] = normalize(vec)
}

func (m *Mock) Embed(_ context.Context, texts []string) ([]Result, error) {
	results := make([]Result, len(texts))
	for i, text := range texts {
		if err := validateText(text, 0); err != nil {
			results[i] = Result{Err: err}
			continue
		}

		m.mu.RLock()
		vec, ok := m.pinned[text]
		m.mu.RUnlock()
		if !ok {
			vec = m.derive(text)
		}
		results[i] = Result{Vector: vec}
	}
	return results, nil
}

// derive builds a pseudo-random unit vector seeded by the text
func (m *Mock) derive(text string) firestore.Vector32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	state := h.Sum64()

	vec := make([]float32, m.dims)
	for i := range vec {
		// xorshift64
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		vec[i] = float32(int64(state%2000)-1000) / 1000.0
	}
	return normalize(vec)
}

func normalize(vec []float32) firestore.Vector32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	out := make(firestore.Vector32, len(vec))
	if norm == 0 {
		copy(out, vec)
		return out
	}
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
