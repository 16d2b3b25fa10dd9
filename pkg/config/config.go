// Package config holds tunable heuristics of the memory engine. The default
// values are operational defaults, not constants validated against data;
// every deployment can override them from a YAML file.
package config

import (
	"os"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// Config is the tunable parameter set of the engine
type Config struct {
	// Retrieval
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Maintenance
	Dedup    DedupConfig    `yaml:"dedup"`
	Backfill BackfillConfig `yaml:"backfill"`

	// Indexing
	Indexer IndexerConfig `yaml:"indexer"`

	// Embedding provider
	Embedding EmbeddingConfig `yaml:"embedding"`
}

type RetrievalConfig struct {
	// MinSimilarity filters similarity hits below this score. Zero disables
	// filtering for explicit browsing.
	MinSimilarity float64 `yaml:"min_similarity"`

	// TopK bounds each similarity query
	TopK int `yaml:"top_k"`

	// RecentTurns is the size of the recency window
	RecentTurns int `yaml:"recent_turns"`

	// RecencyImportance is the fixed pseudo-importance assigned to recency
	// items so they interleave with similarity hits
	RecencyImportance float64 `yaml:"recency_importance"`

	// MaxItems and MaxTokens are the default retrieval budget
	MaxItems  int `yaml:"max_items"`
	MaxTokens int `yaml:"max_tokens"`
}

type DedupConfig struct {
	// Threshold is the cosine similarity above which two entries of the same
	// user are duplicates
	Threshold float64 `yaml:"threshold"`

	BatchSize int `yaml:"batch_size"`
}

type BackfillConfig struct {
	BatchSize int `yaml:"batch_size"`

	// RequestsPerMinute paces embedding batches against the provider quota
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

type IndexerConfig struct {
	// SummaryEvery produces one summary chunk per conversation each time this
	// many user turns accumulate
	SummaryEvery int `yaml:"summary_every"`
}

type EmbeddingConfig struct {
	// Dimensions is the fixed output dimensionality of the provider
	Dimensions int `yaml:"dimensions"`

	// BatchSize caps how many texts go into one provider request
	BatchSize int `yaml:"batch_size"`

	// MaxTextBytes rejects oversized inputs as permanent per-item failures
	MaxTextBytes int `yaml:"max_text_bytes"`

	// MaxAttempts bounds retries of a transient provider failure
	MaxAttempts int `yaml:"max_attempts"`
}

// Default returns the built-in parameter set
func Default() *Config {
	return &Config{
		Retrieval: RetrievalConfig{
			MinSimilarity:     0.35,
			TopK:              10,
			RecentTurns:       6,
			RecencyImportance: 0.4,
			MaxItems:          20,
			MaxTokens:         2000,
		},
		Dedup: DedupConfig{
			Threshold: 0.95,
			BatchSize: 100,
		},
		Backfill: BackfillConfig{
			BatchSize:         50,
			RequestsPerMinute: 60,
		},
		Indexer: IndexerConfig{
			SummaryEvery: 10,
		},
		Embedding: EmbeddingConfig{
			Dimensions:   768,
			BatchSize:    100,
			MaxTextBytes: 8192,
			MaxAttempts:  3,
		},
	}
}

// Load reads a YAML file over the defaults. Missing fields keep their
// default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, goerr.Wrap(err, "failed to parse config file", goerr.V("path", path))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects parameter combinations the engine cannot honor
func (c *Config) Validate() error {
	if c.Dedup.Threshold < 0 || c.Dedup.Threshold > 1 {
		return goerr.New("dedup threshold out of range", goerr.V("threshold", c.Dedup.Threshold))
	}
	if c.Retrieval.MinSimilarity < 0 || c.Retrieval.MinSimilarity > 1 {
		return goerr.New("retrieval min_similarity out of range", goerr.V("min_similarity", c.Retrieval.MinSimilarity))
	}
	if c.Embedding.Dimensions <= 0 {
		return goerr.New("embedding dimensions must be positive", goerr.V("dimensions", c.Embedding.Dimensions))
	}
	if c.Embedding.BatchSize <= 0 {
		return goerr.New("embedding batch_size must be positive", goerr.V("batch_size", c.Embedding.BatchSize))
	}
	if c.Indexer.SummaryEvery <= 0 {
		return goerr.New("indexer summary_every must be positive", goerr.V("summary_every", c.Indexer.SummaryEvery))
	}
	return nil
}
