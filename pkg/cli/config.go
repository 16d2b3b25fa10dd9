package cli

import (
	"context"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/adapter"
	engine "github.com/m-mizutani/kioku/pkg/config"
	"github.com/m-mizutani/kioku/pkg/repository"
	"github.com/m-mizutani/kioku/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// config holds configuration values
type config struct {
	// Scope
	userID string

	// Repository
	project  string
	database string

	// Embedding provider
	geminiProject  string
	geminiLocation string

	// local swaps the Firestore repository and Gemini embedder for
	// in-process equivalents. Useful for trying the engine without any
	// cloud credentials.
	local bool

	// Engine parameters
	configPath string

	// Logging
	logLevel string
	logJSON  bool
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "User identifier scoping all reads and writes",
			Sources:     cli.EnvVars("KIOKU_USER_ID"),
			Destination: &cfg.userID,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.BoolFlag{
			Name:        "local",
			Usage:       "Use the in-memory repository and deterministic embedder",
			Sources:     cli.EnvVars("KIOKU_LOCAL"),
			Destination: &cfg.local,
		},
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to YAML file overriding engine parameters",
			Sources:     cli.EnvVars("KIOKU_CONFIG"),
			Destination: &cfg.configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("KIOKU_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.BoolFlag{
			Name:        "log-json",
			Usage:       "Emit logs as JSON",
			Sources:     cli.EnvVars("KIOKU_LOG_JSON"),
			Destination: &cfg.logJSON,
		},
	}
}

// llmFlags returns flags for embedding provider configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
	}
}

// setup loads engine parameters and installs the logger on the context
func (cfg *config) setup(ctx context.Context) (context.Context, *engine.Config, error) {
	params, err := engine.Load(cfg.configPath)
	if err != nil {
		return ctx, nil, err
	}

	logger := logging.New(cfg.logLevel, os.Stderr, cfg.logJSON)
	logging.SetDefault(logger)
	return logging.With(ctx, logger), params, nil
}

// newRepository creates a new repository instance
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, error) {
	if cfg.local {
		return repository.NewMemory(), nil
	}

	if cfg.project == "" {
		return nil, goerr.New("project is required")
	}
	if cfg.database == "" {
		return nil, goerr.New("database is required")
	}

	repo, err := repository.New(ctx, cfg.project, cfg.database)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create repository")
	}
	return repo, nil
}

// newEmbedder creates a new embedding adapter instance
func (cfg *config) newEmbedder(ctx context.Context, params *engine.Config) (adapter.Embedder, error) {
	if cfg.local {
		return adapter.NewMock(params.Embedding.Dimensions), nil
	}

	project := cfg.geminiProject
	if project == "" {
		project = cfg.project
	}
	if project == "" {
		return nil, goerr.New("gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}

	embedder, err := adapter.NewGemini(ctx, project, cfg.geminiLocation,
		adapter.WithDimensions(params.Embedding.Dimensions),
		adapter.WithBatchSize(params.Embedding.BatchSize),
		adapter.WithMaxTextBytes(params.Embedding.MaxTextBytes),
		adapter.WithMaxAttempts(params.Embedding.MaxAttempts),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedder")
	}
	return embedder, nil
}

// requireUser validates the user flag shared by every command
func (cfg *config) requireUser() error {
	if cfg.userID == "" {
		return goerr.New("user is required")
	}
	return nil
}
