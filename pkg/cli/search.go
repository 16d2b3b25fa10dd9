package cli

import (
	"context"
	"fmt"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/usecase/retrieve"
	"github.com/urfave/cli/v3"
)

func searchCommand() *cli.Command {
	var (
		cfg           config
		query         string
		category      string
		sourceType    string
		minSimilarity float64
		maxItems      int64
		maxTokens     int64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "query",
			Aliases:     []string{"q"},
			Usage:       "Natural language query",
			Sources:     cli.EnvVars("KIOKU_SEARCH_QUERY"),
			Destination: &query,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "category",
			Usage:       "Restrict entry hits to a category",
			Destination: &category,
		},
		&cli.StringFlag{
			Name:        "source",
			Usage:       "Restrict entry hits to a source type",
			Destination: &sourceType,
		},
		&cli.FloatFlag{
			Name:        "min-similarity",
			Usage:       "Similarity threshold (0 disables filtering)",
			Value:       -1,
			Destination: &minSimilarity,
		},
		&cli.IntFlag{
			Name:        "max-items",
			Usage:       "Bundle item budget (0 for the configured default)",
			Destination: &maxItems,
		},
		&cli.IntFlag{
			Name:        "max-tokens",
			Usage:       "Bundle token budget (0 for the configured default)",
			Destination: &maxTokens,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "search",
		Usage: "Retrieve the ranked memory bundle for a query",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := cfg.requireUser(); err != nil {
				return err
			}
			ctx, params, err := cfg.setup(ctx)
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			embedder, err := cfg.newEmbedder(ctx, params)
			if err != nil {
				return err
			}

			results, err := embedder.Embed(ctx, []string{query})
			if err != nil {
				return goerr.Wrap(err, "failed to embed query")
			}
			if results[0].Err != nil {
				return goerr.Wrap(results[0].Err, "query rejected by embedder")
			}

			input := retrieve.Input{
				UserID:         cfg.userID,
				QueryEmbedding: results[0].Vector,
				MinSimilarity:  params.Retrieval.MinSimilarity,
				Category:       category,
				SourceType:     model.SourceType(sourceType),
				MaxItems:       params.Retrieval.MaxItems,
				MaxTokens:      params.Retrieval.MaxTokens,
			}
			if minSimilarity >= 0 {
				input.MinSimilarity = minSimilarity
			}
			if maxItems > 0 {
				input.MaxItems = int(maxItems)
			}
			if maxTokens > 0 {
				input.MaxTokens = int(maxTokens)
			}

			uc := retrieve.New(repo,
				retrieve.WithRecentTurns(params.Retrieval.RecentTurns),
				retrieve.WithTopK(params.Retrieval.TopK),
				retrieve.WithRecencyImportance(params.Retrieval.RecencyImportance),
			)
			bundle := uc.Retrieve(ctx, input)

			if bundle.Empty() {
				fmt.Fprintln(c.Root().Writer, "No memory found")
				return nil
			}
			for _, item := range bundle.Items {
				fmt.Fprintf(c.Root().Writer, "%-6s\t%.3f\t%s\t%s\n",
					item.Kind, item.Rank, item.ID, truncate(item.Content, 80))
			}
			fmt.Fprintf(c.Root().Writer, "%d items, ~%d tokens\n", len(bundle.Items), bundle.TotalTokens)
			return nil
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
