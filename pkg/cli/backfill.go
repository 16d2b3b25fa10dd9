package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/usecase/maintenance"
	"github.com/urfave/cli/v3"
)

func backfillCommand() *cli.Command {
	var (
		cfg        config
		sourceType string
		batch      int64
		dryRun     bool
		budget     time.Duration
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "source",
			Usage:       "Restrict backfill to one source type",
			Destination: &sourceType,
		},
		&cli.IntFlag{
			Name:        "batch",
			Usage:       "Entries per embedding batch (0 for the configured default)",
			Destination: &batch,
		},
		&cli.BoolFlag{
			Name:        "dry-run",
			Usage:       "Count targets without embedding or writing",
			Destination: &dryRun,
		},
		&cli.DurationFlag{
			Name:        "budget",
			Usage:       "Soft time budget; the job stops at the next batch boundary (0 for unlimited)",
			Destination: &budget,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "backfill",
		Usage: "Embed entries whose embedding is missing",
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

			input := maintenance.BackfillInput{
				UserID:     cfg.userID,
				BatchSize:  params.Backfill.BatchSize,
				SourceType: model.SourceType(sourceType),
				DryRun:     dryRun,
			}
			if batch > 0 {
				input.BatchSize = int(batch)
			}
			if budget > 0 {
				input.Deadline = time.Now().Add(budget)
			}

			uc := maintenance.New(repo, embedder,
				maintenance.WithRequestsPerMinute(params.Backfill.RequestsPerMinute),
			)
			report, err := uc.Backfill(ctx, input)
			if err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "Backfill: %d processed, %d failed\n", report.Processed, report.Failed)
			return nil
		},
	}
}
