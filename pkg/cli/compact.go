package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/kioku/pkg/usecase/maintenance"
	"github.com/urfave/cli/v3"
)

func compactCommand() *cli.Command {
	var (
		cfg       config
		threshold float64
		batch     int64
		dryRun    bool
		budget    time.Duration
	)

	flags := []cli.Flag{
		&cli.FloatFlag{
			Name:        "threshold",
			Usage:       "Similarity above which two entries merge (0 for the configured default)",
			Destination: &threshold,
		},
		&cli.IntFlag{
			Name:        "batch",
			Usage:       "Entries between deadline checks (0 for the configured default)",
			Destination: &batch,
		},
		&cli.BoolFlag{
			Name:        "dry-run",
			Usage:       "Report merge candidates without writing",
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
		Name:  "compact",
		Usage: "Merge near-duplicate knowledge entries",
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

			input := maintenance.CompactInput{
				UserID:    cfg.userID,
				Threshold: params.Dedup.Threshold,
				BatchSize: params.Dedup.BatchSize,
				DryRun:    dryRun,
			}
			if threshold > 0 {
				input.Threshold = threshold
			}
			if batch > 0 {
				input.BatchSize = int(batch)
			}
			if budget > 0 {
				input.Deadline = time.Now().Add(budget)
			}

			uc := maintenance.New(repo, embedder)
			report, err := uc.Compact(ctx, input)
			if err != nil {
				return err
			}

			action := "merged"
			if dryRun {
				action = "merge candidates"
			}
			fmt.Fprintf(c.Root().Writer, "Compact: %d scanned, %d %s\n", report.Scanned, report.Merged, action)
			return nil
		},
	}
}
