package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/usecase/maintenance"
	"github.com/urfave/cli/v3"
)

func sweepCommand() *cli.Command {
	var (
		cfg    config
		batch  int64
		dryRun bool
		budget time.Duration
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "batch",
			Usage:       "Expired entries per delete batch",
			Value:       100,
			Destination: &batch,
		},
		&cli.BoolFlag{
			Name:        "dry-run",
			Usage:       "Report expired entries and orphan candidates without deleting",
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
		Name:  "sweep",
		Usage: "Delete expired entries and report orphan candidates",
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

			input := maintenance.SweepInput{
				UserID:    cfg.userID,
				BatchSize: int(batch),
				DryRun:    dryRun,
			}
			if budget > 0 {
				input.Deadline = time.Now().Add(budget)
			}

			uc := maintenance.New(repo, embedder)
			report, err := uc.Sweep(ctx, input)
			if err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "Sweep: %d expired\n", report.Expired)
			for _, id := range report.Orphans {
				fmt.Fprintf(c.Root().Writer, "Orphan candidate: %s\n", id)
			}
			return nil
		},
	}
}

func purgeOrphansCommand() *cli.Command {
	var cfg config

	flags := globalFlags(&cfg)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:      "purge-orphans",
		Usage:     "Delete orphaned entries reported by sweep, after re-verification",
		ArgsUsage: "<entry-id>...",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := cfg.requireUser(); err != nil {
				return err
			}
			if c.Args().Len() == 0 {
				return goerr.New("at least one entry ID is required")
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

			var ids []model.EntryID
			for _, arg := range c.Args().Slice() {
				ids = append(ids, model.EntryID(arg))
			}

			uc := maintenance.New(repo, embedder)
			purged, err := uc.PurgeOrphans(ctx, cfg.userID, ids)
			if err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "Purged %d of %d entries\n", purged, len(ids))
			return nil
		},
	}
}
