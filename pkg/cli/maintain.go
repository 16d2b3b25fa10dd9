package cli

import (
	"context"
	"time"

	"github.com/m-mizutani/kioku/pkg/usecase/maintenance"
	"github.com/urfave/cli/v3"
)

func maintainCommand() *cli.Command {
	var (
		cfg   config
		every time.Duration
	)

	flags := []cli.Flag{
		&cli.DurationFlag{
			Name:        "every",
			Usage:       "Interval between maintenance rounds",
			Value:       time.Hour,
			Sources:     cli.EnvVars("KIOKU_MAINTAIN_EVERY"),
			Destination: &every,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "maintain",
		Usage: "Run backfill, compact, and sweep on a schedule until interrupted",
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

			sched := maintenance.Schedule{
				UserID: cfg.userID,
				Every:  every,
				Compact: maintenance.CompactInput{
					UserID:    cfg.userID,
					Threshold: params.Dedup.Threshold,
					BatchSize: params.Dedup.BatchSize,
				},
				Backfill: maintenance.BackfillInput{
					UserID:    cfg.userID,
					BatchSize: params.Backfill.BatchSize,
				},
				Sweep: maintenance.SweepInput{
					UserID:    cfg.userID,
					BatchSize: 100,
				},
			}

			uc := maintenance.New(repo, embedder,
				maintenance.WithRequestsPerMinute(params.Backfill.RequestsPerMinute),
			)
			return uc.RunScheduled(ctx, sched)
		},
	}
}
