package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/repository"
	"github.com/m-mizutani/kioku/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func entryCommand() *cli.Command {
	return &cli.Command{
		Name:  "entry",
		Usage: "Manage durable knowledge entries",
		Commands: []*cli.Command{
			entryNewCommand(),
			entryListCommand(),
			entryShowCommand(),
			entryDeactivateCommand(),
		},
	}
}

func entryNewCommand() *cli.Command {
	var (
		cfg        config
		title      string
		content    string
		category   string
		sourceType string
		sourceID   string
		importance float64
		tags       string
		ttl        time.Duration
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "title",
			Aliases:     []string{"t"},
			Usage:       "Entry title",
			Destination: &title,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "content",
			Usage:       "Entry content",
			Destination: &content,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "category",
			Usage:       "Free-form category",
			Destination: &category,
		},
		&cli.StringFlag{
			Name:        "source",
			Usage:       "Source type",
			Value:       string(model.SourceTypeManual),
			Destination: &sourceType,
		},
		&cli.StringFlag{
			Name:        "source-id",
			Usage:       "Identifier within the source system",
			Destination: &sourceID,
		},
		&cli.FloatFlag{
			Name:        "importance",
			Usage:       "Importance weight in [0,1]",
			Value:       0.5,
			Destination: &importance,
		},
		&cli.StringFlag{
			Name:        "tags",
			Usage:       "Comma-separated tags",
			Destination: &tags,
		},
		&cli.DurationFlag{
			Name:        "ttl",
			Usage:       "Lifetime after which the reaper deletes the entry (0 for permanent)",
			Destination: &ttl,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "new",
		Usage: "Create a knowledge entry",
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

			now := time.Now()
			entry := &model.KnowledgeEntry{
				ID:         model.NewEntryID(),
				UserID:     cfg.userID,
				SourceType: model.SourceType(sourceType),
				SourceID:   sourceID,
				Category:   category,
				Title:      title,
				Content:    content,
				Importance: importance,
				CreatedAt:  now,
				UpdatedAt:  now,
				IsActive:   true,
			}
			if tags != "" {
				for _, t := range strings.Split(tags, ",") {
					if t = strings.TrimSpace(t); t != "" {
						entry.Tags = append(entry.Tags, t)
					}
				}
			}
			if ttl > 0 {
				expires := now.Add(ttl)
				entry.ExpiresAt = &expires
			}
			if err := entry.Validate(); err != nil {
				return err
			}

			// Embedding failure does not lose the entry; backfill picks the
			// entry up later.
			results, err := embedder.Embed(ctx, []string{content})
			if err != nil || results[0].Err != nil {
				if err == nil {
					err = results[0].Err
				}
				logging.From(ctx).Warn("entry saved without embedding", "error", err)
			} else {
				entry.Embedding = results[0].Vector
			}

			if err := repo.PutEntry(ctx, entry); err != nil {
				return goerr.Wrap(err, "failed to save entry")
			}

			fmt.Fprintf(c.Root().Writer, "Entry created: %s\n", entry.ID)
			return nil
		},
	}
}

func entryListCommand() *cli.Command {
	var (
		cfg        config
		category   string
		sourceType string
		tag        string
		all        bool
		offset     int64
		limit      int64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "category",
			Usage:       "Filter by category",
			Destination: &category,
		},
		&cli.StringFlag{
			Name:        "source",
			Usage:       "Filter by source type",
			Destination: &sourceType,
		},
		&cli.StringFlag{
			Name:        "tag",
			Usage:       "Filter by tag",
			Destination: &tag,
		},
		&cli.BoolFlag{
			Name:        "all",
			Aliases:     []string{"a"},
			Usage:       "Include deactivated entries",
			Destination: &all,
		},
		&cli.IntFlag{
			Name:        "offset",
			Usage:       "Offset for pagination",
			Value:       0,
			Destination: &offset,
		},
		&cli.IntFlag{
			Name:        "limit",
			Usage:       "Maximum number of entries to list",
			Value:       100,
			Destination: &limit,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "list",
		Usage: "List knowledge entries",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := cfg.requireUser(); err != nil {
				return err
			}
			ctx, _, err := cfg.setup(ctx)
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			entries, err := repo.ListEntries(ctx, repository.ListEntriesInput{
				UserID:     cfg.userID,
				Category:   category,
				SourceType: model.SourceType(sourceType),
				Tag:        tag,
				ActiveOnly: !all,
				Offset:     int(offset),
				Limit:      int(limit),
			})
			if err != nil {
				return goerr.Wrap(err, "failed to list entries")
			}

			for _, e := range entries {
				status := "active"
				if !e.IsActive {
					status = "inactive"
					if e.MergedInto != "" {
						status = fmt.Sprintf("merged to %s", e.MergedInto)
					}
				}
				embedded := "embedded"
				if !e.HasEmbedding() {
					embedded = "pending"
				}
				fmt.Fprintf(c.Root().Writer, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.Title, e.Category, status, embedded)
			}
			return nil
		},
	}
}

func entryShowCommand() *cli.Command {
	var cfg config

	flags := globalFlags(&cfg)

	return &cli.Command{
		Name:      "show",
		Usage:     "Show one knowledge entry",
		ArgsUsage: "<entry-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return goerr.New("entry ID is required")
			}
			ctx, _, err := cfg.setup(ctx)
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			entry, err := repo.GetEntry(ctx, model.EntryID(c.Args().First()))
			if err != nil {
				return err
			}

			w := c.Root().Writer
			fmt.Fprintf(w, "ID:         %s\n", entry.ID)
			fmt.Fprintf(w, "User:       %s\n", entry.UserID)
			fmt.Fprintf(w, "Title:      %s\n", entry.Title)
			fmt.Fprintf(w, "Category:   %s\n", entry.Category)
			fmt.Fprintf(w, "Source:     %s (%s)\n", entry.SourceType, entry.SourceID)
			fmt.Fprintf(w, "Importance: %.2f\n", entry.Importance)
			fmt.Fprintf(w, "Tags:       %s\n", strings.Join(entry.Tags, ", "))
			fmt.Fprintf(w, "Active:     %t\n", entry.IsActive)
			if entry.MergedInto != "" {
				fmt.Fprintf(w, "MergedInto: %s\n", entry.MergedInto)
			}
			if entry.ExpiresAt != nil {
				fmt.Fprintf(w, "Expires:    %s\n", entry.ExpiresAt.Format(time.RFC3339))
			}
			fmt.Fprintf(w, "Embedded:   %t\n", entry.HasEmbedding())
			fmt.Fprintf(w, "Created:    %s\n", entry.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(w, "\n%s\n", entry.Content)
			return nil
		},
	}
}

func entryDeactivateCommand() *cli.Command {
	var cfg config

	flags := globalFlags(&cfg)

	return &cli.Command{
		Name:      "deactivate",
		Usage:     "Remove an entry from retrieval without deleting it",
		ArgsUsage: "<entry-id>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return goerr.New("entry ID is required")
			}
			ctx, _, err := cfg.setup(ctx)
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			id := model.EntryID(c.Args().First())
			entry, err := repo.GetEntry(ctx, id)
			if err != nil {
				return err
			}

			entry.IsActive = false
			entry.UpdatedAt = time.Now()
			if err := repo.PutEntry(ctx, entry); err != nil {
				return goerr.Wrap(err, "failed to deactivate entry")
			}

			fmt.Fprintf(c.Root().Writer, "Entry deactivated: %s\n", entry.ID)
			return nil
		},
	}
}
