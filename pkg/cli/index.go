package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/extract"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/usecase/indexer"
	"github.com/urfave/cli/v3"
)

func indexCommand() *cli.Command {
	var (
		cfg          config
		conversation string
		role         string
		content      string
		turnID       string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "conversation",
			Usage:       "Conversation identifier the turn belongs to",
			Sources:     cli.EnvVars("KIOKU_CONVERSATION_ID"),
			Destination: &conversation,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "role",
			Usage:       "Turn role (user or assistant)",
			Value:       string(model.TurnRoleUser),
			Destination: &role,
		},
		&cli.StringFlag{
			Name:        "content",
			Usage:       "Turn content",
			Destination: &content,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "turn-id",
			Usage:       "Explicit turn ID for replay-safe ingestion (default: generated)",
			Destination: &turnID,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "index",
		Usage: "Record a conversational turn and extract memory from it",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if err := cfg.requireUser(); err != nil {
				return err
			}
			ctx, params, err := cfg.setup(ctx)
			if err != nil {
				return err
			}

			turnRole := model.TurnRole(role)
			if turnRole != model.TurnRoleUser && turnRole != model.TurnRoleAssistant {
				return goerr.New("invalid role", goerr.V("role", role))
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

			turn := &model.Turn{
				ID:             model.NewTurnID(),
				ConversationID: model.ConversationID(conversation),
				UserID:         cfg.userID,
				Role:           turnRole,
				Content:        content,
				CreatedAt:      time.Now(),
			}
			if turnID != "" {
				turn.ID = model.TurnID(turnID)
			}

			if err := repo.PutTurn(ctx, turn); err != nil {
				return goerr.Wrap(err, "failed to save turn")
			}

			uc := indexer.New(repo, embedder,
				indexer.WithExtractor(extract.New()),
				indexer.WithSummaryEvery(params.Indexer.SummaryEvery),
			)
			if err := uc.OnTurnCreated(ctx, turn); err != nil {
				return goerr.Wrap(err, "failed to index turn")
			}

			chunks, err := repo.ListChunksByTurn(ctx, turn.ID)
			if err != nil {
				return goerr.Wrap(err, "failed to list extracted chunks")
			}

			fmt.Fprintf(c.Root().Writer, "Turn indexed: %s (%d chunks)\n", turn.ID, len(chunks))
			return nil
		},
	}
}

func closeCommand() *cli.Command {
	var (
		cfg          config
		conversation string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "conversation",
			Usage:       "Conversation identifier to close",
			Sources:     cli.EnvVars("KIOKU_CONVERSATION_ID"),
			Destination: &conversation,
			Required:    true,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "close",
		Usage: "Close a conversation and summarize its remaining turns",
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

			uc := indexer.New(repo, embedder,
				indexer.WithExtractor(extract.New()),
				indexer.WithSummaryEvery(params.Indexer.SummaryEvery),
			)
			if err := uc.OnConversationClosed(ctx, cfg.userID, model.ConversationID(conversation)); err != nil {
				return goerr.Wrap(err, "failed to close conversation")
			}

			fmt.Fprintf(c.Root().Writer, "Conversation closed: %s\n", conversation)
			return nil
		},
	}
}
