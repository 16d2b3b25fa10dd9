package cli

import (
	"context"

	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	cmd := &cli.Command{
		Name:  "kioku",
		Usage: "Adaptive memory engine for conversational assistants",
		Commands: []*cli.Command{
			indexCommand(),
			closeCommand(),
			searchCommand(),
			entryCommand(),
			backfillCommand(),
			compactCommand(),
			sweepCommand(),
			purgeOrphansCommand(),
			maintainCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}
