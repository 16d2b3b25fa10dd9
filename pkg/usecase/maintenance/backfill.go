package maintenance

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/utils/logging"
)

// BackfillInput configures one embedding backfill pass
type BackfillInput struct {
	UserID     string
	BatchSize  int
	SourceType model.SourceType
	DryRun     bool
	Deadline   time.Time
}

// BackfillReport summarizes one embedding backfill pass
type BackfillReport struct {
	Processed int
	Failed    int
	DryRun    bool
}

// Backfill embeds entries whose embedding is missing, in batches, until no
// targets remain or the soft deadline passes. Progress is never checkpointed:
// the next pass re-selects missing embeddings and converges on whatever the
// previous pass left behind. Entries rejected as permanently invalid are
// skipped for the rest of the pass so a poisoned entry cannot pin the loop.
func (u *UseCase) Backfill(ctx context.Context, input BackfillInput) (*BackfillReport, error) {
	if input.BatchSize <= 0 {
		input.BatchSize = 50
	}

	v, err := u.runExclusive(ctx, jobBackfill, input.UserID, func(ctx context.Context) (any, error) {
		report := &BackfillReport{DryRun: input.DryRun}
		if err := u.backfill(ctx, input, report); err != nil {
			return nil, err
		}
		return report, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*BackfillReport), nil
}

func (u *UseCase) backfill(ctx context.Context, input BackfillInput, report *BackfillReport) error {
	logger := logging.From(ctx)
	skip := make(map[model.EntryID]bool)

	interval := time.Duration(0)
	if u.requestsPerMinute > 0 {
		interval = time.Minute / time.Duration(u.requestsPerMinute)
	}

	for {
		if pastDeadline(input.Deadline) {
			logger.Info("backfill stopping at soft deadline", "processed", report.Processed)
			return nil
		}

		entries, err := u.repo.ListEntriesMissingEmbedding(ctx, input.UserID, input.SourceType, input.BatchSize+len(skip))
		if err != nil {
			return goerr.Wrap(err, "failed to select backfill targets", goerr.V("user", input.UserID))
		}

		var batch []*model.KnowledgeEntry
		for _, e := range entries {
			if skip[e.ID] {
				continue
			}
			batch = append(batch, e)
			if len(batch) >= input.BatchSize {
				break
			}
		}
		if len(batch) == 0 {
			return nil
		}

		if input.DryRun {
			report.Processed += len(batch)
			for _, e := range batch {
				skip[e.ID] = true
			}
			continue
		}

		texts := make([]string, len(batch))
		for i, e := range batch {
			texts[i] = e.Content
		}

		results, err := u.embedder.Embed(ctx, texts)
		if err != nil {
			return goerr.Wrap(err, "failed to embed backfill batch",
				goerr.V("user", input.UserID), goerr.V("batch", len(batch)))
		}

		for i, res := range results {
			entry := batch[i]
			if res.Err != nil {
				report.Failed++
				skip[entry.ID] = true
				logger.Warn("backfill skipping entry",
					"entry", entry.ID, "error", res.Err)
				continue
			}
			entry.Embedding = res.Vector
			entry.UpdatedAt = time.Now()
			if err := u.repo.PutEntry(ctx, entry); err != nil {
				return goerr.Wrap(err, "failed to save backfilled entry", goerr.V("entry", entry.ID))
			}
			report.Processed++
		}

		if interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interval):
			}
		}
	}
}
