package maintenance

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/repository"
	"github.com/m-mizutani/kioku/pkg/utils/logging"
)

// SweepInput configures one reaper pass
type SweepInput struct {
	UserID    string
	BatchSize int
	DryRun    bool
	Deadline  time.Time
}

// SweepReport summarizes one reaper pass. Orphans are candidates only;
// nothing in this package deletes them without an explicit PurgeOrphans call.
type SweepReport struct {
	Expired int
	Orphans []model.EntryID
	DryRun  bool
}

// Sweep hard-deletes entries past their expiry and reports entries whose
// source conversation no longer exists. The reaper is the only component
// that destroys data, and it only destroys what expiry explicitly marked.
func (u *UseCase) Sweep(ctx context.Context, input SweepInput) (*SweepReport, error) {
	if input.BatchSize <= 0 {
		input.BatchSize = 100
	}

	v, err := u.runExclusive(ctx, jobSweep, input.UserID, func(ctx context.Context) (any, error) {
		report := &SweepReport{DryRun: input.DryRun}
		if err := u.sweep(ctx, input, report); err != nil {
			return nil, err
		}
		return report, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SweepReport), nil
}

func (u *UseCase) sweep(ctx context.Context, input SweepInput, report *SweepReport) error {
	logger := logging.From(ctx)

	// In dry-run mode nothing is deleted, so the selection never shrinks.
	// Counted entries go into seen and the selection over-fetches by that
	// much, the same way backfill pages past its skip set.
	seen := make(map[model.EntryID]bool)

	for {
		if pastDeadline(input.Deadline) {
			logger.Info("sweep stopping at soft deadline", "expired", report.Expired)
			return nil
		}

		expired, err := u.repo.ListExpiredEntries(ctx, input.UserID, time.Now(), input.BatchSize+len(seen))
		if err != nil {
			return goerr.Wrap(err, "failed to list expired entries", goerr.V("user", input.UserID))
		}

		progress := false
		for _, entry := range expired {
			if input.DryRun {
				if seen[entry.ID] {
					continue
				}
				seen[entry.ID] = true
				report.Expired++
				progress = true
				continue
			}
			report.Expired++
			progress = true
			if err := u.repo.DeleteEntry(ctx, entry.ID); err != nil {
				return goerr.Wrap(err, "failed to delete expired entry", goerr.V("entry", entry.ID))
			}
			logger.Debug("deleted expired entry", "entry", entry.ID, "expired_at", entry.ExpiresAt)
		}
		if !progress {
			break
		}
	}

	orphans, err := u.findOrphans(ctx, input.UserID)
	if err != nil {
		return err
	}
	report.Orphans = orphans
	for _, id := range orphans {
		logger.Info("orphan entry candidate", "entry", id)
	}
	return nil
}

// findOrphans returns active conversation-sourced entries whose source
// conversation has no surviving turns
func (u *UseCase) findOrphans(ctx context.Context, userID string) ([]model.EntryID, error) {
	entries, err := u.repo.ListEntries(ctx, repository.ListEntriesInput{
		UserID:     userID,
		SourceType: model.SourceTypeConversation,
		ActiveOnly: true,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list conversation entries", goerr.V("user", userID))
	}

	checked := make(map[model.ConversationID]bool)
	var orphans []model.EntryID
	for _, entry := range entries {
		if entry.SourceID == "" {
			continue
		}
		convID := model.ConversationID(entry.SourceID)
		exists, ok := checked[convID]
		if !ok {
			exists, err = u.repo.ConversationExists(ctx, convID)
			if err != nil {
				return nil, goerr.Wrap(err, "failed to check conversation", goerr.V("conversation", convID))
			}
			checked[convID] = exists
		}
		if !exists {
			orphans = append(orphans, entry.ID)
		}
	}
	return orphans, nil
}

// PurgeOrphans deletes the given entries after re-verifying each one is still
// an orphan. Meant to run on an explicit operator decision, never on a
// schedule.
func (u *UseCase) PurgeOrphans(ctx context.Context, userID string, ids []model.EntryID) (int, error) {
	logger := logging.From(ctx)

	purged := 0
	for _, id := range ids {
		entry, err := u.repo.GetEntry(ctx, id)
		if err != nil {
			return purged, err
		}
		if entry.UserID != userID || entry.SourceType != model.SourceTypeConversation {
			return purged, goerr.New("entry is not an orphan candidate",
				goerr.V("entry", id), goerr.V("source_type", entry.SourceType))
		}
		exists, err := u.repo.ConversationExists(ctx, model.ConversationID(entry.SourceID))
		if err != nil {
			return purged, err
		}
		if exists {
			logger.Warn("skipping purge, conversation reappeared", "entry", id)
			continue
		}
		if err := u.repo.DeleteEntry(ctx, id); err != nil {
			return purged, goerr.Wrap(err, "failed to purge orphan", goerr.V("entry", id))
		}
		purged++
	}
	return purged, nil
}
