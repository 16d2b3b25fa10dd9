package maintenance

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/model"
	"github.com/m-mizutani/kioku/pkg/repository"
	"github.com/m-mizutani/kioku/pkg/utils/logging"
)

// Duplicate is one near-duplicate of an entry
type Duplicate struct {
	EntryID    model.EntryID
	Similarity float64
}

// FindDuplicates returns active entries of the same user whose cosine
// similarity to the given entry exceeds the threshold
func (u *UseCase) FindDuplicates(ctx context.Context, entryID model.EntryID, threshold float64) ([]Duplicate, error) {
	entry, err := u.repo.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if !entry.HasEmbedding() {
		return nil, nil
	}

	hits, err := u.repo.SearchSimilarEntries(ctx, repository.SimilarInput{
		UserID:        entry.UserID,
		Embedding:     entry.Embedding,
		Limit:         20,
		MinSimilarity: threshold,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search duplicates", goerr.V("entry", entryID))
	}

	var dups []Duplicate
	for _, h := range hits {
		if h.Entry.ID == entryID || h.Similarity <= threshold {
			continue
		}
		dups = append(dups, Duplicate{EntryID: h.Entry.ID, Similarity: h.Similarity})
	}
	return dups, nil
}

// CompactInput configures one deduplication pass
type CompactInput struct {
	UserID    string
	Threshold float64
	BatchSize int
	DryRun    bool
	Deadline  time.Time
}

// CompactReport summarizes one deduplication pass
type CompactReport struct {
	Scanned int
	Merged  int
	DryRun  bool
}

// Compact merges near-duplicate entries of one user. The survivor is the
// entry with higher importance, ties broken by earlier creation; the loser
// is deactivated with a MergedInto pointer and its tags union into the
// survivor. Re-running over a static dataset is a no-op: deactivated losers
// leave similarity search.
func (u *UseCase) Compact(ctx context.Context, input CompactInput) (*CompactReport, error) {
	if input.Threshold <= 0 || input.Threshold > 1 {
		return nil, goerr.New("compact threshold out of range", goerr.V("threshold", input.Threshold))
	}

	v, err := u.runExclusive(ctx, jobCompact, input.UserID, func(ctx context.Context) (any, error) {
		report := &CompactReport{DryRun: input.DryRun}
		if err := u.compact(ctx, input, report); err != nil {
			return nil, err
		}
		return report, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CompactReport), nil
}

func (u *UseCase) compact(ctx context.Context, input CompactInput, report *CompactReport) error {
	logger := logging.From(ctx)

	entries, err := u.repo.ListEntries(ctx, repository.ListEntriesInput{
		UserID:     input.UserID,
		ActiveOnly: true,
	})
	if err != nil {
		return goerr.Wrap(err, "failed to list entries", goerr.V("user", input.UserID))
	}

	merged := make(map[model.EntryID]bool)
	processed := 0
	for _, entry := range entries {
		if input.BatchSize > 0 && processed%input.BatchSize == 0 && pastDeadline(input.Deadline) {
			logger.Info("compact stopping at soft deadline", "scanned", report.Scanned)
			return nil
		}
		processed++

		if merged[entry.ID] || !entry.HasEmbedding() {
			continue
		}
		report.Scanned++

		dups, err := u.FindDuplicates(ctx, entry.ID, input.Threshold)
		if err != nil {
			return err
		}

		cluster := []*model.KnowledgeEntry{entry}
		for _, d := range dups {
			if merged[d.EntryID] {
				continue
			}
			dup, err := u.repo.GetEntry(ctx, d.EntryID)
			if err != nil {
				return err
			}
			if !dup.IsActive {
				continue
			}
			cluster = append(cluster, dup)
		}
		if len(cluster) < 2 {
			continue
		}

		survivor := selectSurvivor(cluster)
		clusterMerged := 0
		for _, loser := range cluster {
			if loser.ID == survivor.ID {
				continue
			}
			report.Merged++
			clusterMerged++
			merged[loser.ID] = true
			if input.DryRun {
				continue
			}

			survivor.AddTags(loser.Tags)
			loser.IsActive = false
			loser.MergedInto = survivor.ID
			loser.UpdatedAt = time.Now()
			if err := u.repo.PutEntry(ctx, loser); err != nil {
				return goerr.Wrap(err, "failed to deactivate duplicate", goerr.V("entry", loser.ID))
			}
			logger.Debug("merged duplicate entry",
				"loser", loser.ID, "survivor", survivor.ID)
		}
		if !input.DryRun && clusterMerged > 0 {
			survivor.UpdatedAt = time.Now()
			if err := u.repo.PutEntry(ctx, survivor); err != nil {
				return goerr.Wrap(err, "failed to update survivor", goerr.V("entry", survivor.ID))
			}
		}
		merged[survivor.ID] = true
	}
	return nil
}

// selectSurvivor prefers higher importance, then earlier creation
func selectSurvivor(cluster []*model.KnowledgeEntry) *model.KnowledgeEntry {
	survivor := cluster[0]
	for _, e := range cluster[1:] {
		if e.Importance > survivor.Importance {
			survivor = e
			continue
		}
		if e.Importance == survivor.Importance && e.CreatedAt.Before(survivor.CreatedAt) {
			survivor = e
		}
	}
	return survivor
}
