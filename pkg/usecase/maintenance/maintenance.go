// Package maintenance hosts the periodic jobs of the memory engine:
// deduplication, embedding backfill, and the reaper. Jobs run at most once
// per (job, user scope) at a time, are idempotent, and stop cleanly at a
// soft deadline between batches. Partial progress is always valid.
package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/kioku/pkg/adapter"
	"github.com/m-mizutani/kioku/pkg/repository"
	"github.com/m-mizutani/kioku/pkg/utils/logging"
	"golang.org/x/sync/singleflight"
)

const (
	jobCompact  = "compact"
	jobBackfill = "backfill"
	jobSweep    = "sweep"
)

// UseCase provides maintenance operations over one knowledge store
type UseCase struct {
	repo     repository.Repository
	embedder adapter.Embedder

	group             singleflight.Group
	lockStale         time.Duration
	requestsPerMinute int
}

type Option func(*UseCase)

// WithLockStale sets how old a job lock must be before takeover
func WithLockStale(d time.Duration) Option {
	return func(u *UseCase) {
		u.lockStale = d
	}
}

// WithRequestsPerMinute paces backfill embedding batches
func WithRequestsPerMinute(n int) Option {
	return func(u *UseCase) {
		u.requestsPerMinute = n
	}
}

// New creates a new maintenance UseCase instance
func New(repo repository.Repository, embedder adapter.Embedder, opts ...Option) *UseCase {
	u := &UseCase{
		repo:              repo,
		embedder:          embedder,
		lockStale:         30 * time.Minute,
		requestsPerMinute: 60,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// runExclusive enforces single-flight per (job, scope): in-process through
// the singleflight group, across processes through the store job lock.
// A held lock surfaces as repository.ErrAlreadyClaimed, which callers
// treat as a skip rather than a failure. Concurrent callers deduplicated
// in process receive the executing run's report, not an empty one.
func (u *UseCase) runExclusive(ctx context.Context, job, userID string, fn func(context.Context) (any, error)) (any, error) {
	v, err, _ := u.group.Do(job+":"+userID, func() (any, error) {
		release, err := u.repo.AcquireJobLock(ctx, job, userID, u.lockStale)
		if err != nil {
			return nil, err
		}
		defer release()
		return fn(ctx)
	})
	return v, err
}

// pastDeadline reports whether the soft deadline has passed. Jobs check it
// between batches only; a running batch always completes.
func pastDeadline(deadline time.Time) bool {
	return !deadline.IsZero() && time.Now().After(deadline)
}

// Schedule holds the standing inputs for scheduled maintenance of one scope
type Schedule struct {
	UserID   string
	Every    time.Duration
	Compact  CompactInput
	Backfill BackfillInput
	Sweep    SweepInput
}

// RunScheduled runs the three maintenance jobs on a fixed interval until
// the context ends. Maintenance is independent of the request path; a
// failed job is logged and retried on the next tick.
func (u *UseCase) RunScheduled(ctx context.Context, sched Schedule) error {
	if sched.Every <= 0 {
		return goerr.New("schedule interval must be positive", goerr.V("every", sched.Every))
	}
	logger := logging.From(ctx)

	ticker := time.NewTicker(sched.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if report, err := u.Backfill(ctx, sched.Backfill); err != nil {
			logJobErr(logger, jobBackfill, err)
		} else {
			logger.Info("backfill finished", "processed", report.Processed, "failed", report.Failed)
		}

		if report, err := u.Compact(ctx, sched.Compact); err != nil {
			logJobErr(logger, jobCompact, err)
		} else {
			logger.Info("compact finished", "scanned", report.Scanned, "merged", report.Merged)
		}

		if report, err := u.Sweep(ctx, sched.Sweep); err != nil {
			logJobErr(logger, jobSweep, err)
		} else {
			logger.Info("sweep finished", "expired", report.Expired, "orphans", len(report.Orphans))
		}
	}
}

func logJobErr(logger *slog.Logger, job string, err error) {
	if errors.Is(err, repository.ErrAlreadyClaimed) {
		logger.Info("maintenance job already running elsewhere", "job", job)
		return
	}
	logger.Warn("maintenance job failed", "job", job, "error", err)
}
