// Package runner wraps a lifecycle run with the operational bookkeeping the
// scheduled entry points share: a per-day distributed lock so overlapping
// invocations do not double-send, and a job_history row per run.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"inactivity/internal/scheduler"
	"inactivity/internal/types"
)

// JobType is the job_history.job_type of a lifecycle run.
const JobType = "inactivity_lifecycle"

const defaultLockTTL = time.Hour

// Lifecycle is the part of scheduler.Service a run needs.
type Lifecycle interface {
	Now() time.Time
	Policy() scheduler.Policy
	Run(ctx context.Context, now time.Time, opts scheduler.RunOptions) (*scheduler.RunReport, error)
}

// JobLocker is satisfied by the Postgres and SQLite job lock stores.
type JobLocker interface {
	Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID, workerID string) error
}

// JobHistorian is satisfied by the Postgres and SQLite job history stores.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, jobErr error) error
}

// Config holds the Runner dependencies. Locks and History may be nil, in
// which case runs are neither serialized nor recorded.
type Config struct {
	Service  Lifecycle
	Locks    JobLocker
	History  JobHistorian
	LockTTL  time.Duration
	WorkerID string
	Logger   *slog.Logger
}

// Runner executes lifecycle runs.
type Runner struct {
	service  Lifecycle
	locks    JobLocker
	history  JobHistorian
	lockTTL  time.Duration
	workerID string
	logger   *slog.Logger
}

func New(cfg Config) *Runner {
	r := &Runner{
		service:  cfg.Service,
		locks:    cfg.Locks,
		history:  cfg.History,
		lockTTL:  cfg.LockTTL,
		workerID: cfg.WorkerID,
		logger:   cfg.Logger,
	}
	if r.lockTTL <= 0 {
		r.lockTTL = defaultLockTTL
	}
	if r.workerID == "" {
		r.workerID = uuid.NewString()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Result describes one Execute call.
type Result struct {
	LockID string `json:"lock_id,omitempty"`
	// Skipped is set when another worker held the lock.
	Skipped bool                 `json:"skipped"`
	Report  *scheduler.RunReport `json:"-"`
}

// Summary renders the result for logs and Lambda responses.
func (r Result) Summary() string {
	if r.Skipped {
		return fmt.Sprintf("skipped: lock %s held by another worker", r.LockID)
	}
	if r.Report == nil {
		return "no run"
	}
	return fmt.Sprintf("scanned %d users: %d lockouts, %d delayed warnings, %d scheduled warnings",
		r.Report.Scanned,
		r.Report.Count(types.ActionLockout),
		r.Report.Count(types.ActionDelayedWarning),
		r.Report.Count(types.ActionScheduledWarning),
	)
}

// LockID is the lock key of the run whose reference date is now's calendar
// date in the policy location.
func LockID(p scheduler.Policy, now time.Time) string {
	return "lifecycle:" + p.StartOfDay(now).Format(time.DateOnly)
}

// Execute resolves the reference time, takes the day lock unless the run is
// a dry run, records job history and runs the lifecycle. Per-user failures
// are returned in Report.Err and mark the history row failed; the returned
// error is reserved for runs that could not proceed.
func (r *Runner) Execute(ctx context.Context, payload scheduler.RunPayload, delay time.Duration) (Result, error) {
	now := r.service.Now()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}
	opts := scheduler.RunOptions{
		DryRun:    payload.DryRun,
		NoLockout: payload.NoLockout,
		Filter:    payload.Filter,
		Delay:     delay,
	}

	res := Result{LockID: LockID(r.service.Policy(), now)}
	log := r.logger.With("lock_id", res.LockID, "worker_id", r.workerID)

	log.InfoContext(ctx, "Lifecycle run requested",
		"reference_time", now.Format(time.RFC3339),
		"dry_run", opts.DryRun,
		"no_lockout", opts.NoLockout,
		"filter", opts.Filter,
	)

	// A dry run writes nothing, so it neither needs nor takes the lock.
	if !opts.DryRun && r.locks != nil {
		acquired, err := r.locks.Acquire(ctx, res.LockID, r.workerID, r.lockTTL)
		if err != nil {
			return res, fmt.Errorf("acquiring job lock %s: %w", res.LockID, err)
		}
		if !acquired {
			log.InfoContext(ctx, "Job lock not acquired, another worker is processing")
			res.Skipped = true
			return res, nil
		}
		defer func() {
			// The run context may already be cancelled.
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := r.locks.Release(releaseCtx, res.LockID, r.workerID); err != nil {
				log.WarnContext(ctx, "Failed to release job lock", "error", err)
			}
		}()
	}

	var jobID int64
	if !opts.DryRun && r.history != nil {
		id, err := r.history.Start(ctx, JobType)
		if err != nil {
			log.ErrorContext(ctx, "Failed to start job history", "error", err)
		} else {
			jobID = id
		}
	}

	report, runErr := r.service.Run(ctx, now, opts)
	res.Report = report

	if jobID != 0 {
		status, items, jobErr := "success", 0, runErr
		if report != nil {
			items = report.Actions()
			if jobErr == nil {
				jobErr = report.Err
			}
		}
		if jobErr != nil {
			status = "failed"
		}
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := r.history.Finish(finishCtx, jobID, status, items, jobErr); err != nil {
			log.ErrorContext(ctx, "Failed to finish job history", "job_id", jobID, "error", err)
		}
		cancel()
	}

	if runErr != nil {
		return res, fmt.Errorf("lifecycle run %s: %w", res.LockID, runErr)
	}
	log.InfoContext(ctx, res.Summary())
	return res, nil
}
