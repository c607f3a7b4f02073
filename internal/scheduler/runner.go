package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// DefaultLockTTL covers a typical run with margin.
const DefaultLockTTL = 15 * time.Minute

// Job history statuses.
const (
	JobStatusSuccess = "success"
	JobStatusFailed  = "failed"
)

// ErrLedgerNotConfigured is returned for TaskExportLedger when no bucket is set.
var ErrLedgerNotConfigured = errors.New("ledger export is not configured")

// CycleRunner is implemented by *CycleProcessor.
type CycleRunner interface {
	ProcessDue(ctx context.Context, now time.Time) (RunReport, error)
	SweepGrace(ctx context.Context, now time.Time) (RunReport, error)
}

// LedgerRunner is implemented by *LedgerExporter.
type LedgerRunner interface {
	Run(ctx context.Context, now time.Time) (RunReport, error)
}

// JobLocker abstracts the distributed job lock.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID string, workerID string) error
}

// JobHistorian abstracts the job history recording.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, summary []byte, err error) error
}

// Runner routes a MaintenancePayload to the job it names. Every invocation
// holds the lock "task:YYYY-MM-DDTHH" so that overlapping triggers within the
// same hour run the job once, and leaves a job_history row with the report.
type Runner struct {
	Cycles     CycleRunner
	Ledger     LedgerRunner // nil disables TaskExportLedger
	Metrics    RunRecorder  // used for ledger runs; the cycle processor records its own
	JobLock    JobLocker
	JobHistory JobHistorian
	WorkerID   string
	LockTTL    time.Duration
	Clock      types.Clock
	Logger     *slog.Logger
}

// Handle runs payload.Task. A lock held by another worker is not an error; the
// returned report has LockHeld set.
func (r *Runner) Handle(ctx context.Context, payload MaintenancePayload) (RunReport, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if payload.Task == "" {
		return RunReport{}, fmt.Errorf("empty task type in maintenance payload")
	}

	now := r.now()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}
	report := RunReport{Task: payload.Task, ReferenceTime: now}

	logger.InfoContext(ctx, "scheduled task invoked",
		"task", payload.Task,
		"reference_time", now.Format(time.RFC3339),
		"worker_id", r.WorkerID,
	)

	lockID := LockID(payload.Task, now)
	ttl := r.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	acquired, err := r.JobLock.Acquire(ctx, lockID, r.WorkerID, ttl)
	if err != nil {
		return report, fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock held by another worker", "lock_id", lockID)
		report.LockHeld = true
		return report, nil
	}

	jobID, err := r.JobHistory.Start(ctx, string(payload.Task))
	if err != nil {
		// History is operational visibility only; the run proceeds.
		logger.ErrorContext(ctx, "failed to start job history", "task", payload.Task, "error", err)
		jobID = 0
	}

	report, execErr := r.dispatch(ctx, payload.Task, now)
	report.Task = payload.Task
	report.ReferenceTime = now

	if jobID != 0 {
		status := JobStatusSuccess
		if execErr != nil {
			status = JobStatusFailed
		}
		summary, _ := json.Marshal(report)
		if err := r.JobHistory.Finish(ctx, jobID, status, report.Items(), summary, execErr); err != nil {
			logger.ErrorContext(ctx, "failed to finish job history", "job_id", jobID, "error", err)
		}
	}

	if execErr != nil {
		// Successful runs keep the lock until it expires; failed ones free it
		// so a retry within the same hour is not skipped.
		if err := r.JobLock.Release(ctx, lockID, r.WorkerID); err != nil {
			logger.WarnContext(ctx, "failed to release job lock", "lock_id", lockID, "error", err)
		}
		return report, fmt.Errorf("task %s failed: %w", payload.Task, execErr)
	}
	return report, nil
}

func (r *Runner) dispatch(ctx context.Context, task TaskType, now time.Time) (RunReport, error) {
	switch task {
	case TaskProcessCycles:
		return r.Cycles.ProcessDue(ctx, now)
	case TaskGraceSweep:
		return r.Cycles.SweepGrace(ctx, now)
	case TaskExportLedger:
		if r.Ledger == nil {
			return RunReport{}, ErrLedgerNotConfigured
		}
		report, err := r.Ledger.Run(ctx, now)
		if r.Metrics != nil {
			if mErr := r.Metrics.RecordRun(ctx, report); mErr != nil && r.Logger != nil {
				r.Logger.WarnContext(ctx, "failed to record ledger metrics", "error", mErr)
			}
		}
		return report, err
	default:
		return RunReport{}, fmt.Errorf("unknown task type: %q", task)
	}
}

func (r *Runner) now() time.Time {
	if r.Clock == nil {
		return time.Now().UTC()
	}
	return r.Clock.Now().UTC()
}

// LockID returns the job lock key for task in the hour containing now.
func LockID(task TaskType, now time.Time) string {
	return fmt.Sprintf("%s:%s", task, now.UTC().Truncate(time.Hour).Format("2006-01-02T15"))
}

// Tasks lists the valid task types with a one-line description.
var Tasks = map[TaskType]string{
	TaskProcessCycles: "Renew, cancel and expire assignments due today, then sweep grace periods",
	TaskGraceSweep:    "Retry failed renewals and cancel assignments whose grace period ended",
	TaskExportLedger:  "Archive yesterday's closed hour logs to S3",
}
