// Package scheduler implements the scheduled billing jobs: the cycle
// processor that renews, cancels and expires plan assignments, the grace
// sweep that retries failed renewals, and the ledger export of closed hour
// log periods.
//
// The MaintenancePayload is the JSON structure sent by the EventBridge rule
// (or the in-process cron scheduler) to the cycle-processor binary. The
// TaskType determines which service method handles the request.
package scheduler

import (
	"time"
)

// TaskType identifies which scheduled job should handle an invocation.
type TaskType string

const (
	// TaskProcessCycles renews every assignment whose billing date has passed
	// and then runs the grace sweep.
	TaskProcessCycles TaskType = "process_cycles"
	TaskGraceSweep    TaskType = "grace_sweep"
	TaskExportLedger  TaskType = "export_ledger"
)

// MaintenancePayload is the invocation payload:
//
//	{
//	  "task": "process_cycles",
//	  "reference_time": "2026-02-15T02:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime allows manual invocation to specify a different "now" for
	// deterministic execution and backfilling. If nil, the clock is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// Outcome is the result of processing one assignment.
type Outcome string

const (
	OutcomeRenewed      Outcome = "renewed"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeExpired      Outcome = "expired"
	OutcomeGraceEntered Outcome = "grace_entered"
	OutcomeGraceRetried Outcome = "grace_retry_failed"
	OutcomeRecovered    Outcome = "recovered"
	OutcomeSkipped      Outcome = "skipped"
)

// Failure records one assignment the processor could not complete. The
// assignment is retried on the next run.
type Failure struct {
	AssignmentID string `json:"assignment_id"`
	Error        string `json:"error"`
}

// RunReport aggregates the outcomes of one processor run. Failures are
// collected here rather than aborting the batch.
type RunReport struct {
	Task          TaskType  `json:"task"`
	ReferenceTime time.Time `json:"reference_time"`
	Processed     int       `json:"processed"`
	Renewed       int       `json:"renewed"`
	Cancelled     int       `json:"cancelled"`
	Expired       int       `json:"expired"`
	GraceEntered  int       `json:"grace_entered"`
	Recovered     int       `json:"recovered"`
	Skipped       int       `json:"skipped"`
	// PaymentErrors counts charges where the payment collaborator itself
	// failed, whether the run rolled back or counted the charge as failed.
	PaymentErrors int       `json:"payment_errors"`
	Failures      []Failure `json:"failures,omitempty"`
	// Exported is the number of hour log rows written by TaskExportLedger.
	Exported int `json:"exported,omitempty"`
	// LockHeld is set when another worker owned the run's job lock and
	// nothing was processed.
	LockHeld bool `json:"lock_held,omitempty"`
}

// Record folds a single outcome into the report.
func (r *RunReport) Record(o Outcome) {
	r.Processed++
	switch o {
	case OutcomeRenewed:
		r.Renewed++
	case OutcomeCancelled:
		r.Cancelled++
	case OutcomeExpired:
		r.Expired++
	case OutcomeGraceEntered:
		r.GraceEntered++
	case OutcomeRecovered:
		r.Recovered++
	case OutcomeSkipped:
		r.Skipped++
	}
}

// Fail records an assignment that could not be processed.
func (r *RunReport) Fail(assignmentID string, err error) {
	r.Processed++
	r.Failures = append(r.Failures, Failure{AssignmentID: assignmentID, Error: err.Error()})
}

// Merge adds other's counters into r.
func (r *RunReport) Merge(other RunReport) {
	r.Processed += other.Processed
	r.Renewed += other.Renewed
	r.Cancelled += other.Cancelled
	r.Expired += other.Expired
	r.GraceEntered += other.GraceEntered
	r.Recovered += other.Recovered
	r.Skipped += other.Skipped
	r.PaymentErrors += other.PaymentErrors
	r.Exported += other.Exported
	r.Failures = append(r.Failures, other.Failures...)
}

// Items is the count stored in job history.
func (r *RunReport) Items() int {
	if r.Exported > 0 {
		return r.Exported
	}
	return r.Processed
}
