package scheduler

// This file implements the billing cycle processor. For every assignment whose
// next_billing_date has passed it closes the current hour log, resets the
// usage counters, advances the billing date, opens the next period and
// attempts the renewal charge. All of those writes commit in one transaction
// per assignment, so a period is never closed without its counters being
// reset and the date being advanced.
//
// Each assignment is processed independently. A failure is recorded in the
// RunReport and the assignment is picked up again by the next run; it never
// aborts the batch.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Kre8ivTech/client-portal-sub003/internal/billing"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

const (
	// DefaultPageSize is the number of assignment IDs fetched per keyset page.
	DefaultPageSize = 100

	// DefaultConcurrency bounds the number of assignments processed at once.
	DefaultConcurrency = 4

	// DefaultGraceDays is used when the config leaves grace days unset.
	DefaultGraceDays = 7

	// DefaultPaymentErrorDays is how many days past the billing date a
	// renewal keeps rolling back on collaborator errors with an unknown
	// outcome before the charge is counted as failed.
	DefaultPaymentErrorDays = 3

	reasonAutoRenewOff = "auto-renew disabled at end of billing period"
	reasonGraceExpired = "grace period expired without successful payment"

	failureNoPaymentMethod = "no_payment_method"
	failurePaymentError    = "payment_error"
)

// DueLister pages through assignment IDs. Both methods are keyset paginated
// on id so rows mutated mid-run are never revisited.
type DueLister interface {
	// SQL: SELECT id FROM plan_assignments
	//      WHERE status IN ('active','grace_period') AND next_billing_date <= $1 AND id > $2
	//      ORDER BY id LIMIT $3
	ListDue(ctx context.Context, asOf time.Time, afterID string, limit int) ([]string, error)

	// SQL: SELECT id FROM plan_assignments
	//      WHERE status = 'grace_period' AND id > $1 ORDER BY id LIMIT $2
	ListInGrace(ctx context.Context, afterID string, limit int) ([]string, error)
}

// RunRecorder publishes run reports as operational metrics.
type RunRecorder interface {
	RecordRun(ctx context.Context, report RunReport) error
}

// CycleConfig tunes the processor.
type CycleConfig struct {
	GraceDays        int
	PaymentErrorDays int
	Concurrency      int
	PageSize    int
	// Description prefixes the statement descriptor sent with each charge.
	Description string
}

// CycleProcessorDeps bundles the collaborators of the cycle processor.
type CycleProcessorDeps struct {
	Tx       billing.TxRunner
	Lister   DueLister
	Payments billing.PaymentCollaborator
	Events   billing.EventPublisher
	Metrics  RunRecorder
	Config   CycleConfig
	Logger   *slog.Logger
}

// CycleProcessor renews, cancels and expires plan assignments.
type CycleProcessor struct {
	tx       billing.TxRunner
	lister   DueLister
	payments billing.PaymentCollaborator
	events   billing.EventPublisher
	metrics  RunRecorder
	cfg      CycleConfig
	logger   *slog.Logger
}

// NewCycleProcessor creates a CycleProcessor. Zero config values fall back to
// the package defaults.
func NewCycleProcessor(deps CycleProcessorDeps) *CycleProcessor {
	cfg := deps.Config
	if cfg.GraceDays <= 0 {
		cfg.GraceDays = DefaultGraceDays
	}
	if cfg.PaymentErrorDays <= 0 {
		cfg.PaymentErrorDays = DefaultPaymentErrorDays
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Description == "" {
		cfg.Description = "Plan renewal"
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CycleProcessor{
		tx:       deps.Tx,
		lister:   deps.Lister,
		payments: deps.Payments,
		events:   deps.Events,
		metrics:  deps.Metrics,
		cfg:      cfg,
		logger:   logger,
	}
}

// result is the outcome of one assignment's transaction. events are
// published only after the transaction commits.
type result struct {
	outcome      Outcome
	events       []types.DomainEvent
	paymentError bool
}

// ProcessDue runs the renewal pass followed by the grace sweep. The returned
// error is non-nil only when listing failed; per-assignment failures are in
// the report.
func (p *CycleProcessor) ProcessDue(ctx context.Context, now time.Time) (RunReport, error) {
	report := RunReport{Task: TaskProcessCycles, ReferenceTime: now}
	today := types.TruncateDay(now)

	err := p.forEachPage(ctx, &report, now, func(ctx context.Context, afterID string) ([]string, error) {
		return p.lister.ListDue(ctx, today, afterID, p.cfg.PageSize)
	})
	if err != nil {
		p.finish(ctx, &report)
		return report, fmt.Errorf("listing due assignments: %w", err)
	}

	sweep, err := p.sweep(ctx, now)
	report.Merge(sweep)
	p.finish(ctx, &report)
	if err != nil {
		return report, err
	}
	return report, nil
}

// SweepGrace visits every grace_period assignment: expired windows are
// cancelled and the rest get at most one payment retry per day.
func (p *CycleProcessor) SweepGrace(ctx context.Context, now time.Time) (RunReport, error) {
	report, err := p.sweep(ctx, now)
	report.Task = TaskGraceSweep
	report.ReferenceTime = now
	p.finish(ctx, &report)
	return report, err
}

func (p *CycleProcessor) sweep(ctx context.Context, now time.Time) (RunReport, error) {
	var report RunReport
	err := p.forEachPage(ctx, &report, now, func(ctx context.Context, afterID string) ([]string, error) {
		return p.lister.ListInGrace(ctx, afterID, p.cfg.PageSize)
	})
	if err != nil {
		return report, fmt.Errorf("listing grace period assignments: %w", err)
	}
	return report, nil
}

// forEachPage walks the keyset pages returned by list and processes each
// page with bounded parallelism.
func (p *CycleProcessor) forEachPage(ctx context.Context, report *RunReport, now time.Time,
	list func(ctx context.Context, afterID string) ([]string, error)) error {
	var mu sync.Mutex
	afterID := ""

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := list(ctx, afterID)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.cfg.Concurrency)
		for _, id := range ids {
			g.Go(func() error {
				res, err := p.processAssignment(gctx, id, now)

				mu.Lock()
				defer mu.Unlock()
				if res.paymentError {
					report.PaymentErrors++
				}
				if err != nil {
					report.Fail(id, err)
					p.logger.ErrorContext(gctx, "failed to process plan assignment",
						"assignment_id", id,
						"error", err,
					)
					return nil
				}
				report.Record(res.outcome)
				return nil
			})
		}
		// Workers never return errors; Wait only joins them.
		_ = g.Wait()

		if len(ids) < p.cfg.PageSize {
			return nil
		}
		afterID = ids[len(ids)-1]
	}
}

func (p *CycleProcessor) finish(ctx context.Context, report *RunReport) {
	p.logger.InfoContext(ctx, "cycle processor run complete",
		"task", report.Task,
		"processed", report.Processed,
		"renewed", report.Renewed,
		"cancelled", report.Cancelled,
		"expired", report.Expired,
		"grace_entered", report.GraceEntered,
		"recovered", report.Recovered,
		"skipped", report.Skipped,
		"payment_errors", report.PaymentErrors,
		"failures", len(report.Failures),
	)
	if p.metrics == nil {
		return
	}
	if err := p.metrics.RecordRun(ctx, *report); err != nil {
		p.logger.WarnContext(ctx, "failed to record cycle metrics", "error", err)
	}
}

// processAssignment evaluates one assignment in its own transaction and
// publishes the resulting events after commit. Running it twice on the same
// day is a no-op the second time.
func (p *CycleProcessor) processAssignment(ctx context.Context, id string, now time.Time) (result, error) {
	var res result
	err := p.tx.RunInTx(ctx, func(ctx context.Context, s billing.Stores) error {
		var err error
		res, err = p.process(ctx, s, id, now)
		return err
	})
	if err != nil {
		return res, err
	}
	billing.PublishEvents(ctx, p.events, p.logger, res.events)
	return res, nil
}

func (p *CycleProcessor) process(ctx context.Context, s billing.Stores, id string, now time.Time) (result, error) {
	a, err := s.Assignments.GetForUpdate(ctx, id)
	if err != nil {
		return result{}, err
	}
	if a.Status != types.AssignmentActive && a.Status != types.AssignmentGracePeriod {
		return result{outcome: OutcomeSkipped}, nil
	}
	plan, err := s.Plans.GetByID(ctx, a.PlanID)
	if err != nil {
		return result{}, err
	}

	before := *a
	today := types.TruncateDay(now)

	var res result
	var action string
	switch {
	case billing.GraceExpired(a, now):
		res, err = p.cancelAfterGrace(ctx, s, a, plan, now)
		action = types.AuditActionAssignmentStatusChanged
	case a.NextBillingDate.After(today):
		if a.Status != types.AssignmentGracePeriod || attemptedToday(a, today) {
			return result{outcome: OutcomeSkipped}, nil
		}
		res, err = p.retryGracePayment(ctx, s, a, plan, now)
		action = types.AuditActionAssignmentStatusChanged
	default:
		if a.LastHoursResetDate != nil && a.LastHoursResetDate.Equal(today) {
			return result{outcome: OutcomeSkipped}, nil
		}
		res, err = p.renew(ctx, s, a, plan, now)
		action = types.AuditActionAssignmentRenewed
	}
	if err != nil {
		return res, err
	}

	if err := s.Assignments.Update(ctx, a); err != nil {
		return res, err
	}
	if err := billing.AuditAssignmentChange(ctx, s, now, types.SystemActor, action, &before, a); err != nil {
		return res, err
	}
	return res, nil
}

// renew closes the period ending today and either cancels, expires or
// advances the assignment and charges the next period.
func (p *CycleProcessor) renew(ctx context.Context, s billing.Stores, a *types.PlanAssignment, plan *types.Plan, now time.Time) (result, error) {
	today := types.TruncateDay(now)
	due := types.TruncateDay(a.NextBillingDate)

	if err := closeCurrentPeriod(ctx, s, a, plan, today); err != nil {
		return result{}, err
	}
	billing.ResetUsage(a, today)

	if !a.AutoRenew {
		if err := billing.ValidateTransition(a.Status, types.AssignmentCancelled); err != nil {
			return result{}, err
		}
		billing.MarkCancelled(a, types.CancelledBySystem, reasonAutoRenewOff, now)
		return result{
			outcome: OutcomeCancelled,
			events: []types.DomainEvent{billing.AssignmentEvent(types.EventPlanCancelled, a, now,
				map[string]any{"reason": reasonAutoRenewOff})},
		}, nil
	}

	if plan.BillingInterval == types.IntervalOneTime {
		if err := billing.ValidateTransition(a.Status, types.AssignmentExpired); err != nil {
			return result{}, err
		}
		a.Status = types.AssignmentExpired
		a.GracePeriodStart = nil
		a.GracePeriodEnd = nil
		return result{
			outcome: OutcomeExpired,
			events:  []types.DomainEvent{billing.AssignmentEvent(types.EventPlanExpired, a, now, nil)},
		}, nil
	}

	if err := s.HourLogs.Open(ctx, billing.NewPeriodLog(uuid.NewString(), a, plan, today)); err != nil {
		return result{}, err
	}
	a.NextBillingDate = billing.AdvancePast(a.NextBillingDate, today, plan.BillingInterval, a.BillingCycleDay)

	// Keyed by the billing date so a renewal retried on a later day reuses
	// the same idempotency key.
	charge, err := p.charge(ctx, s, a, plan, due)
	if err != nil {
		if billing.PaymentOutcomeUnknown(err) && today.Before(due.AddDate(0, 0, p.cfg.PaymentErrorDays)) {
			return result{paymentError: true}, err
		}
		p.logger.WarnContext(ctx, "renewal charge failed; counting it as unpaid",
			"assignment_id", a.ID,
			"billing_date", due.Format(time.DateOnly),
			"error", err,
		)
		charge = failedCharge(err)
	}
	res := p.applyCharge(a, charge, now, true)
	res.paymentError = err != nil
	return res, nil
}

// retryGracePayment re-attempts the charge for the current period of a
// grace_period assignment whose billing date is still in the future.
func (p *CycleProcessor) retryGracePayment(ctx context.Context, s billing.Stores, a *types.PlanAssignment, plan *types.Plan, now time.Time) (result, error) {
	periodStart := billing.PreviousBillingDate(a.NextBillingDate, plan.BillingInterval, a.BillingCycleDay)
	if current, err := s.HourLogs.Current(ctx, a.ID); err == nil {
		periodStart = current.PeriodStart
	} else if !types.IsCode(err, types.ErrCodeNotFoundHourLog) {
		return result{}, err
	}

	charge, err := p.charge(ctx, s, a, plan, periodStart)
	if err != nil {
		// An unknown outcome rolls back and is retried tomorrow; the grace
		// window bounds how long that can go on.
		if billing.PaymentOutcomeUnknown(err) {
			return result{paymentError: true}, err
		}
		charge = failedCharge(err)
	}
	res := p.applyCharge(a, charge, now, false)
	res.paymentError = err != nil
	return res, nil
}

// failedCharge turns a collaborator error into a failed charge verdict.
func failedCharge(err error) *billing.ChargeResult {
	return &billing.ChargeResult{FailureCode: failurePaymentError, FailureMessage: err.Error()}
}

// cancelAfterGrace cancels an assignment whose grace window closed without
// a successful payment. The current period is closed so the ledger keeps
// the hours consumed during grace.
func (p *CycleProcessor) cancelAfterGrace(ctx context.Context, s billing.Stores, a *types.PlanAssignment, plan *types.Plan, now time.Time) (result, error) {
	if err := billing.ValidateTransition(a.Status, types.AssignmentCancelled); err != nil {
		return result{}, err
	}
	if err := closeCurrentPeriod(ctx, s, a, plan, types.TruncateDay(now)); err != nil {
		return result{}, err
	}
	billing.MarkCancelled(a, types.CancelledBySystem, reasonGraceExpired, now)
	return result{
		outcome: OutcomeCancelled,
		events: []types.DomainEvent{billing.AssignmentEvent(types.EventPlanCancelled, a, now,
			map[string]any{"reason": reasonGraceExpired})},
	}, nil
}

// applyCharge moves the assignment according to the charge verdict.
func (p *CycleProcessor) applyCharge(a *types.PlanAssignment, charge *billing.ChargeResult, now time.Time, renewed bool) result {
	if charge.Succeeded {
		var res result
		if a.Status == types.AssignmentGracePeriod {
			billing.RecoverFromGrace(a, now)
			res.outcome = OutcomeRecovered
			res.events = append(res.events, billing.AssignmentEvent(types.EventPlanPaymentRecovered, a, now,
				map[string]any{"payment_intent_id": charge.PaymentIntentID}))
		} else {
			attempt := now
			a.LastPaymentAttemptAt = &attempt
			a.FailedPaymentCount = 0
			res.outcome = OutcomeRenewed
		}
		if renewed {
			res.events = append(res.events, billing.AssignmentEvent(types.EventPlanRenewed, a, now,
				map[string]any{
					"next_billing_date": a.NextBillingDate.Format(time.DateOnly),
					"payment_intent_id": charge.PaymentIntentID,
				}))
		}
		return res
	}

	if billing.EnterGrace(a, now, p.cfg.GraceDays) {
		return result{
			outcome: OutcomeGraceEntered,
			events: []types.DomainEvent{billing.AssignmentEvent(types.EventPlanGracePeriodEntered, a, now,
				map[string]any{
					"grace_period_end": a.GracePeriodEnd.Format(time.RFC3339),
					"failure_code":     charge.FailureCode,
				})},
		}
	}
	return result{outcome: OutcomeGraceRetried}
}

// charge attempts the period fee. A free plan always succeeds and an
// organization without a saved payment method is a decline. Collaborator
// errors are returned as is; the caller decides between rolling back and
// counting the charge as failed.
func (p *CycleProcessor) charge(ctx context.Context, s billing.Stores, a *types.PlanAssignment, plan *types.Plan, periodStart time.Time) (*billing.ChargeResult, error) {
	fee := plan.PeriodFee()
	if fee <= 0 {
		return &billing.ChargeResult{Succeeded: true}, nil
	}
	if p.payments == nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "no payment collaborator configured", nil)
	}

	acct, err := s.Accounts.GetBillingAccount(ctx, a.OrganizationID)
	if err != nil {
		return nil, err
	}
	if acct.StripeCustomerID == "" || acct.PaymentMethodID == "" {
		return &billing.ChargeResult{
			FailureCode:    failureNoPaymentMethod,
			FailureMessage: "organization has no saved payment method",
		}, nil
	}

	res, err := p.payments.Charge(ctx, billing.ChargeRequest{
		AssignmentID:    a.ID,
		OrganizationID:  a.OrganizationID,
		CustomerID:      acct.StripeCustomerID,
		PaymentMethodID: acct.PaymentMethodID,
		Amount:          fee,
		Currency:        plan.Currency,
		Description:     fmt.Sprintf("%s: %s", p.cfg.Description, plan.Name),
		IdempotencyKey:  billing.RenewalIdempotencyKey(a, periodStart),
	})
	if err != nil {
		return nil, fmt.Errorf("charging assignment %s: %w", a.ID, err)
	}
	if res == nil {
		return nil, errors.New("payment collaborator returned no result")
	}
	return res, nil
}

// closeCurrentPeriod snapshots and closes the open hour log. An assignment
// without an open period (for example one migrated without a log) is
// tolerated.
func closeCurrentPeriod(ctx context.Context, s billing.Stores, a *types.PlanAssignment, plan *types.Plan, periodEnd time.Time) error {
	current, err := s.HourLogs.Current(ctx, a.ID)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundHourLog) {
			return nil
		}
		return err
	}
	billing.SnapshotPeriod(current, a, plan, periodEnd)
	return s.HourLogs.Close(ctx, current)
}

func attemptedToday(a *types.PlanAssignment, today time.Time) bool {
	return a.LastPaymentAttemptAt != nil && types.TruncateDay(*a.LastPaymentAttemptAt).Equal(today)
}
