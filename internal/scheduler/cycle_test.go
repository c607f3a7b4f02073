package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

var runAt = time.Date(2026, 1, 15, 2, 0, 0, 0, time.UTC)

func TestProcessDue_RenewsAndRollsPeriod(t *testing.T) {
	h := newHarness(dueAssignment("a-1"))

	report, err := h.processor.ProcessDue(context.Background(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Renewed)
	assert.Empty(t, report.Failures)

	a := h.db.assignment("a-1")
	assert.Equal(t, types.AssignmentActive, a.Status)
	assert.Equal(t, day("2026-02-15"), a.NextBillingDate)
	assert.True(t, a.SupportHoursUsed.IsZero())
	assert.True(t, a.DevHoursUsed.IsZero())
	require.NotNil(t, a.LastHoursResetDate)
	assert.Equal(t, day("2026-01-15"), *a.LastHoursResetDate)

	logs := h.db.logsFor("a-1")
	require.Len(t, logs, 2)
	closed, current := logs[0], logs[1]

	assert.False(t, closed.IsCurrentPeriod)
	require.NotNil(t, closed.PeriodEnd)
	assert.Equal(t, day("2026-01-15"), *closed.PeriodEnd)
	assert.True(t, decimal.NewFromInt(12).Equal(closed.SupportHoursUsed))
	assert.True(t, decimal.NewFromInt(2).Equal(closed.SupportOverageHours))
	assert.True(t, closed.DevOverageHours.IsZero())

	assert.True(t, current.IsCurrentPeriod)
	assert.Equal(t, day("2026-01-15"), current.PeriodStart)
	assert.True(t, current.SupportHoursUsed.IsZero())

	assert.Equal(t, []string{"renewal:a-1:2026-01-15:0"}, h.payments.keys())
	assert.Equal(t, []types.EventType{types.EventPlanRenewed}, h.events.eventTypes())
	assert.Equal(t, []string{types.AuditActionAssignmentRenewed}, h.db.auditActions())

	require.Len(t, h.recorder.reports, 1)
	assert.Equal(t, 1, h.recorder.reports[0].Renewed)
}

func TestProcessDue_SecondRunSameDayIsNoOp(t *testing.T) {
	h := newHarness(dueAssignment("a-1"))
	ctx := context.Background()

	_, err := h.processor.ProcessDue(ctx, runAt)
	require.NoError(t, err)
	after := h.db.assignment("a-1")

	report, err := h.processor.ProcessDue(ctx, runAt.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, report.Renewed)

	res, err := h.processor.processAssignment(ctx, "a-1", runAt.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.outcome)

	assert.Equal(t, after, h.db.assignment("a-1"))
	assert.Len(t, h.db.logsFor("a-1"), 2)
	assert.Len(t, h.payments.keys(), 1)
}

func TestProcessDue_DeclineEntersGrace(t *testing.T) {
	h := newHarness(dueAssignment("a-1"))
	h.payments.declined["a-1"] = true

	report, err := h.processor.ProcessDue(context.Background(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.GraceEntered)

	a := h.db.assignment("a-1")
	assert.Equal(t, types.AssignmentGracePeriod, a.Status)
	assert.Equal(t, 1, a.FailedPaymentCount)
	require.NotNil(t, a.GracePeriodEnd)
	assert.Equal(t, runAt.AddDate(0, 0, 7), *a.GracePeriodEnd)

	// The period still rolled over; only the payment is outstanding.
	assert.Equal(t, day("2026-02-15"), a.NextBillingDate)
	assert.Contains(t, h.events.eventTypes(), types.EventPlanGracePeriodEntered)

	// The sweep in the same run must not retry a charge attempted today.
	assert.Len(t, h.payments.keys(), 1)
}

func TestSweepGrace_RetrySucceedsAndRecovers(t *testing.T) {
	h := newHarness(dueAssignment("a-1"))
	h.payments.declined["a-1"] = true
	ctx := context.Background()

	_, err := h.processor.ProcessDue(ctx, runAt)
	require.NoError(t, err)

	h.payments.declined["a-1"] = false
	report, err := h.processor.SweepGrace(ctx, runAt.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Recovered)
	assert.Equal(t, TaskGraceSweep, report.Task)

	a := h.db.assignment("a-1")
	assert.Equal(t, types.AssignmentActive, a.Status)
	assert.Zero(t, a.FailedPaymentCount)
	assert.Nil(t, a.GracePeriodEnd)
	assert.Equal(t, day("2026-02-15"), a.NextBillingDate)

	assert.Equal(t, []string{
		"renewal:a-1:2026-01-15:0",
		"renewal:a-1:2026-01-15:1",
	}, h.payments.keys())
	assert.Contains(t, h.events.eventTypes(), types.EventPlanPaymentRecovered)
}

func TestSweepGrace_RetryDeclinedStaysInGrace(t *testing.T) {
	h := newHarness(dueAssignment("a-1"))
	h.payments.declined["a-1"] = true
	ctx := context.Background()

	_, err := h.processor.ProcessDue(ctx, runAt)
	require.NoError(t, err)
	graceEnd := *h.db.assignment("a-1").GracePeriodEnd

	_, err = h.processor.SweepGrace(ctx, runAt.AddDate(0, 0, 1))
	require.NoError(t, err)

	a := h.db.assignment("a-1")
	assert.Equal(t, types.AssignmentGracePeriod, a.Status)
	assert.Equal(t, 2, a.FailedPaymentCount)
	assert.Equal(t, graceEnd, *a.GracePeriodEnd, "later failures must not extend the window")
}

func TestSweepGrace_ExpiredWindowCancels(t *testing.T) {
	a := dueAssignment("a-1")
	start := day("2026-01-03")
	end := day("2026-01-10")
	a.Status = types.AssignmentGracePeriod
	a.NextBillingDate = day("2026-02-15")
	a.GracePeriodStart = &start
	a.GracePeriodEnd = &end
	a.FailedPaymentCount = 3
	h := newHarness(a)

	report, err := h.processor.SweepGrace(context.Background(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cancelled)

	got := h.db.assignment("a-1")
	assert.Equal(t, types.AssignmentCancelled, got.Status)
	assert.Equal(t, types.CancelledBySystem, got.CancelledBy)
	require.NotNil(t, got.CancelledAt)
	assert.Nil(t, got.GracePeriodEnd)

	for _, l := range h.db.logsFor("a-1") {
		assert.False(t, l.IsCurrentPeriod)
	}
	assert.Empty(t, h.payments.keys())
	assert.Equal(t, []types.EventType{types.EventPlanCancelled}, h.events.eventTypes())
}

func TestProcessDue_AutoRenewOffCancels(t *testing.T) {
	a := dueAssignment("a-1")
	a.AutoRenew = false
	h := newHarness(a)

	report, err := h.processor.ProcessDue(context.Background(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cancelled)

	got := h.db.assignment("a-1")
	assert.Equal(t, types.AssignmentCancelled, got.Status)
	assert.Equal(t, types.CancelledBySystem, got.CancelledBy)
	assert.Equal(t, day("2026-01-15"), got.NextBillingDate, "cancellation does not advance the cycle")

	logs := h.db.logsFor("a-1")
	require.Len(t, logs, 1, "no new period is opened")
	assert.False(t, logs[0].IsCurrentPeriod)
	assert.Empty(t, h.payments.keys())
}

func TestProcessDue_OneTimePlanExpires(t *testing.T) {
	h := newHarness(dueAssignment("a-1"))
	plan := h.db.plans["plan-1"]
	plan.BillingInterval = types.IntervalOneTime
	h.db.plans["plan-1"] = plan

	report, err := h.processor.ProcessDue(context.Background(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, types.AssignmentExpired, h.db.assignment("a-1").Status)
	assert.Len(t, h.db.logsFor("a-1"), 1)
	assert.Empty(t, h.payments.keys())
	assert.Equal(t, []types.EventType{types.EventPlanExpired}, h.events.eventTypes())
}

func TestProcessDue_CollaboratorErrorRollsBack(t *testing.T) {
	h := newHarness(dueAssignment("a-1"))
	h.payments.errs["a-1"] = errors.New("connection reset")
	before := h.db.assignment("a-1")
	ctx := context.Background()

	report, err := h.processor.ProcessDue(ctx, runAt)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "a-1", report.Failures[0].AssignmentID)
	assert.Equal(t, 1, report.PaymentErrors)

	assert.Equal(t, before, h.db.assignment("a-1"))
	assert.Len(t, h.db.logsFor("a-1"), 1)
	assert.Empty(t, h.events.eventTypes())

	// The next run retries with the same key so the collaborator can dedupe.
	delete(h.payments.errs, "a-1")
	_, err = h.processor.ProcessDue(ctx, runAt.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"renewal:a-1:2026-01-15:0", "renewal:a-1:2026-01-15:0"}, h.payments.keys())
	assert.Equal(t, types.AssignmentActive, h.db.assignment("a-1").Status)
}

func TestProcessDue_RejectedChargeEntersGrace(t *testing.T) {
	h := newHarness(dueAssignment("a-1"))
	h.payments.errs["a-1"] = types.NewAppError(types.ErrCodePaymentRejected,
		"charge: Stripe rejected the request (400): No such customer", nil)

	report, err := h.processor.ProcessDue(context.Background(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.GraceEntered)
	assert.Equal(t, 1, report.PaymentErrors)
	assert.Empty(t, report.Failures)

	a := h.db.assignment("a-1")
	assert.Equal(t, types.AssignmentGracePeriod, a.Status)
	assert.Equal(t, 1, a.FailedPaymentCount)
	assert.Equal(t, day("2026-02-15"), a.NextBillingDate)
	assert.True(t, a.SupportHoursUsed.IsZero())
	assert.Len(t, h.db.logsFor("a-1"), 2)
	assert.Contains(t, h.events.eventTypes(), types.EventPlanGracePeriodEntered)
}

func TestProcessDue_UnknownOutcomeStopsRetryingAfterBudget(t *testing.T) {
	h := newHarness(dueAssignment("a-1"))
	h.payments.errs["a-1"] = types.NewAppError(types.ErrCodeUpstreamStripe,
		"charge: Stripe server error: internal", nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		report, err := h.processor.ProcessDue(ctx, runAt.AddDate(0, 0, i))
		require.NoError(t, err)
		require.Len(t, report.Failures, 1)
		assert.Equal(t, 1, report.PaymentErrors)
		assert.Equal(t, types.AssignmentActive, h.db.assignment("a-1").Status)
		assert.Equal(t, day("2026-01-15"), h.db.assignment("a-1").NextBillingDate)
	}

	report, err := h.processor.ProcessDue(ctx, runAt.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, 1, report.GraceEntered)
	assert.Equal(t, 1, report.PaymentErrors)
	assert.Empty(t, report.Failures)

	a := h.db.assignment("a-1")
	assert.Equal(t, types.AssignmentGracePeriod, a.Status)
	assert.Equal(t, day("2026-02-15"), a.NextBillingDate)
	require.NotNil(t, a.GracePeriodEnd)
	assert.Equal(t, runAt.AddDate(0, 0, 10), *a.GracePeriodEnd)

	// Daily runs for the rest of the month leave it alone until the next
	// billing date.
	for i := 4; i < 30; i++ {
		_, err := h.processor.ProcessDue(ctx, runAt.AddDate(0, 0, i))
		require.NoError(t, err)
	}
	keys := h.payments.keys()
	require.Len(t, keys, 4)
	for _, k := range keys {
		assert.Equal(t, "renewal:a-1:2026-01-15:0", k)
	}
}

func TestSweepGrace_RejectedRetryCountsAsFailure(t *testing.T) {
	h := newHarness(dueAssignment("a-1"))
	h.payments.declined["a-1"] = true
	ctx := context.Background()

	_, err := h.processor.ProcessDue(ctx, runAt)
	require.NoError(t, err)

	h.payments.errs["a-1"] = types.NewAppError(types.ErrCodePaymentRejected, "charge: Stripe rejected the request (402): card expired", nil)
	report, err := h.processor.SweepGrace(ctx, runAt.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	assert.Equal(t, 1, report.PaymentErrors)

	a := h.db.assignment("a-1")
	assert.Equal(t, types.AssignmentGracePeriod, a.Status)
	assert.Equal(t, 2, a.FailedPaymentCount)
}

func TestProcessDue_YearlyPlanChargesPeriodFee(t *testing.T) {
	h := newHarness(dueAssignment("a-1"))
	plan := h.db.plans["plan-1"]
	plan.BillingInterval = types.IntervalYearly
	h.db.plans["plan-1"] = plan

	report, err := h.processor.ProcessDue(context.Background(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Renewed)

	require.Len(t, h.payments.requests, 1)
	assert.Equal(t, int64(1080000), h.payments.requests[0].Amount)
	assert.Equal(t, day("2027-01-15"), h.db.assignment("a-1").NextBillingDate)
}

func TestProcessDue_NoPaymentMethodIsDecline(t *testing.T) {
	h := newHarness(dueAssignment("a-1"))
	h.db.accounts["org-1"] = types.BillingAccount{OrganizationID: "org-1", StripeCustomerID: "cus_1"}

	report, err := h.processor.ProcessDue(context.Background(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.GraceEntered)
	assert.Empty(t, h.payments.keys())
}

func TestProcessDue_FreePlanSkipsCharge(t *testing.T) {
	h := newHarness(dueAssignment("a-1"))
	plan := h.db.plans["plan-1"]
	plan.MonthlyFee = 0
	h.db.plans["plan-1"] = plan

	report, err := h.processor.ProcessDue(context.Background(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Renewed)
	assert.Empty(t, h.payments.keys())
}

func TestProcessDue_CatchUpChargesOnce(t *testing.T) {
	a := dueAssignment("a-1")
	a.NextBillingDate = day("2025-11-15")
	h := newHarness(a)

	_, err := h.processor.ProcessDue(context.Background(), runAt)
	require.NoError(t, err)
	assert.Equal(t, day("2026-02-15"), h.db.assignment("a-1").NextBillingDate)
	assert.Len(t, h.payments.keys(), 1)
}

func TestProcessDue_FailureDoesNotAbortBatch(t *testing.T) {
	h := newHarness(dueAssignment("a-1"), dueAssignment("a-2"), dueAssignment("a-3"))
	h.db.updateErr["a-2"] = types.NewAppError(types.ErrCodeInternalDB, "boom", nil)

	report, err := h.processor.ProcessDue(context.Background(), runAt)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Renewed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "a-2", report.Failures[0].AssignmentID)

	assert.Equal(t, day("2026-02-15"), h.db.assignment("a-1").NextBillingDate)
	assert.Equal(t, day("2026-01-15"), h.db.assignment("a-2").NextBillingDate)
	assert.Equal(t, day("2026-02-15"), h.db.assignment("a-3").NextBillingDate)
}

func TestProcessDue_SkipsNonRunningAssignments(t *testing.T) {
	a := dueAssignment("a-1")
	a.Status = types.AssignmentPaused
	h := newHarness(a)

	res, err := h.processor.processAssignment(context.Background(), "a-1", runAt)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.outcome)
	assert.Empty(t, h.db.auditActions())
}

func TestRunReport_RecordAndMerge(t *testing.T) {
	var r RunReport
	r.Record(OutcomeRenewed)
	r.Record(OutcomeGraceRetried)
	r.Fail("a-9", errors.New("boom"))

	other := RunReport{Processed: 2, Cancelled: 1, Skipped: 1}
	r.Merge(other)

	assert.Equal(t, 5, r.Processed)
	assert.Equal(t, 1, r.Renewed)
	assert.Equal(t, 1, r.Cancelled)
	assert.Equal(t, 1, r.Skipped)
	assert.Equal(t, 5, r.Items())
	require.Len(t, r.Failures, 1)
	assert.Equal(t, "boom", r.Failures[0].Error)
}
