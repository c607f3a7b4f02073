package billing

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

const (
	MinCycleDay = 1
	MaxCycleDay = 28
)

// ValidateCycleDay restricts billing_cycle_day to 1..28 so every month has
// the day.
func ValidateCycleDay(day int) error {
	if day < MinCycleDay || day > MaxCycleDay {
		return types.FieldError(types.ErrCodeValidationInvalidCycleDay, "billing_cycle_day",
			"billing_cycle_day must be between 1 and 28")
	}
	return nil
}

// dateOn returns the given day of year/month, clamped to the month's last day.
// month may be out of range; time.Date normalizes it.
func dateOn(year int, month time.Month, day int) time.Time {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, 0, 0, 0, 0, time.UTC)
}

// FirstBillingDate is the first occurrence of cycleDay strictly after start.
func FirstBillingDate(start time.Time, cycleDay int) time.Time {
	start = types.TruncateDay(start)
	candidate := dateOn(start.Year(), start.Month(), cycleDay)
	if !candidate.After(start) {
		candidate = dateOn(start.Year(), start.Month()+1, cycleDay)
	}
	return candidate
}

// AdvanceBillingDate moves current forward by one billing interval and
// normalizes the result to cycleDay. One-time plans have no next date; ok is
// false for them.
func AdvanceBillingDate(current time.Time, interval types.BillingInterval, cycleDay int) (next time.Time, ok bool) {
	current = types.TruncateDay(current)
	switch interval {
	case types.IntervalMonthly:
		return dateOn(current.Year(), current.Month()+1, cycleDay), true
	case types.IntervalYearly:
		return dateOn(current.Year()+1, current.Month(), cycleDay), true
	default:
		return current, false
	}
}

// PreviousBillingDate is the inverse of AdvanceBillingDate. It locates the
// start of the period that ends at next.
func PreviousBillingDate(next time.Time, interval types.BillingInterval, cycleDay int) time.Time {
	next = types.TruncateDay(next)
	switch interval {
	case types.IntervalYearly:
		return dateOn(next.Year()-1, next.Month(), cycleDay)
	default:
		return dateOn(next.Year(), next.Month()-1, cycleDay)
	}
}

// AdvancePast advances current until it is strictly after today. It is used
// when a run catches up on missed cycles; only one renewal is charged.
func AdvancePast(current, today time.Time, interval types.BillingInterval, cycleDay int) time.Time {
	today = types.TruncateDay(today)
	next := types.TruncateDay(current)
	for !next.After(today) {
		advanced, ok := AdvanceBillingDate(next, interval, cycleDay)
		if !ok {
			return next
		}
		next = advanced
	}
	return next
}

// ResumeBillingDate keeps a paused assignment's billing date unless it
// elapsed during the pause, in which case billing restarts at the next
// occurrence of cycleDay on or after today.
func ResumeBillingDate(next, today time.Time, cycleDay int) time.Time {
	today = types.TruncateDay(today)
	if !types.TruncateDay(next).Before(today) {
		return types.TruncateDay(next)
	}
	candidate := dateOn(today.Year(), today.Month(), cycleDay)
	if candidate.Before(today) {
		candidate = dateOn(today.Year(), today.Month()+1, cycleDay)
	}
	return candidate
}

// Remaining is max(0, included - used).
func Remaining(included, used decimal.Decimal) decimal.Decimal {
	r := included.Sub(used)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Overage is max(0, used - included).
func Overage(included, used decimal.Decimal) decimal.Decimal {
	o := used.Sub(included)
	if o.IsNegative() {
		return decimal.Zero
	}
	return o
}

// CoverageUsage is the read model for one usage counter.
type CoverageUsage struct {
	Included  decimal.Decimal `json:"included"`
	Used      decimal.Decimal `json:"used"`
	Remaining decimal.Decimal `json:"remaining"`
	Overage   decimal.Decimal `json:"overage"`
}

// UsageSummary is the current-period usage of an assignment.
type UsageSummary struct {
	AssignmentID    string                 `json:"assignment_id"`
	Status          types.AssignmentStatus `json:"status"`
	PeriodStart     *time.Time             `json:"period_start,omitempty"`
	NextBillingDate time.Time              `json:"next_billing_date"`
	CanSubmit       bool                   `json:"can_submit"`
	Support         CoverageUsage          `json:"support"`
	Dev             CoverageUsage          `json:"dev"`
}

func coverageUsage(included, used decimal.Decimal) CoverageUsage {
	return CoverageUsage{
		Included:  included,
		Used:      used,
		Remaining: Remaining(included, used),
		Overage:   Overage(included, used),
	}
}

// Summarize builds the usage read model from an assignment and its plan.
func Summarize(a *types.PlanAssignment, p *types.Plan) UsageSummary {
	return UsageSummary{
		AssignmentID:    a.ID,
		Status:          a.Status,
		PeriodStart:     a.LastHoursResetDate,
		NextBillingDate: a.NextBillingDate,
		CanSubmit:       CanSubmitUnderPlan(a.Status),
		Support:         coverageUsage(p.SupportHoursIncluded, a.SupportHoursUsed),
		Dev:             coverageUsage(p.DevHoursIncluded, a.DevHoursUsed),
	}
}

// NewPeriodLog builds the current-period row opened at periodStart with the
// plan's included hours.
func NewPeriodLog(id string, a *types.PlanAssignment, p *types.Plan, periodStart time.Time) *types.PlanHourLog {
	return &types.PlanHourLog{
		ID:                   id,
		AssignmentID:         a.ID,
		PeriodStart:          types.TruncateDay(periodStart),
		SupportHoursIncluded: p.SupportHoursIncluded,
		DevHoursIncluded:     p.DevHoursIncluded,
		SupportHoursUsed:     decimal.Zero,
		DevHoursUsed:         decimal.Zero,
		SupportOverageHours:  decimal.Zero,
		DevOverageHours:      decimal.Zero,
		IsCurrentPeriod:      true,
	}
}

// SnapshotPeriod copies the assignment's counters into log and derives the
// overage against the plan's current included hours. The log is not written.
func SnapshotPeriod(log *types.PlanHourLog, a *types.PlanAssignment, p *types.Plan, periodEnd time.Time) {
	end := types.TruncateDay(periodEnd)
	log.PeriodEnd = &end
	log.SupportHoursIncluded = p.SupportHoursIncluded
	log.DevHoursIncluded = p.DevHoursIncluded
	log.SupportHoursUsed = a.SupportHoursUsed
	log.DevHoursUsed = a.DevHoursUsed
	log.SupportOverageHours = Overage(p.SupportHoursIncluded, a.SupportHoursUsed)
	log.DevOverageHours = Overage(p.DevHoursIncluded, a.DevHoursUsed)
}

// ResetUsage zeroes both counters and stamps the reset day. Only the cycle
// processor calls it.
func ResetUsage(a *types.PlanAssignment, today time.Time) {
	day := types.TruncateDay(today)
	a.SupportHoursUsed = decimal.Zero
	a.DevHoursUsed = decimal.Zero
	a.LastHoursResetDate = &day
}

// EnterGrace records a failed renewal payment. The grace window opens only
// on the first failure; later failures just bump the counter. It reports
// whether the assignment newly entered grace.
func EnterGrace(a *types.PlanAssignment, now time.Time, graceDays int) bool {
	attempt := now
	a.LastPaymentAttemptAt = &attempt
	a.FailedPaymentCount++
	if a.Status == types.AssignmentGracePeriod {
		return false
	}
	start := now
	end := now.AddDate(0, 0, graceDays)
	a.Status = types.AssignmentGracePeriod
	a.GracePeriodStart = &start
	a.GracePeriodEnd = &end
	return true
}

// RecoverFromGrace returns a grace_period assignment to active after a
// successful payment.
func RecoverFromGrace(a *types.PlanAssignment, now time.Time) {
	attempt := now
	a.Status = types.AssignmentActive
	a.GracePeriodStart = nil
	a.GracePeriodEnd = nil
	a.FailedPaymentCount = 0
	a.LastPaymentAttemptAt = &attempt
}

// GraceExpired reports whether the grace window closed before now.
func GraceExpired(a *types.PlanAssignment, now time.Time) bool {
	return a.Status == types.AssignmentGracePeriod &&
		a.GracePeriodEnd != nil && a.GracePeriodEnd.Before(now)
}

// MarkCancelled stamps the cancellation fields. Callers validate the
// transition first.
func MarkCancelled(a *types.PlanAssignment, by, reason string, now time.Time) {
	at := now
	a.Status = types.AssignmentCancelled
	a.CancelledAt = &at
	a.CancelledBy = by
	if reason != "" {
		a.CancellationReason = reason
	}
	a.GracePeriodStart = nil
	a.GracePeriodEnd = nil
}

// RenewalIdempotencyKey identifies one charge attempt for a period. The
// attempt number changes after every failure so a retry is a new charge,
// while a replayed run reuses the key.
func RenewalIdempotencyKey(a *types.PlanAssignment, periodStart time.Time) string {
	return "renewal:" + a.ID + ":" + types.TruncateDay(periodStart).Format("2006-01-02") +
		":" + strconv.Itoa(a.FailedPaymentCount)
}
