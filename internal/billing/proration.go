package billing

import (
	"time"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

const day = 24 * time.Hour

// ProrationCredit is the unused share of the period fee when an assignment is
// cancelled mid-period: fee * unused days / period days, rounded down.
// Assignments that were not paid up (pending, grace_period) and one-time
// plans earn no credit.
func ProrationCredit(a *types.PlanAssignment, p *types.Plan, now time.Time) int64 {
	if a.Status != types.AssignmentActive && a.Status != types.AssignmentPaused {
		return 0
	}
	if p.BillingInterval == types.IntervalOneTime {
		return 0
	}
	fee := p.PeriodFee()
	if fee <= 0 {
		return 0
	}

	periodEnd := types.TruncateDay(a.NextBillingDate)
	periodStart := PreviousBillingDate(periodEnd, p.BillingInterval, a.BillingCycleDay)
	if start := types.TruncateDay(a.StartDate); start.After(periodStart) {
		periodStart = start
	}

	total := int64(periodEnd.Sub(periodStart) / day)
	if total <= 0 {
		return 0
	}
	unused := int64(periodEnd.Sub(types.TruncateDay(now)) / day)
	switch {
	case unused <= 0:
		return 0
	case unused > total:
		unused = total
	}
	return fee * unused / total
}
