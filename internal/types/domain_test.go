package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPlanPeriodFee(t *testing.T) {
	p := Plan{MonthlyFee: 10000, BillingInterval: IntervalMonthly}
	assert.Equal(t, int64(10000), p.PeriodFee())

	p.BillingInterval = IntervalYearly
	assert.Equal(t, int64(120000), p.PeriodFee())

	p.BillingInterval = IntervalOneTime
	assert.Equal(t, int64(10000), p.PeriodFee())
}

func TestPlanCoverageAccessors(t *testing.T) {
	p := Plan{
		SupportHoursIncluded: decimal.NewFromInt(10),
		DevHoursIncluded:     decimal.NewFromInt(5),
		SupportHourlyRate:    9000,
		DevHourlyRate:        15000,
	}
	assert.True(t, p.Included(CoverageSupport).Equal(decimal.NewFromInt(10)))
	assert.True(t, p.Included(CoverageDev).Equal(decimal.NewFromInt(5)))
	assert.Equal(t, int64(15000), p.HourlyRate(CoverageDev))
}

func TestOverageAcceptanceStates(t *testing.T) {
	o := OverageAcceptance{}
	assert.True(t, o.IsPending())
	assert.False(t, o.IsAccepted())

	no := false
	o.Accepted = &no
	assert.False(t, o.IsPending())
	assert.False(t, o.IsAccepted())

	yes := true
	o.Accepted = &yes
	assert.True(t, o.IsAccepted())
}

func TestTruncateDay(t *testing.T) {
	loc := time.FixedZone("EST", -5*3600)
	in := time.Date(2026, 1, 15, 22, 30, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC), TruncateDay(in))
}
