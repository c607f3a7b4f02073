package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Plan is a reusable billing template. Rates and fees are integer minor
// currency units (cents). Plans are archived via IsActive, never deleted.
type Plan struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Description          string          `json:"description,omitempty"`
	SupportHoursIncluded decimal.Decimal `json:"support_hours_included"`
	DevHoursIncluded     decimal.Decimal `json:"dev_hours_included"`
	SupportHourlyRate    int64           `json:"support_hourly_rate"`
	DevHourlyRate        int64           `json:"dev_hourly_rate"`
	MonthlyFee           int64           `json:"monthly_fee"`
	Currency             string          `json:"currency"`
	BillingInterval      BillingInterval `json:"billing_interval"`
	PaymentTermsDays     int             `json:"payment_terms_days"`
	RushSupportIncluded  bool            `json:"rush_support_included"`
	RushSupportFee       int64           `json:"rush_support_fee"`
	IsTemplate           bool            `json:"is_template"`
	IsActive             bool            `json:"is_active"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Included returns the included hours for a coverage type.
func (p *Plan) Included(c CoverageType) decimal.Decimal {
	if c == CoverageDev {
		return p.DevHoursIncluded
	}
	return p.SupportHoursIncluded
}

// HourlyRate returns the overage rate for a coverage type.
func (p *Plan) HourlyRate(c CoverageType) int64 {
	if c == CoverageDev {
		return p.DevHourlyRate
	}
	return p.SupportHourlyRate
}

// PeriodFee is the amount charged at each renewal.
func (p *Plan) PeriodFee() int64 {
	if p.BillingInterval == IntervalYearly {
		return p.MonthlyFee * 12
	}
	return p.MonthlyFee
}

// PlanAssignment binds a Plan to an Organization. Version is bumped on every
// write and guards optimistic updates.
type PlanAssignment struct {
	ID                      string           `json:"id"`
	PlanID                  string           `json:"plan_id"`
	OrganizationID          string           `json:"organization_id"`
	StartDate               time.Time        `json:"start_date"`
	NextBillingDate         time.Time        `json:"next_billing_date"`
	BillingCycleDay         int              `json:"billing_cycle_day"`
	Status                  AssignmentStatus `json:"status"`
	AutoRenew               bool             `json:"auto_renew"`
	SupportHoursUsed        decimal.Decimal  `json:"support_hours_used"`
	DevHoursUsed            decimal.Decimal  `json:"dev_hours_used"`
	LastHoursResetDate      *time.Time       `json:"last_hours_reset_date,omitempty"`
	GracePeriodStart        *time.Time       `json:"grace_period_start,omitempty"`
	GracePeriodEnd          *time.Time       `json:"grace_period_end,omitempty"`
	FailedPaymentCount      int              `json:"failed_payment_count"`
	LastPaymentAttemptAt    *time.Time       `json:"last_payment_attempt_at,omitempty"`
	CancellationRequestedAt *time.Time       `json:"cancellation_requested_at,omitempty"`
	CancellationRequestedBy string           `json:"cancellation_requested_by,omitempty"`
	CancellationReason      string           `json:"cancellation_reason,omitempty"`
	CancelledAt             *time.Time       `json:"cancelled_at,omitempty"`
	CancelledBy             string           `json:"cancelled_by,omitempty"`
	ProrationCredit         int64            `json:"proration_credit"`
	Version                 int              `json:"version"`
	CreatedAt               time.Time        `json:"created_at"`
	UpdatedAt               time.Time        `json:"updated_at"`
}

// Used returns the usage counter for a coverage type.
func (a *PlanAssignment) Used(c CoverageType) decimal.Decimal {
	if c == CoverageDev {
		return a.DevHoursUsed
	}
	return a.SupportHoursUsed
}

// HasPendingCancellation reports whether a client request awaits confirmation.
func (a *PlanAssignment) HasPendingCancellation() bool {
	return a.CancellationRequestedAt != nil && a.CancelledAt == nil
}

// PlanHourLog is the per-period usage record. Closed rows are immutable and
// snapshot the included hours in force when the period closed.
type PlanHourLog struct {
	ID                   string          `json:"id"`
	AssignmentID         string          `json:"assignment_id"`
	PeriodStart          time.Time       `json:"period_start"`
	PeriodEnd            *time.Time      `json:"period_end,omitempty"`
	SupportHoursIncluded decimal.Decimal `json:"support_hours_included"`
	DevHoursIncluded     decimal.Decimal `json:"dev_hours_included"`
	SupportHoursUsed     decimal.Decimal `json:"support_hours_used"`
	DevHoursUsed         decimal.Decimal `json:"dev_hours_used"`
	SupportOverageHours  decimal.Decimal `json:"support_overage_hours"`
	DevOverageHours      decimal.Decimal `json:"dev_overage_hours"`
	OverageInvoiceID     *string         `json:"overage_invoice_id,omitempty"`
	IsCurrentPeriod      bool            `json:"is_current_period"`
	CreatedAt            time.Time       `json:"created_at"`
}

// OverageAcceptance is a quote for hours beyond the included allotment.
// Accepted is nil while pending.
type OverageAcceptance struct {
	ID                string          `json:"id"`
	AssignmentID      string          `json:"assignment_id"`
	OrganizationID    string          `json:"organization_id"`
	RequestedBy       string          `json:"requested_by"`
	OverageType       OverageType     `json:"overage_type"`
	EstimatedHours    decimal.Decimal `json:"estimated_hours"`
	HourlyRate        int64           `json:"hourly_rate"`
	EstimatedTotal    int64           `json:"estimated_total"`
	Currency          string          `json:"currency"`
	Accepted          *bool           `json:"accepted"`
	AcceptedBy        string          `json:"accepted_by,omitempty"`
	DecidedAt         *time.Time      `json:"decided_at,omitempty"`
	RejectionReason   string          `json:"rejection_reason,omitempty"`
	InvoiceApproved   bool            `json:"invoice_approved"`
	InvoiceApprovedBy string          `json:"invoice_approved_by,omitempty"`
	InvoiceApprovedAt *time.Time      `json:"invoice_approved_at,omitempty"`
	InvoiceID         *string         `json:"invoice_id,omitempty"`
	Notes             string          `json:"notes,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IsPending reports whether the client has not decided yet.
func (o *OverageAcceptance) IsPending() bool { return o.Accepted == nil }

// IsAccepted reports whether the client approved the quote.
func (o *OverageAcceptance) IsAccepted() bool { return o.Accepted != nil && *o.Accepted }

// BillingDispute is a client contest of a charge.
type BillingDispute struct {
	ID              string               `json:"id"`
	OrganizationID  string               `json:"organization_id"`
	ReferenceType   DisputeReferenceType `json:"reference_type"`
	ReferenceID     string               `json:"reference_id"`
	InvoiceID       *string              `json:"invoice_id,omitempty"`
	Reason          string               `json:"reason"`
	DisputedAmount  int64                `json:"disputed_amount"`
	Status          DisputeStatus        `json:"status"`
	CreditAmount    *int64               `json:"credit_amount,omitempty"`
	ResolutionNotes string               `json:"resolution_notes,omitempty"`
	OpenedBy        string               `json:"opened_by"`
	ResolvedBy      string               `json:"resolved_by,omitempty"`
	ResolvedAt      *time.Time           `json:"resolved_at,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// BillingAccount is the payment identity of an organization.
type BillingAccount struct {
	OrganizationID   string
	StripeCustomerID string
	PaymentMethodID  string
}

// APIKey is a stored credential. Only the bcrypt hash of the secret is kept.
type APIKey struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id,omitempty"`
	Name           string     `json:"name"`
	Prefix         string     `json:"prefix"`
	KeyHash        string     `json:"-"`
	Role           UserRole   `json:"role"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// TruncateDay returns midnight UTC of t's calendar day.
func TruncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
