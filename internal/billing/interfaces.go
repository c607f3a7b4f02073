// Package billing implements the plan subscription engine: the plan catalog,
// the assignment state machine, hour usage accounting, the overage approval
// workflow, billing disputes and SLA deadline calculation.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// PlanStore persists the plan catalog.
type PlanStore interface {
	Create(ctx context.Context, p *types.Plan) error
	GetByID(ctx context.Context, id string) (*types.Plan, error)
	List(ctx context.Context, includeArchived bool) ([]*types.Plan, error)
	Update(ctx context.Context, p *types.Plan) error
	// Archive sets is_active = false. Plans are never deleted.
	Archive(ctx context.Context, id string) error
}

// AssignmentFilter narrows List results.
type AssignmentFilter struct {
	OrganizationID string
	Status         types.AssignmentStatus
	Limit          int
}

// AssignmentStore persists plan assignments.
type AssignmentStore interface {
	Create(ctx context.Context, a *types.PlanAssignment) error
	GetByID(ctx context.Context, id string) (*types.PlanAssignment, error)

	// GetForUpdate loads the row with SELECT ... FOR UPDATE. Only valid
	// inside a transaction.
	GetForUpdate(ctx context.Context, id string) (*types.PlanAssignment, error)

	List(ctx context.Context, f AssignmentFilter) ([]*types.PlanAssignment, error)

	// Update writes every mutable column guarded by a.Version and increments
	// a.Version on success. A stale version yields conflict_concurrent_modification.
	Update(ctx context.Context, a *types.PlanAssignment) error

	// IncrementUsage atomically adds hours to one counter of an active
	// assignment and returns the updated row.
	IncrementUsage(ctx context.Context, id string, coverage types.CoverageType, hours decimal.Decimal) (*types.PlanAssignment, error)

	// ExistsActiveForPlan reports whether orgID already holds an active
	// assignment of planID.
	ExistsActiveForPlan(ctx context.Context, orgID, planID string) (bool, error)

	// HasActiveRushPlan reports whether orgID holds an active assignment on a
	// plan with rush support.
	HasActiveRushPlan(ctx context.Context, orgID string) (bool, error)

	// ListDue returns IDs of active or grace_period assignments with
	// next_billing_date <= asOf, ordered by ID, starting after afterID.
	ListDue(ctx context.Context, asOf time.Time, afterID string, limit int) ([]string, error)

	// ListInGrace returns IDs of grace_period assignments ordered by ID.
	ListInGrace(ctx context.Context, afterID string, limit int) ([]string, error)
}

// HourLogStore persists per-period usage records.
type HourLogStore interface {
	Open(ctx context.Context, log *types.PlanHourLog) error
	// Current returns the row with is_current_period = true.
	Current(ctx context.Context, assignmentID string) (*types.PlanHourLog, error)
	// Close stamps period_end, the used/overage snapshot and clears
	// is_current_period. Closing an already closed log is a conflict.
	Close(ctx context.Context, log *types.PlanHourLog) error
	ListByAssignment(ctx context.Context, assignmentID string) ([]*types.PlanHourLog, error)
	// ListClosedBetween returns logs whose period_end falls in [from, to).
	ListClosedBetween(ctx context.Context, from, to time.Time) ([]*types.PlanHourLog, error)
}

// OverageStore persists overage acceptance records. The guarded mutators
// return conflict_already_decided when the precondition no longer holds.
type OverageStore interface {
	Create(ctx context.Context, o *types.OverageAcceptance) error
	GetByID(ctx context.Context, id string) (*types.OverageAcceptance, error)
	ListByAssignment(ctx context.Context, assignmentID string) ([]*types.OverageAcceptance, error)
	// Decide requires accepted IS NULL.
	Decide(ctx context.Context, o *types.OverageAcceptance) error
	// ApproveInvoice requires accepted = true AND invoice_approved = false.
	ApproveInvoice(ctx context.Context, o *types.OverageAcceptance) error
	// AttachInvoice requires invoice_approved = true AND invoice_id IS NULL.
	AttachInvoice(ctx context.Context, o *types.OverageAcceptance) error
	// AcceptedHours sums estimated_hours of accepted, not yet invoiced
	// records decided on or after since, per overage_type.
	AcceptedHours(ctx context.Context, assignmentID string, since time.Time) (AcceptedOverage, error)
}

// DisputeStore persists billing disputes.
type DisputeStore interface {
	Create(ctx context.Context, d *types.BillingDispute) error
	GetByID(ctx context.Context, id string) (*types.BillingDispute, error)
	List(ctx context.Context, orgID string) ([]*types.BillingDispute, error)
	// Transition writes d guarded by status = from.
	Transition(ctx context.Context, d *types.BillingDispute, from types.DisputeStatus) error
}

// AccountStore resolves the payment identity of an organization.
type AccountStore interface {
	GetBillingAccount(ctx context.Context, orgID string) (*types.BillingAccount, error)
	SetDefaultPaymentMethod(ctx context.Context, stripeCustomerID, paymentMethodID string) error
}

// AuditLogger records mutations.
type AuditLogger interface {
	Log(ctx context.Context, event types.AuditEvent) error
}

// EventPublisher emits domain events for the notification system.
// Publishing is best-effort: callers log failures and continue.
type EventPublisher interface {
	Publish(ctx context.Context, event types.DomainEvent) error
}

// Stores bundles the repositories bound to one connection or transaction.
type Stores struct {
	Plans       PlanStore
	Assignments AssignmentStore
	HourLogs    HourLogStore
	Overages    OverageStore
	Disputes    DisputeStore
	Accounts    AccountStore
	Audit       AuditLogger
}

// TxRunner executes fn with Stores bound to a single transaction. The
// transaction commits only when fn returns nil.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
}

// ChargeRequest is one off-session charge against an organization's saved
// payment method.
type ChargeRequest struct {
	AssignmentID    string
	OrganizationID  string
	CustomerID      string
	PaymentMethodID string
	Amount          int64
	Currency        string
	Description     string
	IdempotencyKey  string
}

// ChargeResult reports the collaborator's verdict. A decline is a result, not
// an error. Errors other than payment_rejected mean the outcome is unknown.
type ChargeResult struct {
	Succeeded       bool
	PaymentIntentID string
	FailureCode     string
	FailureMessage  string
}

// PaymentOutcomeUnknown reports whether a Charge error may hide a charge
// that went through. Only a rejected or declined request is settled.
func PaymentOutcomeUnknown(err error) bool {
	var ae *types.AppError
	if !errors.As(err, &ae) {
		return true
	}
	return ae.Code != types.ErrCodePaymentRejected && ae.Code != types.ErrCodePaymentDeclined
}

// PaymentCollaborator attempts renewal charges. Retry and timeout policy
// belongs to the implementation.
type PaymentCollaborator interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

// Signer is the recipient of a plan agreement.
type Signer struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"required,email"`
}

// AgreementRequest describes the envelope sent for a plan assignment.
type AgreementRequest struct {
	AssignmentID   string
	OrganizationID string
	PlanName       string
	MonthlyFee     int64
	Currency       string
	Signer         Signer
}

// AgreementSender creates e-signature envelopes for plan agreements.
type AgreementSender interface {
	SendAgreement(ctx context.Context, req AgreementRequest) (envelopeID string, err error)
}
