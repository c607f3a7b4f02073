package billing

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// RequestOverageInput asks the client to approve hours beyond the plan.
type RequestOverageInput struct {
	AssignmentID   string            `json:"assignment_id" validate:"required,max=64"`
	OverageType    types.OverageType `json:"overage_type" validate:"required"`
	EstimatedHours decimal.Decimal   `json:"estimated_hours"`
	Notes          string            `json:"notes" validate:"max=2000"`
}

// DecideOverageInput is the client's answer. Rejections need a reason.
type DecideOverageInput struct {
	Accept bool   `json:"accept"`
	Reason string `json:"reason" validate:"max=2000"`
}

// OverageService runs the two-gate overage workflow: client acceptance, then
// staff approval for invoicing.
type OverageService struct {
	tx     TxRunner
	stores Stores
	events EventPublisher
	clock  types.Clock
	logger *slog.Logger
}

func NewOverageService(tx TxRunner, stores Stores, events EventPublisher, clock types.Clock, logger *slog.Logger) *OverageService {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OverageService{tx: tx, stores: stores, events: events, clock: clock, logger: logger}
}

// QuoteRate returns the hourly rate quoted for an overage type. A combined
// request is quoted at the higher rate so the total stays hours * rate.
func QuoteRate(p *types.Plan, t types.OverageType) int64 {
	switch t {
	case types.OverageSupport:
		return p.SupportHourlyRate
	case types.OverageDev:
		return p.DevHourlyRate
	default:
		return max(p.SupportHourlyRate, p.DevHourlyRate)
	}
}

// QuoteTotal is hours * rate rounded to the nearest minor unit.
func QuoteTotal(hours decimal.Decimal, rate int64) int64 {
	return decimal.NewFromInt(rate).Mul(hours).Round(0).IntPart()
}

// Request records a pending quote. Rates are frozen at request time.
func (s *OverageService) Request(ctx context.Context, actor types.Actor, in RequestOverageInput) (*types.OverageAcceptance, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	if !in.OverageType.Valid() {
		return nil, types.FieldError(types.ErrCodeValidationInvalidCoverage, "overage_type", "overage_type must be support, dev or both")
	}
	if !in.EstimatedHours.IsPositive() {
		return nil, types.FieldError(types.ErrCodeValidationInvalidHours, "estimated_hours", "estimated_hours must be greater than zero")
	}

	now := s.clock.Now()
	var o *types.OverageAcceptance
	err := s.tx.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		a, err := st.Assignments.GetByID(ctx, in.AssignmentID)
		if err != nil {
			return err
		}
		if a.Status.IsTerminal() || a.Status == types.AssignmentPending {
			return types.NewAppErrorWithDetails(types.ErrCodeConflictTransition,
				"overage can only be requested for a running assignment", nil,
				map[string]any{"status": a.Status})
		}
		p, err := st.Plans.GetByID(ctx, a.PlanID)
		if err != nil {
			return err
		}

		rate := QuoteRate(p, in.OverageType)
		o = &types.OverageAcceptance{
			ID:             uuid.NewString(),
			AssignmentID:   a.ID,
			OrganizationID: a.OrganizationID,
			RequestedBy:    actor.ID,
			OverageType:    in.OverageType,
			EstimatedHours: in.EstimatedHours,
			HourlyRate:     rate,
			EstimatedTotal: QuoteTotal(in.EstimatedHours, rate),
			Currency:       p.Currency,
			Notes:          in.Notes,
		}
		if err := st.Overages.Create(ctx, o); err != nil {
			return err
		}
		return writeAudit(ctx, st, now, auditEntry{
			Actor:        actor,
			Action:       types.AuditActionOverageRequested,
			ResourceType: types.ResourceOverage,
			ResourceID:   o.ID,
			New:          o,
		})
	})
	if err != nil {
		return nil, err
	}

	publishEvent(ctx, s.events, s.logger, types.DomainEvent{
		Type:           types.EventPlanOverageRequested,
		OrganizationID: o.OrganizationID,
		AssignmentID:   o.AssignmentID,
		OccurredAt:     now,
		Payload: map[string]any{
			"overage_id":      o.ID,
			"overage_type":    o.OverageType,
			"estimated_hours": o.EstimatedHours.String(),
			"estimated_total": o.EstimatedTotal,
			"currency":        o.Currency,
		},
	})
	return o, nil
}

func (s *OverageService) Get(ctx context.Context, actor types.Actor, id string) (*types.OverageAcceptance, error) {
	o, err := s.stores.Overages.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireOrgAccess(actor, o.OrganizationID, types.ErrCodeNotFoundOverage); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *OverageService) ListByAssignment(ctx context.Context, actor types.Actor, assignmentID string) ([]*types.OverageAcceptance, error) {
	a, err := s.stores.Assignments.GetByID(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if err := requireOrgAccess(actor, a.OrganizationID, types.ErrCodeNotFoundAssignment); err != nil {
		return nil, err
	}
	return s.stores.Overages.ListByAssignment(ctx, assignmentID)
}

// Decide records the client's acceptance or rejection. Only an owner of the
// organization decides, and only once.
func (s *OverageService) Decide(ctx context.Context, actor types.Actor, id string, in DecideOverageInput) (*types.OverageAcceptance, error) {
	reason := strings.TrimSpace(in.Reason)
	if !in.Accept && reason == "" {
		return nil, types.FieldError(types.ErrCodeValidationMissingField, "reason", "a reason is required to reject an overage request")
	}

	return s.update(ctx, actor, id, types.AuditActionOverageDecided,
		func(o *types.OverageAcceptance) error {
			if err := requireOrgAccess(actor, o.OrganizationID, types.ErrCodeNotFoundOverage); err != nil {
				return err
			}
			if actor.IsStaff() || !types.RoleHasAtLeast(actor.Role, types.RoleOwner) {
				return types.NewAppError(types.ErrCodePermissionRole,
					"overage requests are decided by an owner of the client organization", nil)
			}
			return nil
		},
		func(ctx context.Context, st Stores, o *types.OverageAcceptance) error {
			if !o.IsPending() {
				return types.NewAppError(types.ErrCodeConflictAlreadyDecided, "overage request has already been decided", nil)
			}
			now := s.clock.Now()
			accepted := in.Accept
			o.Accepted = &accepted
			o.AcceptedBy = actor.ID
			o.DecidedAt = &now
			if !accepted {
				o.RejectionReason = reason
			}
			return st.Overages.Decide(ctx, o)
		})
}

// ApproveInvoice is the staff gate that allows invoice line items.
func (s *OverageService) ApproveInvoice(ctx context.Context, actor types.Actor, id string) (*types.OverageAcceptance, error) {
	return s.update(ctx, actor, id, types.AuditActionOverageInvoiceApproved,
		func(*types.OverageAcceptance) error { return requireStaff(actor) },
		func(ctx context.Context, st Stores, o *types.OverageAcceptance) error {
			if !o.IsAccepted() {
				return types.NewAppError(types.ErrCodeConflictOverageNotAccepted,
					"overage request has not been accepted by the client", nil)
			}
			if o.InvoiceApproved {
				return types.NewAppError(types.ErrCodeConflictAlreadyDecided, "overage request is already approved for invoicing", nil)
			}
			now := s.clock.Now()
			o.InvoiceApproved = true
			o.InvoiceApprovedBy = actor.ID
			o.InvoiceApprovedAt = &now
			return st.Overages.ApproveInvoice(ctx, o)
		})
}

// AttachInvoice links the invoice that billed the overage.
func (s *OverageService) AttachInvoice(ctx context.Context, actor types.Actor, id, invoiceID string) (*types.OverageAcceptance, error) {
	if strings.TrimSpace(invoiceID) == "" {
		return nil, types.FieldError(types.ErrCodeValidationMissingField, "invoice_id", "invoice_id is required")
	}
	return s.update(ctx, actor, id, types.AuditActionOverageInvoiced,
		func(*types.OverageAcceptance) error { return requireStaff(actor) },
		func(ctx context.Context, st Stores, o *types.OverageAcceptance) error {
			if !o.InvoiceApproved {
				return types.NewAppError(types.ErrCodeConflictOverageNotAccepted,
					"overage request is not approved for invoicing", nil)
			}
			if o.InvoiceID != nil {
				return types.NewAppError(types.ErrCodeConflictAlreadyDecided, "overage request is already invoiced", nil)
			}
			o.InvoiceID = &invoiceID
			return st.Overages.AttachInvoice(ctx, o)
		})
}

func (s *OverageService) update(
	ctx context.Context,
	actor types.Actor,
	id, action string,
	authorize func(*types.OverageAcceptance) error,
	apply func(ctx context.Context, st Stores, o *types.OverageAcceptance) error,
) (*types.OverageAcceptance, error) {
	var result *types.OverageAcceptance
	err := s.tx.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		o, err := st.Overages.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := authorize(o); err != nil {
			return err
		}
		old := *o
		if err := apply(ctx, st, o); err != nil {
			return err
		}
		result = o
		return writeAudit(ctx, st, s.clock.Now(), auditEntry{
			Actor:        actor,
			Action:       action,
			ResourceType: types.ResourceOverage,
			ResourceID:   o.ID,
			Old:          &old,
			New:          o,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AcceptedOverage holds accepted, uninvoiced overage hours per overage type.
type AcceptedOverage struct {
	Support decimal.Decimal
	Dev     decimal.Decimal
	Both    decimal.Decimal
}

// Shortfall returns the overage hours the acceptances leave uncovered.
// Support and dev acceptances apply to their own type first; both is a
// single pool for whatever remains of either.
func (a AcceptedOverage) Shortfall(support, dev decimal.Decimal) decimal.Decimal {
	rest := decimal.Max(support.Sub(a.Support), decimal.Zero).
		Add(decimal.Max(dev.Sub(a.Dev), decimal.Zero))
	return decimal.Max(rest.Sub(a.Both), decimal.Zero)
}

// EnsureBillable returns conflict_overage_not_accepted unless the current
// period's acceptances cover the overage left after logging hours of
// billable coverage against the assignment.
func (s *OverageService) EnsureBillable(ctx context.Context, assignmentID string, coverage types.CoverageType, hours decimal.Decimal) error {
	a, err := s.stores.Assignments.GetByID(ctx, assignmentID)
	if err != nil {
		return err
	}
	p, err := s.stores.Plans.GetByID(ctx, a.PlanID)
	if err != nil {
		return err
	}
	return ensureBillable(ctx, s.stores, a, p, coverage, hours)
}

func ensureBillable(ctx context.Context, st Stores, a *types.PlanAssignment, p *types.Plan, coverage types.CoverageType, hours decimal.Decimal) error {
	after := func(c types.CoverageType) decimal.Decimal {
		used := a.Used(c)
		if c == coverage {
			used = used.Add(hours)
		}
		return Overage(p.Included(c), used)
	}
	if !hours.IsPositive() || !after(coverage).IsPositive() {
		return nil
	}
	support, dev := after(types.CoverageSupport), after(types.CoverageDev)

	since := types.TruncateDay(a.StartDate)
	if a.LastHoursResetDate != nil {
		since = types.TruncateDay(*a.LastHoursResetDate)
	}
	accepted, err := st.Overages.AcceptedHours(ctx, a.ID, since)
	if err != nil {
		return err
	}
	if short := accepted.Shortfall(support, dev); short.IsPositive() {
		return types.NewAppErrorWithDetails(types.ErrCodeConflictOverageNotAccepted,
			"overage hours require an accepted overage request", nil,
			map[string]any{
				"coverage_type":          coverage,
				"support_overage_hours":  support.String(),
				"dev_overage_hours":      dev.String(),
				"accepted_support_hours": accepted.Support.String(),
				"accepted_dev_hours":     accepted.Dev.String(),
				"accepted_both_hours":    accepted.Both.String(),
				"uncovered_hours":        short.String(),
			})
	}
	return nil
}
