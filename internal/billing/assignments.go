package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// CreateAssignmentInput binds a plan to an organization.
type CreateAssignmentInput struct {
	OrganizationID  string    `json:"organization_id" validate:"required,max=64"`
	PlanID          string    `json:"plan_id" validate:"required,max=64"`
	StartDate       time.Time `json:"start_date" validate:"required"`
	BillingCycleDay int       `json:"billing_cycle_day" validate:"required"`
	AutoRenew       *bool     `json:"auto_renew,omitempty"`
}

// AssignmentPatch is a partial update. Clients may only toggle AutoRenew;
// the remaining fields are staff-only. Usage counters and the billing date
// belong to the cycle processor and are rejected when present.
type AssignmentPatch struct {
	AutoRenew          *bool                   `json:"auto_renew,omitempty"`
	Status             *types.AssignmentStatus `json:"status,omitempty"`
	BillingCycleDay    *int                    `json:"billing_cycle_day,omitempty"`
	CancellationReason *string                 `json:"cancellation_reason,omitempty"`

	SupportHoursUsed *decimal.Decimal `json:"support_hours_used,omitempty"`
	DevHoursUsed     *decimal.Decimal `json:"dev_hours_used,omitempty"`
	NextBillingDate  *time.Time       `json:"next_billing_date,omitempty"`
}

func (p AssignmentPatch) staffOnly() bool {
	return p.Status != nil || p.BillingCycleDay != nil || p.CancellationReason != nil
}

// RecordUsageInput is one time entry. Billable marks hours beyond the
// included allotment as chargeable overage, which requires an accepted
// overage request.
type RecordUsageInput struct {
	CoverageType types.CoverageType `json:"coverage_type" validate:"required"`
	Hours        decimal.Decimal    `json:"hours"`
	Billable     bool               `json:"billable"`
}

// AssignmentServiceDeps wires AssignmentService.
type AssignmentServiceDeps struct {
	Tx         TxRunner
	Stores     Stores
	Events     EventPublisher
	Agreements AgreementSender
	Clock      types.Clock
	Logger     *slog.Logger
}

// AssignmentService implements the assignment use-cases. Every mutation runs
// in one transaction that locks the row, applies the change, bumps the
// version and writes the audit entry.
type AssignmentService struct {
	tx         TxRunner
	stores     Stores
	events     EventPublisher
	agreements AgreementSender
	clock      types.Clock
	logger     *slog.Logger
}

func NewAssignmentService(deps AssignmentServiceDeps) *AssignmentService {
	s := &AssignmentService{
		tx:         deps.Tx,
		stores:     deps.Stores,
		events:     deps.Events,
		agreements: deps.Agreements,
		clock:      deps.Clock,
		logger:     deps.Logger,
	}
	if s.clock == nil {
		s.clock = types.RealClock{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// mutation changes a locked assignment in place. An empty action means
// nothing changed and the write is skipped.
type mutation func(ctx context.Context, st Stores, a *types.PlanAssignment, now time.Time) (action string, events []types.DomainEvent, err error)

func (s *AssignmentService) mutate(ctx context.Context, actor types.Actor, id string, authorize func(*types.PlanAssignment) error, fn mutation) (*types.PlanAssignment, error) {
	now := s.clock.Now()
	var result *types.PlanAssignment
	var pending []types.DomainEvent

	err := s.tx.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		a, err := st.Assignments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := authorize(a); err != nil {
			return err
		}
		old := *a

		action, events, err := fn(ctx, st, a, now)
		if err != nil {
			return err
		}
		result = a
		if action == "" {
			return nil
		}
		if err := st.Assignments.Update(ctx, a); err != nil {
			return err
		}
		pending = events
		return writeAudit(ctx, st, now, auditEntry{
			Actor:        actor,
			Action:       action,
			ResourceType: types.ResourceAssignment,
			ResourceID:   a.ID,
			Old:          &old,
			New:          a,
		})
	})
	if err != nil {
		return nil, err
	}

	for _, ev := range pending {
		publishEvent(ctx, s.events, s.logger, ev)
	}
	return result, nil
}

func (s *AssignmentService) staffOnly(actor types.Actor) func(*types.PlanAssignment) error {
	return func(*types.PlanAssignment) error { return requireStaff(actor) }
}

// AssignmentEvent builds a domain event about a.
func AssignmentEvent(t types.EventType, a *types.PlanAssignment, now time.Time, payload map[string]any) types.DomainEvent {
	return types.DomainEvent{
		ID:             uuid.NewString(),
		Type:           t,
		OrganizationID: a.OrganizationID,
		AssignmentID:   a.ID,
		OccurredAt:     now,
		Payload:        payload,
	}
}

// Create registers a pending assignment. The first billing date is the first
// cycle day strictly after the start date.
func (s *AssignmentService) Create(ctx context.Context, actor types.Actor, in CreateAssignmentInput) (*types.PlanAssignment, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	if in.OrganizationID == "" {
		return nil, types.FieldError(types.ErrCodeValidationMissingField, "organization_id", "organization_id is required")
	}
	if in.PlanID == "" {
		return nil, types.FieldError(types.ErrCodeValidationMissingField, "plan_id", "plan_id is required")
	}
	if in.StartDate.IsZero() {
		return nil, types.FieldError(types.ErrCodeValidationMissingField, "start_date", "start_date is required")
	}
	if err := ValidateCycleDay(in.BillingCycleDay); err != nil {
		return nil, err
	}
	autoRenew := true
	if in.AutoRenew != nil {
		autoRenew = *in.AutoRenew
	}

	now := s.clock.Now()
	start := types.TruncateDay(in.StartDate)
	a := &types.PlanAssignment{
		ID:               uuid.NewString(),
		PlanID:           in.PlanID,
		OrganizationID:   in.OrganizationID,
		StartDate:        start,
		NextBillingDate:  FirstBillingDate(start, in.BillingCycleDay),
		BillingCycleDay:  in.BillingCycleDay,
		Status:           types.AssignmentPending,
		AutoRenew:        autoRenew,
		SupportHoursUsed: decimal.Zero,
		DevHoursUsed:     decimal.Zero,
		Version:          1,
	}

	err := s.tx.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		p, err := st.Plans.GetByID(ctx, in.PlanID)
		if err != nil {
			return err
		}
		if !p.IsActive {
			return types.NewAppErrorWithDetails(types.ErrCodeConflictPlanArchived,
				"plan is archived and cannot be assigned", nil,
				map[string]any{"plan_id": p.ID})
		}
		if err := st.Assignments.Create(ctx, a); err != nil {
			return err
		}
		return writeAudit(ctx, st, now, auditEntry{
			Actor:        actor,
			Action:       types.AuditActionAssignmentCreated,
			ResourceType: types.ResourceAssignment,
			ResourceID:   a.ID,
			New:          a,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "plan assignment created",
		"assignment_id", a.ID,
		"organization_id", a.OrganizationID,
		"plan_id", a.PlanID,
		"next_billing_date", a.NextBillingDate.Format(time.DateOnly),
	)
	return a, nil
}

func (s *AssignmentService) Get(ctx context.Context, actor types.Actor, id string) (*types.PlanAssignment, error) {
	a, err := s.stores.Assignments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireOrgAccess(actor, a.OrganizationID, types.ErrCodeNotFoundAssignment); err != nil {
		return nil, err
	}
	return a, nil
}

// List scopes client actors to their own organization.
func (s *AssignmentService) List(ctx context.Context, actor types.Actor, f AssignmentFilter) ([]*types.PlanAssignment, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, types.FieldError(types.ErrCodeValidationInvalidStatus, "status", "unknown assignment status")
	}
	if !actor.IsStaff() {
		f.OrganizationID = actor.OrganizationID
	}
	return s.stores.Assignments.List(ctx, f)
}

func (s *AssignmentService) Activate(ctx context.Context, actor types.Actor, id string) (*types.PlanAssignment, error) {
	return s.transition(ctx, actor, id, types.AssignmentActive, "")
}

func (s *AssignmentService) Pause(ctx context.Context, actor types.Actor, id string) (*types.PlanAssignment, error) {
	return s.transition(ctx, actor, id, types.AssignmentPaused, "")
}

// Resume returns a paused assignment to active. The billing date is kept
// unless it elapsed during the pause.
func (s *AssignmentService) Resume(ctx context.Context, actor types.Actor, id string) (*types.PlanAssignment, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	a, err := s.stores.Assignments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != types.AssignmentPaused {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeConflictTransition,
			"only a paused assignment can be resumed", nil,
			map[string]any{"status": a.Status})
	}
	return s.transition(ctx, actor, id, types.AssignmentActive, "")
}

func (s *AssignmentService) Expire(ctx context.Context, actor types.Actor, id string) (*types.PlanAssignment, error) {
	return s.transition(ctx, actor, id, types.AssignmentExpired, "")
}

// Cancel is the direct staff cancellation; it does not need a prior request.
func (s *AssignmentService) Cancel(ctx context.Context, actor types.Actor, id, reason string) (*types.PlanAssignment, error) {
	return s.transition(ctx, actor, id, types.AssignmentCancelled, reason)
}

func (s *AssignmentService) transition(ctx context.Context, actor types.Actor, id string, to types.AssignmentStatus, reason string) (*types.PlanAssignment, error) {
	return s.mutate(ctx, actor, id, s.staffOnly(actor),
		func(ctx context.Context, st Stores, a *types.PlanAssignment, now time.Time) (string, []types.DomainEvent, error) {
			events, err := s.applyStatus(ctx, st, actor, a, to, reason, now)
			if err != nil {
				return "", nil, err
			}
			return types.AuditActionAssignmentStatusChanged, events, nil
		})
}

// applyStatus moves a through the transition table and performs the side
// effects of the target state.
func (s *AssignmentService) applyStatus(ctx context.Context, st Stores, actor types.Actor, a *types.PlanAssignment, to types.AssignmentStatus, reason string, now time.Time) ([]types.DomainEvent, error) {
	if to == types.AssignmentGracePeriod {
		return nil, types.NewAppError(types.ErrCodeConflictTransition,
			"grace_period is entered only when a renewal payment fails", nil)
	}
	if a.Status == types.AssignmentGracePeriod && to == types.AssignmentActive {
		return nil, types.NewAppError(types.ErrCodeConflictTransition,
			"grace_period ends only after a successful payment", nil)
	}
	if err := ValidateTransition(a.Status, to); err != nil {
		return nil, err
	}
	today := types.TruncateDay(now)

	switch to {
	case types.AssignmentActive:
		switch a.Status {
		case types.AssignmentPending:
			return nil, s.activate(ctx, st, a, today)
		case types.AssignmentPaused:
			a.NextBillingDate = ResumeBillingDate(a.NextBillingDate, today, a.BillingCycleDay)
			a.Status = types.AssignmentActive
			return nil, nil
		}

	case types.AssignmentPaused:
		a.Status = types.AssignmentPaused
		return nil, nil

	case types.AssignmentCancelled:
		p, err := st.Plans.GetByID(ctx, a.PlanID)
		if err != nil {
			return nil, err
		}
		credit := ProrationCredit(a, p, now)
		if err := closeCurrentPeriod(ctx, st, a, p, now); err != nil {
			return nil, err
		}
		MarkCancelled(a, actor.ID, reason, now)
		a.ProrationCredit = credit
		return []types.DomainEvent{AssignmentEvent(types.EventPlanCancelled, a, now, map[string]any{
			"cancelled_by":     a.CancelledBy,
			"reason":           a.CancellationReason,
			"proration_credit": credit,
		})}, nil

	case types.AssignmentExpired:
		p, err := st.Plans.GetByID(ctx, a.PlanID)
		if err != nil {
			return nil, err
		}
		if err := closeCurrentPeriod(ctx, st, a, p, now); err != nil {
			return nil, err
		}
		a.Status = types.AssignmentExpired
		a.GracePeriodStart = nil
		a.GracePeriodEnd = nil
		return []types.DomainEvent{AssignmentEvent(types.EventPlanExpired, a, now, nil)}, nil
	}
	return nil, nil
}

// activate opens the first period. An organization holds at most one active
// assignment per plan.
func (s *AssignmentService) activate(ctx context.Context, st Stores, a *types.PlanAssignment, today time.Time) error {
	exists, err := st.Assignments.ExistsActiveForPlan(ctx, a.OrganizationID, a.PlanID)
	if err != nil {
		return err
	}
	if exists {
		return types.NewAppErrorWithDetails(types.ErrCodeConflictActiveAssignment,
			"organization already holds an active assignment of this plan", nil,
			map[string]any{"organization_id": a.OrganizationID, "plan_id": a.PlanID})
	}
	p, err := st.Plans.GetByID(ctx, a.PlanID)
	if err != nil {
		return err
	}
	if !a.NextBillingDate.After(today) {
		a.NextBillingDate = FirstBillingDate(today, a.BillingCycleDay)
	}
	if err := st.HourLogs.Open(ctx, NewPeriodLog(uuid.NewString(), a, p, today)); err != nil {
		return err
	}
	a.Status = types.AssignmentActive
	a.LastHoursResetDate = &today
	return nil
}

// closeCurrentPeriod snapshots and closes the open log, if any. Usage
// counters are left untouched.
func closeCurrentPeriod(ctx context.Context, st Stores, a *types.PlanAssignment, p *types.Plan, now time.Time) error {
	log, err := st.HourLogs.Current(ctx, a.ID)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundHourLog) {
			return nil
		}
		return err
	}
	SnapshotPeriod(log, a, p, now)
	return st.HourLogs.Close(ctx, log)
}

// RequestCancellation records a client's wish to cancel. Billing continues
// until staff confirm.
func (s *AssignmentService) RequestCancellation(ctx context.Context, actor types.Actor, id, reason string) (*types.PlanAssignment, error) {
	authorize := func(a *types.PlanAssignment) error {
		return requireOrgRole(actor, a.OrganizationID, types.RoleOwner, types.ErrCodeNotFoundAssignment)
	}
	return s.mutate(ctx, actor, id, authorize,
		func(_ context.Context, _ Stores, a *types.PlanAssignment, now time.Time) (string, []types.DomainEvent, error) {
			switch a.Status {
			case types.AssignmentActive, types.AssignmentPaused, types.AssignmentGracePeriod:
			default:
				return "", nil, types.NewAppErrorWithDetails(types.ErrCodeConflictTransition,
					"cancellation can only be requested for a running assignment", nil,
					map[string]any{"status": a.Status})
			}
			if a.HasPendingCancellation() {
				return "", nil, types.NewAppError(types.ErrCodeConflictTransition,
					"cancellation has already been requested", nil)
			}
			at := now
			a.CancellationRequestedAt = &at
			a.CancellationRequestedBy = actor.ID
			a.CancellationReason = reason
			return types.AuditActionAssignmentCancelRequested, nil, nil
		})
}

// ConfirmCancellation completes a pending client request.
func (s *AssignmentService) ConfirmCancellation(ctx context.Context, actor types.Actor, id string) (*types.PlanAssignment, error) {
	return s.mutate(ctx, actor, id, s.staffOnly(actor),
		func(ctx context.Context, st Stores, a *types.PlanAssignment, now time.Time) (string, []types.DomainEvent, error) {
			if !a.HasPendingCancellation() {
				return "", nil, types.NewAppError(types.ErrCodeConflictNoCancelRequest,
					"assignment has no pending cancellation request", nil)
			}
			events, err := s.applyStatus(ctx, st, actor, a, types.AssignmentCancelled, a.CancellationReason, now)
			if err != nil {
				return "", nil, err
			}
			return types.AuditActionAssignmentStatusChanged, events, nil
		})
}

// Update applies a PATCH. Owners of the organization may toggle auto_renew;
// everything else requires staff.
func (s *AssignmentService) Update(ctx context.Context, actor types.Actor, id string, patch AssignmentPatch) (*types.PlanAssignment, error) {
	switch {
	case patch.SupportHoursUsed != nil:
		return nil, types.FieldError(types.ErrCodeValidationImmutableField, "support_hours_used", "usage counters are reset only by the billing cycle")
	case patch.DevHoursUsed != nil:
		return nil, types.FieldError(types.ErrCodeValidationImmutableField, "dev_hours_used", "usage counters are reset only by the billing cycle")
	case patch.NextBillingDate != nil:
		return nil, types.FieldError(types.ErrCodeValidationImmutableField, "next_billing_date", "next_billing_date is advanced only by the billing cycle")
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, types.FieldError(types.ErrCodeValidationInvalidStatus, "status", "unknown assignment status")
	}
	if patch.BillingCycleDay != nil {
		if err := ValidateCycleDay(*patch.BillingCycleDay); err != nil {
			return nil, err
		}
	}

	authorize := func(a *types.PlanAssignment) error {
		if err := requireOrgRole(actor, a.OrganizationID, types.RoleOwner, types.ErrCodeNotFoundAssignment); err != nil {
			return err
		}
		if patch.staffOnly() {
			return requireStaff(actor)
		}
		return nil
	}

	return s.mutate(ctx, actor, id, authorize,
		func(ctx context.Context, st Stores, a *types.PlanAssignment, now time.Time) (string, []types.DomainEvent, error) {
			if a.Status.IsTerminal() {
				return "", nil, types.NewAppErrorWithDetails(types.ErrCodeConflictTransition,
					"assignment is "+string(a.Status)+" and can no longer be changed", nil,
					map[string]any{"status": a.Status})
			}
			changed := false
			if patch.AutoRenew != nil && *patch.AutoRenew != a.AutoRenew {
				a.AutoRenew = *patch.AutoRenew
				changed = true
			}
			if patch.BillingCycleDay != nil && *patch.BillingCycleDay != a.BillingCycleDay {
				a.BillingCycleDay = *patch.BillingCycleDay
				changed = true
			}
			if patch.CancellationReason != nil && *patch.CancellationReason != a.CancellationReason {
				a.CancellationReason = *patch.CancellationReason
				changed = true
			}

			var events []types.DomainEvent
			action := types.AuditActionAssignmentUpdated
			if patch.Status != nil && *patch.Status != a.Status {
				var err error
				events, err = s.applyStatus(ctx, st, actor, a, *patch.Status, a.CancellationReason, now)
				if err != nil {
					return "", nil, err
				}
				action = types.AuditActionAssignmentStatusChanged
				changed = true
			}
			if !changed {
				return "", nil, nil
			}
			return action, events, nil
		})
}

// RecordUsage adds a time entry to the matching counter. Only active
// assignments accept usage.
func (s *AssignmentService) RecordUsage(ctx context.Context, actor types.Actor, id string, in RecordUsageInput) (*types.PlanAssignment, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	if !in.CoverageType.Valid() {
		return nil, types.FieldError(types.ErrCodeValidationInvalidCoverage, "coverage_type", "coverage_type must be support or dev")
	}
	if !in.Hours.IsPositive() {
		return nil, types.FieldError(types.ErrCodeValidationInvalidHours, "hours", "hours must be greater than zero")
	}

	now := s.clock.Now()
	var updated *types.PlanAssignment
	err := s.tx.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		a, err := st.Assignments.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !CanSubmitUnderPlan(a.Status) {
			return types.NewAppErrorWithDetails(types.ErrCodePermissionPlanBlocked,
				"plan assignment is not active; time cannot be logged against it", nil,
				map[string]any{"status": a.Status})
		}
		if in.Billable {
			p, err := st.Plans.GetByID(ctx, a.PlanID)
			if err != nil {
				return err
			}
			if err := ensureBillable(ctx, st, a, p, in.CoverageType, in.Hours); err != nil {
				return err
			}
		}

		updated, err = st.Assignments.IncrementUsage(ctx, id, in.CoverageType, in.Hours)
		if err != nil {
			return err
		}
		return writeAudit(ctx, st, now, auditEntry{
			Actor:        actor,
			Action:       types.AuditActionAssignmentUsageRecorded,
			ResourceType: types.ResourceAssignment,
			ResourceID:   id,
			New: map[string]any{
				"coverage_type": in.CoverageType,
				"hours":         in.Hours,
				"billable":      in.Billable,
				"used":          updated.Used(in.CoverageType),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// GetUsage returns included, used, remaining and overage hours for the
// current period.
func (s *AssignmentService) GetUsage(ctx context.Context, actor types.Actor, id string) (*UsageSummary, error) {
	a, err := s.Get(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	p, err := s.stores.Plans.GetByID(ctx, a.PlanID)
	if err != nil {
		return nil, err
	}
	summary := Summarize(a, p)
	return &summary, nil
}

func (s *AssignmentService) ListHourLogs(ctx context.Context, actor types.Actor, id string) ([]*types.PlanHourLog, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.stores.HourLogs.ListByAssignment(ctx, id)
}

// RecoverPayment returns a grace_period assignment to active after an
// out-of-band successful payment. Other statuses are left alone.
func (s *AssignmentService) RecoverPayment(ctx context.Context, id, paymentIntentID string) (*types.PlanAssignment, error) {
	actor := types.SystemActor
	return s.mutate(ctx, actor, id, func(*types.PlanAssignment) error { return nil },
		func(_ context.Context, _ Stores, a *types.PlanAssignment, now time.Time) (string, []types.DomainEvent, error) {
			if a.Status != types.AssignmentGracePeriod {
				return "", nil, nil
			}
			RecoverFromGrace(a, now)
			return types.AuditActionAssignmentStatusChanged, []types.DomainEvent{
				AssignmentEvent(types.EventPlanPaymentRecovered, a, now, map[string]any{
					"source":            "webhook",
					"payment_intent_id": paymentIntentID,
				}),
			}, nil
		})
}

// SendAgreement sends the plan agreement for signature.
func (s *AssignmentService) SendAgreement(ctx context.Context, actor types.Actor, id string, signer Signer) (string, error) {
	if err := requireStaff(actor); err != nil {
		return "", err
	}
	if s.agreements == nil {
		return "", types.NewAppError(types.ErrCodeUpstreamESign, "e-signature integration is not configured", nil)
	}
	a, err := s.stores.Assignments.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	p, err := s.stores.Plans.GetByID(ctx, a.PlanID)
	if err != nil {
		return "", err
	}

	envelopeID, err := s.agreements.SendAgreement(ctx, AgreementRequest{
		AssignmentID:   a.ID,
		OrganizationID: a.OrganizationID,
		PlanName:       p.Name,
		MonthlyFee:     p.MonthlyFee,
		Currency:       p.Currency,
		Signer:         signer,
	})
	if err != nil {
		return "", err
	}

	err = s.tx.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		return writeAudit(ctx, st, s.clock.Now(), auditEntry{
			Actor:        actor,
			Action:       types.AuditActionAssignmentAgreementSent,
			ResourceType: types.ResourceAssignment,
			ResourceID:   a.ID,
			New:          map[string]any{"envelope_id": envelopeID, "signer_email": signer.Email},
		})
	})
	if err != nil {
		s.logger.WarnContext(ctx, "agreement sent but audit entry failed",
			"assignment_id", a.ID, "envelope_id", envelopeID, "error", err)
	}
	return envelopeID, nil
}
