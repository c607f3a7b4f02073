package billing

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// OpenDisputeInput contests a charge.
type OpenDisputeInput struct {
	OrganizationID string                     `json:"organization_id" validate:"omitempty,max=64"`
	ReferenceType  types.DisputeReferenceType `json:"reference_type" validate:"required"`
	ReferenceID    string                     `json:"reference_id" validate:"required,max=64"`
	InvoiceID      *string                    `json:"invoice_id,omitempty"`
	Reason         string                     `json:"reason" validate:"required,max=4000"`
	DisputedAmount int64                      `json:"disputed_amount"`
}

// ResolveDisputeInput closes a dispute in the client's favour.
type ResolveDisputeInput struct {
	CreditAmount int64  `json:"credit_amount"`
	Notes        string `json:"notes" validate:"max=4000"`
}

// DisputeService manages billing disputes: pending -> under_review ->
// resolved | rejected. Review may be skipped.
type DisputeService struct {
	tx       TxRunner
	disputes DisputeStore
	clock    types.Clock
	logger   *slog.Logger
}

func NewDisputeService(tx TxRunner, disputes DisputeStore, clock types.Clock, logger *slog.Logger) *DisputeService {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DisputeService{tx: tx, disputes: disputes, clock: clock, logger: logger}
}

// Open files a dispute for the actor's organization. Staff must name the
// organization explicitly.
func (s *DisputeService) Open(ctx context.Context, actor types.Actor, in OpenDisputeInput) (*types.BillingDispute, error) {
	orgID := in.OrganizationID
	if !actor.IsStaff() {
		if orgID != "" && orgID != actor.OrganizationID {
			return nil, types.NewAppError(types.ErrCodePermissionOrgMismatch,
				"disputes can only be opened for your own organization", nil)
		}
		orgID = actor.OrganizationID
	}
	if orgID == "" {
		return nil, types.FieldError(types.ErrCodeValidationMissingField, "organization_id", "organization_id is required")
	}
	if !in.ReferenceType.Valid() {
		return nil, types.FieldError(types.ErrCodeValidationInvalidReference, "reference_type",
			"reference_type must be invoice, assignment, ticket or time_entry")
	}
	if strings.TrimSpace(in.ReferenceID) == "" {
		return nil, types.FieldError(types.ErrCodeValidationMissingField, "reference_id", "reference_id is required")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return nil, types.FieldError(types.ErrCodeValidationMissingField, "reason", "reason is required")
	}
	if in.DisputedAmount <= 0 {
		return nil, types.FieldError(types.ErrCodeValidationInvalidAmount, "disputed_amount", "disputed_amount must be greater than zero")
	}

	d := &types.BillingDispute{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		ReferenceType:  in.ReferenceType,
		ReferenceID:    in.ReferenceID,
		InvoiceID:      in.InvoiceID,
		Reason:         strings.TrimSpace(in.Reason),
		DisputedAmount: in.DisputedAmount,
		Status:         types.DisputePending,
		OpenedBy:       actor.ID,
	}
	err := s.tx.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		if err := st.Disputes.Create(ctx, d); err != nil {
			return err
		}
		return writeAudit(ctx, st, s.clock.Now(), auditEntry{
			Actor:        actor,
			Action:       types.AuditActionDisputeOpened,
			ResourceType: types.ResourceDispute,
			ResourceID:   d.ID,
			New:          d,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "billing dispute opened",
		"dispute_id", d.ID,
		"organization_id", d.OrganizationID,
		"reference_type", d.ReferenceType,
	)
	return d, nil
}

func (s *DisputeService) Get(ctx context.Context, actor types.Actor, id string) (*types.BillingDispute, error) {
	d, err := s.disputes.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := requireOrgAccess(actor, d.OrganizationID, types.ErrCodeNotFoundDispute); err != nil {
		return nil, err
	}
	return d, nil
}

// List returns the actor's disputes; staff see every organization unless
// orgID narrows it.
func (s *DisputeService) List(ctx context.Context, actor types.Actor, orgID string) ([]*types.BillingDispute, error) {
	if !actor.IsStaff() {
		orgID = actor.OrganizationID
	}
	return s.disputes.List(ctx, orgID)
}

func (s *DisputeService) Review(ctx context.Context, actor types.Actor, id string) (*types.BillingDispute, error) {
	return s.transition(ctx, actor, id, types.DisputeUnderReview, types.AuditActionDisputeReviewed,
		func(d *types.BillingDispute, _ time.Time) error {
			if d.Status != types.DisputePending {
				return disputeTransitionError(d.Status, types.DisputeUnderReview)
			}
			return nil
		})
}

// Resolve accepts the dispute and records the credit issued, which cannot
// exceed the disputed amount.
func (s *DisputeService) Resolve(ctx context.Context, actor types.Actor, id string, in ResolveDisputeInput) (*types.BillingDispute, error) {
	if in.CreditAmount < 0 {
		return nil, types.FieldError(types.ErrCodeValidationInvalidAmount, "credit_amount", "credit_amount must not be negative")
	}
	return s.transition(ctx, actor, id, types.DisputeResolved, types.AuditActionDisputeResolved,
		func(d *types.BillingDispute, now time.Time) error {
			if d.Status.IsTerminal() {
				return disputeTransitionError(d.Status, types.DisputeResolved)
			}
			if in.CreditAmount > d.DisputedAmount {
				return types.FieldError(types.ErrCodeValidationInvalidAmount, "credit_amount",
					"credit_amount must not exceed the disputed amount")
			}
			credit := in.CreditAmount
			d.CreditAmount = &credit
			d.ResolutionNotes = in.Notes
			d.ResolvedBy = actor.ID
			d.ResolvedAt = &now
			return nil
		})
}

func (s *DisputeService) Reject(ctx context.Context, actor types.Actor, id, notes string) (*types.BillingDispute, error) {
	if strings.TrimSpace(notes) == "" {
		return nil, types.FieldError(types.ErrCodeValidationMissingField, "notes", "notes are required to reject a dispute")
	}
	return s.transition(ctx, actor, id, types.DisputeRejected, types.AuditActionDisputeRejected,
		func(d *types.BillingDispute, now time.Time) error {
			if d.Status.IsTerminal() {
				return disputeTransitionError(d.Status, types.DisputeRejected)
			}
			d.ResolutionNotes = notes
			d.ResolvedBy = actor.ID
			d.ResolvedAt = &now
			return nil
		})
}

func (s *DisputeService) transition(
	ctx context.Context,
	actor types.Actor,
	id string,
	to types.DisputeStatus,
	action string,
	apply func(d *types.BillingDispute, now time.Time) error,
) (*types.BillingDispute, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	var result *types.BillingDispute
	err := s.tx.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		d, err := st.Disputes.GetByID(ctx, id)
		if err != nil {
			return err
		}
		old := *d
		if err := apply(d, now); err != nil {
			return err
		}
		d.Status = to
		if err := st.Disputes.Transition(ctx, d, old.Status); err != nil {
			return err
		}
		result = d
		return writeAudit(ctx, st, now, auditEntry{
			Actor:        actor,
			Action:       action,
			ResourceType: types.ResourceDispute,
			ResourceID:   d.ID,
			Old:          &old,
			New:          d,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func disputeTransitionError(from, to types.DisputeStatus) error {
	return types.NewAppErrorWithDetails(types.ErrCodeConflictTransition,
		"cannot move dispute from "+string(from)+" to "+string(to), nil,
		map[string]any{"from": from, "to": to})
}
