package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Kre8ivTech/client-portal-sub003/internal/billing"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// OverageRepository provides data access for the overage_acceptances table.
// Each workflow step is a guarded UPDATE so a decision cannot be applied twice.
type OverageRepository struct {
	db DBTX
}

func NewOverageRepository(db DBTX) *OverageRepository {
	return &OverageRepository{db: db}
}

const overageColumns = `id, assignment_id, organization_id, requested_by, overage_type,
	estimated_hours, hourly_rate, estimated_total, currency, accepted, accepted_by,
	decided_at, rejection_reason, invoice_approved, invoice_approved_by,
	invoice_approved_at, invoice_id, notes, created_at, updated_at`

func scanOverage(row pgx.Row) (*types.OverageAcceptance, error) {
	var o types.OverageAcceptance
	var acceptedBy, rejection, approvedBy, notes *string
	err := row.Scan(
		&o.ID,
		&o.AssignmentID,
		&o.OrganizationID,
		&o.RequestedBy,
		&o.OverageType,
		&o.EstimatedHours,
		&o.HourlyRate,
		&o.EstimatedTotal,
		&o.Currency,
		&o.Accepted,
		&acceptedBy,
		&o.DecidedAt,
		&rejection,
		&o.InvoiceApproved,
		&approvedBy,
		&o.InvoiceApprovedAt,
		&o.InvoiceID,
		&notes,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.AcceptedBy = derefString(acceptedBy)
	o.RejectionReason = derefString(rejection)
	o.InvoiceApprovedBy = derefString(approvedBy)
	o.Notes = derefString(notes)
	return &o, nil
}

func (r *OverageRepository) Create(ctx context.Context, o *types.OverageAcceptance) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO overage_acceptances (id, assignment_id, organization_id, requested_by,
		   overage_type, estimated_hours, hourly_rate, estimated_total, currency, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at, updated_at`,
		o.ID,
		o.AssignmentID,
		o.OrganizationID,
		o.RequestedBy,
		o.OverageType,
		o.EstimatedHours,
		o.HourlyRate,
		o.EstimatedTotal,
		o.Currency,
		nilIfEmpty(o.Notes),
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create overage request", err)
	}
	return nil
}

func (r *OverageRepository) GetByID(ctx context.Context, id string) (*types.OverageAcceptance, error) {
	o, err := scanOverage(r.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM overage_acceptances WHERE id = $1`, overageColumns), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundOverage, "overage request not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve overage request", err)
	}
	return o, nil
}

func (r *OverageRepository) ListByAssignment(ctx context.Context, assignmentID string) ([]*types.OverageAcceptance, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM overage_acceptances WHERE assignment_id = $1 ORDER BY created_at DESC`, overageColumns),
		assignmentID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list overage requests", err)
	}
	defer rows.Close()

	var out []*types.OverageAcceptance
	for rows.Next() {
		o, err := scanOverage(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan overage request row", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating overage request rows", err)
	}
	return out, nil
}

func (r *OverageRepository) Decide(ctx context.Context, o *types.OverageAcceptance) error {
	return r.guardedUpdate(ctx, "overage request has already been decided",
		`UPDATE overage_acceptances
		 SET accepted = $2, accepted_by = $3, decided_at = $4, rejection_reason = $5, updated_at = NOW()
		 WHERE id = $1 AND accepted IS NULL`,
		o.ID, o.Accepted, nilIfEmpty(o.AcceptedBy), o.DecidedAt, nilIfEmpty(o.RejectionReason))
}

func (r *OverageRepository) ApproveInvoice(ctx context.Context, o *types.OverageAcceptance) error {
	return r.guardedUpdate(ctx, "overage request is not accepted or is already approved for invoicing",
		`UPDATE overage_acceptances
		 SET invoice_approved = TRUE, invoice_approved_by = $2, invoice_approved_at = $3, updated_at = NOW()
		 WHERE id = $1 AND accepted = TRUE AND NOT invoice_approved`,
		o.ID, nilIfEmpty(o.InvoiceApprovedBy), o.InvoiceApprovedAt)
}

func (r *OverageRepository) AttachInvoice(ctx context.Context, o *types.OverageAcceptance) error {
	return r.guardedUpdate(ctx, "overage request is not approved for invoicing or is already invoiced",
		`UPDATE overage_acceptances
		 SET invoice_id = $2, updated_at = NOW()
		 WHERE id = $1 AND invoice_approved AND invoice_id IS NULL`,
		o.ID, o.InvoiceID)
}

func (r *OverageRepository) guardedUpdate(ctx context.Context, conflictMsg, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update overage request", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictAlreadyDecided, conflictMsg, nil)
	}
	return nil
}

func (r *OverageRepository) AcceptedHours(ctx context.Context, assignmentID string, since time.Time) (billing.AcceptedOverage, error) {
	var acc billing.AcceptedOverage
	err := r.db.QueryRow(ctx,
		`SELECT
		   COALESCE(SUM(estimated_hours) FILTER (WHERE overage_type = 'support'), 0),
		   COALESCE(SUM(estimated_hours) FILTER (WHERE overage_type = 'dev'), 0),
		   COALESCE(SUM(estimated_hours) FILTER (WHERE overage_type = 'both'), 0)
		 FROM overage_acceptances
		 WHERE assignment_id = $1 AND accepted = TRUE AND invoice_id IS NULL
		   AND decided_at >= $2`,
		assignmentID,
		since,
	).Scan(&acc.Support, &acc.Dev, &acc.Both)
	if err != nil {
		return billing.AcceptedOverage{}, types.NewAppError(types.ErrCodeInternalDB, "failed to sum accepted overage hours", err)
	}
	return acc, nil
}
