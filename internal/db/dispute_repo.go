package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// DisputeRepository provides data access for the billing_disputes table.
type DisputeRepository struct {
	db DBTX
}

func NewDisputeRepository(db DBTX) *DisputeRepository {
	return &DisputeRepository{db: db}
}

const disputeColumns = `id, organization_id, reference_type, reference_id, invoice_id,
	reason, disputed_amount, status, credit_amount, resolution_notes, opened_by,
	resolved_by, resolved_at, created_at, updated_at`

func scanDispute(row pgx.Row) (*types.BillingDispute, error) {
	var d types.BillingDispute
	var notes, resolvedBy *string
	err := row.Scan(
		&d.ID,
		&d.OrganizationID,
		&d.ReferenceType,
		&d.ReferenceID,
		&d.InvoiceID,
		&d.Reason,
		&d.DisputedAmount,
		&d.Status,
		&d.CreditAmount,
		&notes,
		&d.OpenedBy,
		&resolvedBy,
		&d.ResolvedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.ResolutionNotes = derefString(notes)
	d.ResolvedBy = derefString(resolvedBy)
	return &d, nil
}

func (r *DisputeRepository) Create(ctx context.Context, d *types.BillingDispute) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO billing_disputes (id, organization_id, reference_type, reference_id,
		   invoice_id, reason, disputed_amount, status, opened_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at, updated_at`,
		d.ID,
		d.OrganizationID,
		d.ReferenceType,
		d.ReferenceID,
		d.InvoiceID,
		d.Reason,
		d.DisputedAmount,
		d.Status,
		d.OpenedBy,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create billing dispute", err)
	}
	return nil
}

func (r *DisputeRepository) GetByID(ctx context.Context, id string) (*types.BillingDispute, error) {
	d, err := scanDispute(r.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM billing_disputes WHERE id = $1`, disputeColumns), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundDispute, "billing dispute not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve billing dispute", err)
	}
	return d, nil
}

// List returns disputes newest first. An empty orgID lists every tenant.
func (r *DisputeRepository) List(ctx context.Context, orgID string) ([]*types.BillingDispute, error) {
	query := fmt.Sprintf(`SELECT %s FROM billing_disputes`, disputeColumns)
	var args []any
	if orgID != "" {
		query += ` WHERE organization_id = $1`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at DESC LIMIT 200`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list billing disputes", err)
	}
	defer rows.Close()

	var out []*types.BillingDispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan billing dispute row", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating billing dispute rows", err)
	}
	return out, nil
}

func (r *DisputeRepository) Transition(ctx context.Context, d *types.BillingDispute, from types.DisputeStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE billing_disputes
		 SET status = $3, credit_amount = $4, resolution_notes = $5, resolved_by = $6,
		     resolved_at = $7, updated_at = NOW()
		 WHERE id = $1 AND status = $2`,
		d.ID,
		from,
		d.Status,
		d.CreditAmount,
		nilIfEmpty(d.ResolutionNotes),
		nilIfEmpty(d.ResolvedBy),
		d.ResolvedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update billing dispute", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeConflictConcurrent,
			"billing dispute changed state; reload and retry", nil,
			map[string]any{"expected_status": from})
	}
	return nil
}
