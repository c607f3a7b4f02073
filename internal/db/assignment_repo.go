package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/Kre8ivTech/client-portal-sub003/internal/billing"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// AssignmentRepository provides data access for the plan_assignments table.
// Writes are guarded by the version column; usage increments are a single
// UPDATE so concurrent time entries never lose hours.
type AssignmentRepository struct {
	db DBTX
}

func NewAssignmentRepository(db DBTX) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

const assignmentColumns = `id, plan_id, organization_id, start_date, next_billing_date,
	billing_cycle_day, status, auto_renew, support_hours_used, dev_hours_used,
	last_hours_reset_date, grace_period_start, grace_period_end, failed_payment_count,
	last_payment_attempt_at, cancellation_requested_at, cancellation_requested_by,
	cancellation_reason, cancelled_at, cancelled_by, proration_credit, version,
	created_at, updated_at`

func scanAssignment(row pgx.Row) (*types.PlanAssignment, error) {
	var a types.PlanAssignment
	var requestedBy, reason, cancelledBy *string
	err := row.Scan(
		&a.ID,
		&a.PlanID,
		&a.OrganizationID,
		&a.StartDate,
		&a.NextBillingDate,
		&a.BillingCycleDay,
		&a.Status,
		&a.AutoRenew,
		&a.SupportHoursUsed,
		&a.DevHoursUsed,
		&a.LastHoursResetDate,
		&a.GracePeriodStart,
		&a.GracePeriodEnd,
		&a.FailedPaymentCount,
		&a.LastPaymentAttemptAt,
		&a.CancellationRequestedAt,
		&requestedBy,
		&reason,
		&a.CancelledAt,
		&cancelledBy,
		&a.ProrationCredit,
		&a.Version,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.CancellationRequestedBy = derefString(requestedBy)
	a.CancellationReason = derefString(reason)
	a.CancelledBy = derefString(cancelledBy)
	return &a, nil
}

func (r *AssignmentRepository) Create(ctx context.Context, a *types.PlanAssignment) error {
	if a.Version == 0 {
		a.Version = 1
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO plan_assignments (id, plan_id, organization_id, start_date, next_billing_date,
		   billing_cycle_day, status, auto_renew, support_hours_used, dev_hours_used, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, $9)
		 RETURNING created_at, updated_at`,
		a.ID,
		a.PlanID,
		a.OrganizationID,
		a.StartDate,
		a.NextBillingDate,
		a.BillingCycleDay,
		a.Status,
		a.AutoRenew,
		a.Version,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create plan assignment", err)
	}
	a.SupportHoursUsed = decimal.Zero
	a.DevHoursUsed = decimal.Zero
	return nil
}

func (r *AssignmentRepository) GetByID(ctx context.Context, id string) (*types.PlanAssignment, error) {
	return r.get(ctx, fmt.Sprintf(`SELECT %s FROM plan_assignments WHERE id = $1`, assignmentColumns), id)
}

func (r *AssignmentRepository) GetForUpdate(ctx context.Context, id string) (*types.PlanAssignment, error) {
	return r.get(ctx, fmt.Sprintf(`SELECT %s FROM plan_assignments WHERE id = $1 FOR UPDATE`, assignmentColumns), id)
}

func (r *AssignmentRepository) get(ctx context.Context, query, id string) (*types.PlanAssignment, error) {
	a, err := scanAssignment(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAssignment, "plan assignment not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve plan assignment", err)
	}
	return a, nil
}

func (r *AssignmentRepository) List(ctx context.Context, f billing.AssignmentFilter) ([]*types.PlanAssignment, error) {
	var conditions []string
	var args []any

	if f.OrganizationID != "" {
		args = append(args, f.OrganizationID)
		conditions = append(conditions, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	query := fmt.Sprintf(`SELECT %s FROM plan_assignments`, assignmentColumns)
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list plan assignments", err)
	}
	defer rows.Close()

	var out []*types.PlanAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan plan assignment row", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating plan assignment rows", err)
	}
	return out, nil
}

func (r *AssignmentRepository) Update(ctx context.Context, a *types.PlanAssignment) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE plan_assignments
		 SET next_billing_date = $3, billing_cycle_day = $4, status = $5, auto_renew = $6,
		     support_hours_used = $7, dev_hours_used = $8, last_hours_reset_date = $9,
		     grace_period_start = $10, grace_period_end = $11, failed_payment_count = $12,
		     last_payment_attempt_at = $13, cancellation_requested_at = $14,
		     cancellation_requested_by = $15, cancellation_reason = $16, cancelled_at = $17,
		     cancelled_by = $18, proration_credit = $19,
		     version = version + 1, updated_at = NOW()
		 WHERE id = $1 AND version = $2`,
		a.ID,
		a.Version,
		a.NextBillingDate,
		a.BillingCycleDay,
		a.Status,
		a.AutoRenew,
		a.SupportHoursUsed,
		a.DevHoursUsed,
		a.LastHoursResetDate,
		a.GracePeriodStart,
		a.GracePeriodEnd,
		a.FailedPaymentCount,
		a.LastPaymentAttemptAt,
		a.CancellationRequestedAt,
		nilIfEmpty(a.CancellationRequestedBy),
		nilIfEmpty(a.CancellationReason),
		a.CancelledAt,
		nilIfEmpty(a.CancelledBy),
		a.ProrationCredit,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update plan assignment", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppErrorWithDetails(types.ErrCodeConflictConcurrent,
			"plan assignment was modified concurrently; reload and retry", nil,
			map[string]any{"assignment_id": a.ID, "version": a.Version})
	}
	a.Version++
	return nil
}

// IncrementUsage adds hours to the counter selected by coverage. The status
// guard makes the check-and-increment a single statement.
func (r *AssignmentRepository) IncrementUsage(ctx context.Context, id string, coverage types.CoverageType, hours decimal.Decimal) (*types.PlanAssignment, error) {
	var column string
	switch coverage {
	case types.CoverageSupport:
		column = "support_hours_used"
	case types.CoverageDev:
		column = "dev_hours_used"
	default:
		return nil, types.FieldError(types.ErrCodeValidationInvalidCoverage, "coverage_type", "coverage_type must be support or dev")
	}

	a, err := scanAssignment(r.db.QueryRow(ctx,
		fmt.Sprintf(`UPDATE plan_assignments
		 SET %[1]s = %[1]s + $2, version = version + 1, updated_at = NOW()
		 WHERE id = $1 AND status = $3
		 RETURNING %[2]s`, column, assignmentColumns),
		id,
		hours,
		types.AssignmentActive,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Distinguish a missing row from a non-active one.
			if _, getErr := r.GetByID(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, types.NewAppError(types.ErrCodePermissionPlanBlocked,
				"plan assignment is not active; time cannot be logged against it", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to increment plan usage", err)
	}
	return a, nil
}

func (r *AssignmentRepository) ExistsActiveForPlan(ctx context.Context, orgID, planID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM plan_assignments
		   WHERE organization_id = $1 AND plan_id = $2 AND status = 'active')`,
		orgID,
		planID,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check active assignments", err)
	}
	return exists, nil
}

func (r *AssignmentRepository) HasActiveRushPlan(ctx context.Context, orgID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM plan_assignments pa
		   JOIN plans p ON p.id = pa.plan_id
		   WHERE pa.organization_id = $1 AND pa.status = 'active' AND p.rush_support_included)`,
		orgID,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check priority client status", err)
	}
	return exists, nil
}

func (r *AssignmentRepository) ListDue(ctx context.Context, asOf time.Time, afterID string, limit int) ([]string, error) {
	return r.listIDs(ctx,
		`SELECT id FROM plan_assignments
		 WHERE status IN ('active', 'grace_period') AND next_billing_date <= $1 AND id > $2
		 ORDER BY id LIMIT $3`,
		asOf, afterID, limit)
}

func (r *AssignmentRepository) ListInGrace(ctx context.Context, afterID string, limit int) ([]string, error) {
	return r.listIDs(ctx,
		`SELECT id FROM plan_assignments
		 WHERE status = 'grace_period' AND id > $1
		 ORDER BY id LIMIT $2`,
		afterID, limit)
}

func (r *AssignmentRepository) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list plan assignment ids", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan plan assignment id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating plan assignment ids", err)
	}
	return ids, nil
}
