package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// PlanRepository provides data access for the plans table.
type PlanRepository struct {
	db DBTX
}

func NewPlanRepository(db DBTX) *PlanRepository {
	return &PlanRepository{db: db}
}

const planColumns = `id, name, description, support_hours_included, dev_hours_included,
	support_hourly_rate, dev_hourly_rate, monthly_fee, currency, billing_interval,
	payment_terms_days, rush_support_included, rush_support_fee, is_template,
	is_active, created_at, updated_at`

func scanPlan(row pgx.Row) (*types.Plan, error) {
	var p types.Plan
	var description *string
	err := row.Scan(
		&p.ID,
		&p.Name,
		&description,
		&p.SupportHoursIncluded,
		&p.DevHoursIncluded,
		&p.SupportHourlyRate,
		&p.DevHourlyRate,
		&p.MonthlyFee,
		&p.Currency,
		&p.BillingInterval,
		&p.PaymentTermsDays,
		&p.RushSupportIncluded,
		&p.RushSupportFee,
		&p.IsTemplate,
		&p.IsActive,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Description = derefString(description)
	return &p, nil
}

func (r *PlanRepository) Create(ctx context.Context, p *types.Plan) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO plans (id, name, description, support_hours_included, dev_hours_included,
		   support_hourly_rate, dev_hourly_rate, monthly_fee, currency, billing_interval,
		   payment_terms_days, rush_support_included, rush_support_fee, is_template, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING created_at, updated_at`,
		p.ID,
		p.Name,
		nilIfEmpty(p.Description),
		p.SupportHoursIncluded,
		p.DevHoursIncluded,
		p.SupportHourlyRate,
		p.DevHourlyRate,
		p.MonthlyFee,
		p.Currency,
		p.BillingInterval,
		p.PaymentTermsDays,
		p.RushSupportIncluded,
		p.RushSupportFee,
		p.IsTemplate,
		p.IsActive,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create plan", err)
	}
	return nil
}

func (r *PlanRepository) GetByID(ctx context.Context, id string) (*types.Plan, error) {
	p, err := scanPlan(r.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM plans WHERE id = $1`, planColumns), id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve plan", err)
	}
	return p, nil
}

// List returns plans ordered by name. Archived plans are included only when
// includeArchived is set.
func (r *PlanRepository) List(ctx context.Context, includeArchived bool) ([]*types.Plan, error) {
	query := fmt.Sprintf(`SELECT %s FROM plans`, planColumns)
	if !includeArchived {
		query += ` WHERE is_active = TRUE`
	}
	query += ` ORDER BY name, id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list plans", err)
	}
	defer rows.Close()

	var plans []*types.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan plan row", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating plan rows", err)
	}
	return plans, nil
}

// Update writes the template fields. is_active is only changed by Archive.
func (r *PlanRepository) Update(ctx context.Context, p *types.Plan) error {
	err := r.db.QueryRow(ctx,
		`UPDATE plans
		 SET name = $2, description = $3, support_hours_included = $4, dev_hours_included = $5,
		     support_hourly_rate = $6, dev_hourly_rate = $7, monthly_fee = $8, currency = $9,
		     billing_interval = $10, payment_terms_days = $11, rush_support_included = $12,
		     rush_support_fee = $13, is_template = $14, updated_at = NOW()
		 WHERE id = $1
		 RETURNING updated_at`,
		p.ID,
		p.Name,
		nilIfEmpty(p.Description),
		p.SupportHoursIncluded,
		p.DevHoursIncluded,
		p.SupportHourlyRate,
		p.DevHourlyRate,
		p.MonthlyFee,
		p.Currency,
		p.BillingInterval,
		p.PaymentTermsDays,
		p.RushSupportIncluded,
		p.RushSupportFee,
		p.IsTemplate,
	).Scan(&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update plan", err)
	}
	return nil
}

func (r *PlanRepository) Archive(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE plans SET is_active = FALSE, updated_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to archive plan", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
	}
	return nil
}
