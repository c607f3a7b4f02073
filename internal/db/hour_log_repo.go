package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// HourLogRepository provides data access for the plan_hour_logs table. A
// partial unique index on (assignment_id) WHERE is_current_period keeps a
// single open period per assignment.
type HourLogRepository struct {
	db DBTX
}

func NewHourLogRepository(db DBTX) *HourLogRepository {
	return &HourLogRepository{db: db}
}

const hourLogColumns = `id, assignment_id, period_start, period_end,
	support_hours_included, dev_hours_included, support_hours_used, dev_hours_used,
	support_overage_hours, dev_overage_hours, overage_invoice_id, is_current_period,
	created_at`

func scanHourLog(row pgx.Row) (*types.PlanHourLog, error) {
	var l types.PlanHourLog
	err := row.Scan(
		&l.ID,
		&l.AssignmentID,
		&l.PeriodStart,
		&l.PeriodEnd,
		&l.SupportHoursIncluded,
		&l.DevHoursIncluded,
		&l.SupportHoursUsed,
		&l.DevHoursUsed,
		&l.SupportOverageHours,
		&l.DevOverageHours,
		&l.OverageInvoiceID,
		&l.IsCurrentPeriod,
		&l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// Open inserts a new current-period row. A second open period for the same
// assignment violates the partial unique index and is reported as a conflict.
func (r *HourLogRepository) Open(ctx context.Context, l *types.PlanHourLog) error {
	l.IsCurrentPeriod = true
	err := r.db.QueryRow(ctx,
		`INSERT INTO plan_hour_logs (id, assignment_id, period_start,
		   support_hours_included, dev_hours_included, support_hours_used, dev_hours_used,
		   support_overage_hours, dev_overage_hours, is_current_period)
		 VALUES ($1, $2, $3, $4, $5, 0, 0, 0, 0, TRUE)
		 RETURNING created_at`,
		l.ID,
		l.AssignmentID,
		l.PeriodStart,
		l.SupportHoursIncluded,
		l.DevHoursIncluded,
	).Scan(&l.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictConcurrent, "a current hour log period is already open", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to open hour log period", err)
	}
	return nil
}

func (r *HourLogRepository) Current(ctx context.Context, assignmentID string) (*types.PlanHourLog, error) {
	l, err := scanHourLog(r.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM plan_hour_logs WHERE assignment_id = $1 AND is_current_period`, hourLogColumns),
		assignmentID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundHourLog, "no current hour log period", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve current hour log", err)
	}
	return l, nil
}

func (r *HourLogRepository) Close(ctx context.Context, l *types.PlanHourLog) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE plan_hour_logs
		 SET period_end = $2, support_hours_included = $3, dev_hours_included = $4,
		     support_hours_used = $5, dev_hours_used = $6,
		     support_overage_hours = $7, dev_overage_hours = $8, is_current_period = FALSE
		 WHERE id = $1 AND is_current_period`,
		l.ID,
		l.PeriodEnd,
		l.SupportHoursIncluded,
		l.DevHoursIncluded,
		l.SupportHoursUsed,
		l.DevHoursUsed,
		l.SupportOverageHours,
		l.DevOverageHours,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to close hour log period", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "hour log period is already closed", nil)
	}
	l.IsCurrentPeriod = false
	return nil
}

func (r *HourLogRepository) ListByAssignment(ctx context.Context, assignmentID string) ([]*types.PlanHourLog, error) {
	return r.list(ctx,
		fmt.Sprintf(`SELECT %s FROM plan_hour_logs WHERE assignment_id = $1 ORDER BY period_start DESC, created_at DESC`, hourLogColumns),
		assignmentID)
}

func (r *HourLogRepository) ListClosedBetween(ctx context.Context, from, to time.Time) ([]*types.PlanHourLog, error) {
	return r.list(ctx,
		fmt.Sprintf(`SELECT %s FROM plan_hour_logs
		 WHERE NOT is_current_period AND period_end >= $1 AND period_end < $2
		 ORDER BY assignment_id, period_start`, hourLogColumns),
		from, to)
}

func (r *HourLogRepository) list(ctx context.Context, query string, args ...any) ([]*types.PlanHourLog, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list hour logs", err)
	}
	defer rows.Close()

	var out []*types.PlanHourLog
	for rows.Next() {
		l, err := scanHourLog(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan hour log row", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating hour log rows", err)
	}
	return out, nil
}
