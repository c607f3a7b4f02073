package billing

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// PlanInput carries the template fields of a plan.
type PlanInput struct {
	Name                 string                `json:"name" validate:"required,max=200"`
	Description          string                `json:"description" validate:"max=2000"`
	SupportHoursIncluded decimal.Decimal       `json:"support_hours_included"`
	DevHoursIncluded     decimal.Decimal       `json:"dev_hours_included"`
	SupportHourlyRate    int64                 `json:"support_hourly_rate" validate:"gte=0"`
	DevHourlyRate        int64                 `json:"dev_hourly_rate" validate:"gte=0"`
	MonthlyFee           int64                 `json:"monthly_fee" validate:"gte=0"`
	Currency             string                `json:"currency"`
	BillingInterval      types.BillingInterval `json:"billing_interval" validate:"required"`
	PaymentTermsDays     int                   `json:"payment_terms_days" validate:"gte=0,lte=365"`
	RushSupportIncluded  bool                  `json:"rush_support_included"`
	RushSupportFee       int64                 `json:"rush_support_fee" validate:"gte=0"`
	IsTemplate           bool                  `json:"is_template"`
}

// PlanPatch carries a partial plan update. Nil fields are unchanged.
type PlanPatch struct {
	Name                 *string                `json:"name,omitempty"`
	Description          *string                `json:"description,omitempty"`
	SupportHoursIncluded *decimal.Decimal       `json:"support_hours_included,omitempty"`
	DevHoursIncluded     *decimal.Decimal       `json:"dev_hours_included,omitempty"`
	SupportHourlyRate    *int64                 `json:"support_hourly_rate,omitempty"`
	DevHourlyRate        *int64                 `json:"dev_hourly_rate,omitempty"`
	MonthlyFee           *int64                 `json:"monthly_fee,omitempty"`
	Currency             *string                `json:"currency,omitempty"`
	BillingInterval      *types.BillingInterval `json:"billing_interval,omitempty"`
	PaymentTermsDays     *int                   `json:"payment_terms_days,omitempty"`
	RushSupportIncluded  *bool                  `json:"rush_support_included,omitempty"`
	RushSupportFee       *int64                 `json:"rush_support_fee,omitempty"`
	IsTemplate           *bool                  `json:"is_template,omitempty"`
}

// PlanService manages the plan catalog. Only staff may change it.
type PlanService struct {
	tx              TxRunner
	plans           PlanStore
	clock           types.Clock
	logger          *slog.Logger
	defaultCurrency string
}

func NewPlanService(tx TxRunner, plans PlanStore, clock types.Clock, defaultCurrency string, logger *slog.Logger) *PlanService {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &PlanService{
		tx:              tx,
		plans:           plans,
		clock:           clock,
		logger:          logger,
		defaultCurrency: strings.ToLower(defaultCurrency),
	}
}

func (s *PlanService) Create(ctx context.Context, actor types.Actor, in PlanInput) (*types.Plan, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}
	if in.Currency == "" {
		in.Currency = s.defaultCurrency
	}
	p := &types.Plan{
		ID:                   uuid.NewString(),
		Name:                 strings.TrimSpace(in.Name),
		Description:          in.Description,
		SupportHoursIncluded: in.SupportHoursIncluded,
		DevHoursIncluded:     in.DevHoursIncluded,
		SupportHourlyRate:    in.SupportHourlyRate,
		DevHourlyRate:        in.DevHourlyRate,
		MonthlyFee:           in.MonthlyFee,
		Currency:             strings.ToLower(in.Currency),
		BillingInterval:      in.BillingInterval,
		PaymentTermsDays:     in.PaymentTermsDays,
		RushSupportIncluded:  in.RushSupportIncluded,
		RushSupportFee:       in.RushSupportFee,
		IsTemplate:           in.IsTemplate,
		IsActive:             true,
	}
	if err := ValidatePlan(p); err != nil {
		return nil, err
	}

	err := s.tx.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		if err := st.Plans.Create(ctx, p); err != nil {
			return err
		}
		return writeAudit(ctx, st, s.clock.Now(), auditEntry{
			Actor:        actor,
			Action:       types.AuditActionPlanCreated,
			ResourceType: types.ResourcePlan,
			ResourceID:   p.ID,
			New:          p,
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "plan created", "plan_id", p.ID, "interval", p.BillingInterval)
	return p, nil
}

// Update applies patch to the template. Assignments keep billing against the
// updated template from their next period; closed logs keep their snapshot.
func (s *PlanService) Update(ctx context.Context, actor types.Actor, id string, patch PlanPatch) (*types.Plan, error) {
	if err := requireStaff(actor); err != nil {
		return nil, err
	}

	var updated *types.Plan
	err := s.tx.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		p, err := st.Plans.GetByID(ctx, id)
		if err != nil {
			return err
		}
		old := *p
		applyPlanPatch(p, patch)
		if err := ValidatePlan(p); err != nil {
			return err
		}
		if err := st.Plans.Update(ctx, p); err != nil {
			return err
		}
		updated = p
		return writeAudit(ctx, st, s.clock.Now(), auditEntry{
			Actor:        actor,
			Action:       types.AuditActionPlanUpdated,
			ResourceType: types.ResourcePlan,
			ResourceID:   p.ID,
			Old:          &old,
			New:          p,
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Archive soft-deletes a plan. Existing assignments are unaffected; new ones
// are rejected.
func (s *PlanService) Archive(ctx context.Context, actor types.Actor, id string) error {
	if err := requireStaff(actor); err != nil {
		return err
	}
	return s.tx.RunInTx(ctx, func(ctx context.Context, st Stores) error {
		p, err := st.Plans.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !p.IsActive {
			return nil
		}
		if err := st.Plans.Archive(ctx, id); err != nil {
			return err
		}
		return writeAudit(ctx, st, s.clock.Now(), auditEntry{
			Actor:        actor,
			Action:       types.AuditActionPlanArchived,
			ResourceType: types.ResourcePlan,
			ResourceID:   id,
			Old:          map[string]any{"is_active": true},
			New:          map[string]any{"is_active": false},
		})
	})
}

// Get hides archived plans from client actors.
func (s *PlanService) Get(ctx context.Context, actor types.Actor, id string) (*types.Plan, error) {
	p, err := s.plans.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsActive && !actor.IsStaff() {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
	}
	return p, nil
}

// List returns active plans, plus archived ones for staff when requested.
func (s *PlanService) List(ctx context.Context, actor types.Actor, includeArchived bool) ([]*types.Plan, error) {
	return s.plans.List(ctx, includeArchived && actor.IsStaff())
}

func applyPlanPatch(p *types.Plan, patch PlanPatch) {
	if patch.Name != nil {
		p.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.SupportHoursIncluded != nil {
		p.SupportHoursIncluded = *patch.SupportHoursIncluded
	}
	if patch.DevHoursIncluded != nil {
		p.DevHoursIncluded = *patch.DevHoursIncluded
	}
	if patch.SupportHourlyRate != nil {
		p.SupportHourlyRate = *patch.SupportHourlyRate
	}
	if patch.DevHourlyRate != nil {
		p.DevHourlyRate = *patch.DevHourlyRate
	}
	if patch.MonthlyFee != nil {
		p.MonthlyFee = *patch.MonthlyFee
	}
	if patch.Currency != nil {
		p.Currency = strings.ToLower(*patch.Currency)
	}
	if patch.BillingInterval != nil {
		p.BillingInterval = *patch.BillingInterval
	}
	if patch.PaymentTermsDays != nil {
		p.PaymentTermsDays = *patch.PaymentTermsDays
	}
	if patch.RushSupportIncluded != nil {
		p.RushSupportIncluded = *patch.RushSupportIncluded
	}
	if patch.RushSupportFee != nil {
		p.RushSupportFee = *patch.RushSupportFee
	}
	if patch.IsTemplate != nil {
		p.IsTemplate = *patch.IsTemplate
	}
}

// ValidatePlan checks the invariants of a plan template.
func ValidatePlan(p *types.Plan) error {
	if p.Name == "" {
		return types.FieldError(types.ErrCodeValidationMissingField, "name", "name is required")
	}
	if p.SupportHoursIncluded.IsNegative() {
		return types.FieldError(types.ErrCodeValidationInvalidHours, "support_hours_included", "hours must not be negative")
	}
	if p.DevHoursIncluded.IsNegative() {
		return types.FieldError(types.ErrCodeValidationInvalidHours, "dev_hours_included", "hours must not be negative")
	}
	amounts := []struct {
		field string
		value int64
	}{
		{"support_hourly_rate", p.SupportHourlyRate},
		{"dev_hourly_rate", p.DevHourlyRate},
		{"monthly_fee", p.MonthlyFee},
		{"rush_support_fee", p.RushSupportFee},
	}
	for _, a := range amounts {
		if a.value < 0 {
			return types.FieldError(types.ErrCodeValidationInvalidAmount, a.field, a.field+" must not be negative")
		}
	}
	if !validCurrency(p.Currency) {
		return types.FieldError(types.ErrCodeValidationInvalidCurrency, "currency", "currency must be a 3-letter ISO 4217 code")
	}
	if !p.BillingInterval.Valid() {
		return types.FieldError(types.ErrCodeValidationInvalidInterval, "billing_interval",
			"billing_interval must be monthly, yearly or one_time")
	}
	if p.PaymentTermsDays < 0 {
		return types.FieldError(types.ErrCodeValidationFailed, "payment_terms_days", "payment_terms_days must not be negative")
	}
	return nil
}

func validCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}
