package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Kre8ivTech/client-portal-sub003/internal/billing"
	"github.com/Kre8ivTech/client-portal-sub003/internal/core"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// SLACalculator computes ticket deadlines for an organization.
type SLACalculator interface {
	Compute(ctx context.Context, actor types.Actor, orgID string, priority types.TicketPriority, createdAt time.Time) (billing.SLADeadlines, error)
}

// SLARequest is the body of POST /v1/sla/deadlines. OrganizationID defaults
// to the caller's organization; CreatedAt defaults to now.
type SLARequest struct {
	OrganizationID string               `json:"organization_id,omitempty" validate:"max=64"`
	Priority       types.TicketPriority `json:"priority" validate:"required,oneof=urgent high medium low"`
	CreatedAt      *time.Time           `json:"created_at,omitempty"`
}

// SLAHandler serves /v1/sla.
type SLAHandler struct {
	calc      SLACalculator
	validator *core.Validator
}

// NewSLAHandler creates an SLAHandler.
func NewSLAHandler(calc SLACalculator, v *core.Validator) *SLAHandler {
	return &SLAHandler{calc: calc, validator: v}
}

// RegisterRoutes mounts the SLA endpoint.
func (h *SLAHandler) RegisterRoutes(r chi.Router) {
	r.Post("/sla/deadlines", h.Deadlines)
}

// Deadlines handles POST /v1/sla/deadlines.
func (h *SLAHandler) Deadlines(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req SLARequest
	if err := h.validator.DecodeAndValidate(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	var createdAt time.Time
	if req.CreatedAt != nil {
		createdAt = req.CreatedAt.UTC()
	}

	deadlines, err := h.calc.Compute(r.Context(), actor, req.OrganizationID, req.Priority, createdAt)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, deadlines)
}
