package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Kre8ivTech/client-portal-sub003/internal/core"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// AuditReader reads the audit trail of a single resource.
type AuditReader interface {
	List(ctx context.Context, f types.AuditQueryFilters) ([]types.AuditEvent, error)
}

var auditResourceTypes = map[string]bool{
	types.ResourcePlan:       true,
	types.ResourceAssignment: true,
	types.ResourceOverage:    true,
	types.ResourceDispute:    true,
}

// AuditHandler serves the staff-only /v1/audit trail.
type AuditHandler struct {
	reader AuditReader
}

func NewAuditHandler(reader AuditReader) *AuditHandler {
	return &AuditHandler{reader: reader}
}

// RegisterRoutes mounts GET /v1/audit.
func (h *AuditHandler) RegisterRoutes(r chi.Router) {
	r.With(core.RequireStaff).Get("/audit", h.List)
}

// List handles GET /v1/audit?resource_type=&resource_id=&limit=.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.AuditQueryFilters{
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
	}
	if !auditResourceTypes[filter.ResourceType] {
		core.Error(w, r, types.FieldError(types.ErrCodeValidationFailed, "resource_type",
			"resource_type must be one of plan, plan_assignment, overage_acceptance, billing_dispute"))
		return
	}
	if filter.ResourceID == "" {
		core.Error(w, r, types.FieldError(types.ErrCodeValidationFailed, "resource_id", "resource_id is required"))
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxListLimit {
			core.Error(w, r, types.FieldError(types.ErrCodeValidationFailed, "limit",
				"limit must be an integer between 1 and "+strconv.Itoa(maxListLimit)))
			return
		}
		filter.Limit = limit
	}

	events, err := h.reader.List(r.Context(), filter)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, newList(events))
}
