package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Kre8ivTech/client-portal-sub003/internal/billing"
	"github.com/Kre8ivTech/client-portal-sub003/internal/core"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// PlanService is the plan catalog contract.
type PlanService interface {
	Create(ctx context.Context, actor types.Actor, in billing.PlanInput) (*types.Plan, error)
	Update(ctx context.Context, actor types.Actor, id string, patch billing.PlanPatch) (*types.Plan, error)
	Archive(ctx context.Context, actor types.Actor, id string) error
	Get(ctx context.Context, actor types.Actor, id string) (*types.Plan, error)
	List(ctx context.Context, actor types.Actor, includeArchived bool) ([]*types.Plan, error)
}

// PlanHandler serves /v1/plans.
type PlanHandler struct {
	service   PlanService
	validator *core.Validator
	logger    *slog.Logger
}

// NewPlanHandler creates a PlanHandler.
func NewPlanHandler(svc PlanService, v *core.Validator, l *slog.Logger) *PlanHandler {
	if l == nil {
		l = slog.Default()
	}
	return &PlanHandler{service: svc, validator: v, logger: l}
}

// RegisterRoutes mounts the plan endpoints. Reads are open to every
// authenticated actor; the service hides archived plans from clients.
func (h *PlanHandler) RegisterRoutes(r chi.Router) {
	r.Route("/plans", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)

		r.Group(func(r chi.Router) {
			r.Use(core.RequireStaff)
			r.Post("/", h.Create)
			r.Patch("/{id}", h.Update)
			r.Post("/{id}/archive", h.Archive)
		})
	})
}

// List handles GET /v1/plans?include_archived=true.
func (h *PlanHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	includeArchived := false
	if raw := r.URL.Query().Get("include_archived"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			core.Error(w, r, types.FieldError(types.ErrCodeValidationFailed, "include_archived", "include_archived must be a boolean"))
			return
		}
		includeArchived = v
	}

	plans, err := h.service.List(r.Context(), actor, includeArchived)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, newList(plans))
}

// Get handles GET /v1/plans/{id}.
func (h *PlanHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	plan, err := h.service.Get(r.Context(), actor, idParam(r))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, plan)
}

// Create handles POST /v1/plans.
func (h *PlanHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req billing.PlanInput
	if err := h.validator.DecodeAndValidate(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	plan, err := h.service.Create(r.Context(), actor, req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "plan created",
		"plan_id", plan.ID,
		"actor_id", actor.ID,
	)
	core.Data(w, r, http.StatusCreated, plan)
}

// Update handles PATCH /v1/plans/{id}.
func (h *PlanHandler) Update(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var patch billing.PlanPatch
	if err := h.validator.DecodeAndValidate(w, r, &patch); err != nil {
		core.Error(w, r, err)
		return
	}

	plan, err := h.service.Update(r.Context(), actor, idParam(r), patch)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, plan)
}

// Archive handles POST /v1/plans/{id}/archive. Archived plans stay readable
// by staff and keep their existing assignments.
func (h *PlanHandler) Archive(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	id := idParam(r)
	if err := h.service.Archive(r.Context(), actor, id); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "plan archived",
		"plan_id", id,
		"actor_id", actor.ID,
	)
	w.WriteHeader(http.StatusNoContent)
}
