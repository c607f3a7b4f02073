package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Kre8ivTech/client-portal-sub003/internal/billing"
	"github.com/Kre8ivTech/client-portal-sub003/internal/core"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// DisputeService is the billing dispute contract.
type DisputeService interface {
	Open(ctx context.Context, actor types.Actor, in billing.OpenDisputeInput) (*types.BillingDispute, error)
	Get(ctx context.Context, actor types.Actor, id string) (*types.BillingDispute, error)
	List(ctx context.Context, actor types.Actor, orgID string) ([]*types.BillingDispute, error)
	Review(ctx context.Context, actor types.Actor, id string) (*types.BillingDispute, error)
	Resolve(ctx context.Context, actor types.Actor, id string, in billing.ResolveDisputeInput) (*types.BillingDispute, error)
	Reject(ctx context.Context, actor types.Actor, id, notes string) (*types.BillingDispute, error)
}

// RejectDisputeRequest is the body of POST /v1/disputes/{id}/reject.
type RejectDisputeRequest struct {
	Notes string `json:"notes" validate:"required,max=4000"`
}

// DisputeHandler serves /v1/disputes.
type DisputeHandler struct {
	service   DisputeService
	validator *core.Validator
	logger    *slog.Logger
}

// NewDisputeHandler creates a DisputeHandler.
func NewDisputeHandler(svc DisputeService, v *core.Validator, l *slog.Logger) *DisputeHandler {
	if l == nil {
		l = slog.Default()
	}
	return &DisputeHandler{service: svc, validator: v, logger: l}
}

// RegisterRoutes mounts the dispute endpoints.
func (h *DisputeHandler) RegisterRoutes(r chi.Router) {
	r.Route("/disputes", func(r chi.Router) {
		r.Post("/", h.Open)
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)

		r.Group(func(r chi.Router) {
			r.Use(core.RequireStaff)
			r.Post("/{id}/review", h.Review)
			r.Post("/{id}/resolve", h.Resolve)
			r.Post("/{id}/reject", h.Reject)
		})
	})
}

// Open handles POST /v1/disputes.
func (h *DisputeHandler) Open(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req billing.OpenDisputeInput
	if err := h.validator.DecodeAndValidate(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	d, err := h.service.Open(r.Context(), actor, req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "dispute opened",
		"dispute_id", d.ID,
		"organization_id", d.OrganizationID,
		"reference_type", d.ReferenceType,
	)
	core.Data(w, r, http.StatusCreated, d)
}

// List handles GET /v1/disputes?organization_id=.
func (h *DisputeHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	items, err := h.service.List(r.Context(), actor, r.URL.Query().Get("organization_id"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, newList(items))
}

// Get handles GET /v1/disputes/{id}.
func (h *DisputeHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	d, err := h.service.Get(r.Context(), actor, idParam(r))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, d)
}

// Review handles POST /v1/disputes/{id}/review.
func (h *DisputeHandler) Review(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	d, err := h.service.Review(r.Context(), actor, idParam(r))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, d)
}

// Resolve handles POST /v1/disputes/{id}/resolve.
func (h *DisputeHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req billing.ResolveDisputeInput
	if err := h.validator.DecodeAndValidate(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	d, err := h.service.Resolve(r.Context(), actor, idParam(r), req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "dispute resolved",
		"dispute_id", d.ID,
		"credit_amount", req.CreditAmount,
	)
	core.Data(w, r, http.StatusOK, d)
}

// Reject handles POST /v1/disputes/{id}/reject.
func (h *DisputeHandler) Reject(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req RejectDisputeRequest
	if err := h.validator.DecodeAndValidate(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	d, err := h.service.Reject(r.Context(), actor, idParam(r), req.Notes)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, d)
}
