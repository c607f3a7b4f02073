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

// OverageService is the two-gate overage workflow contract.
type OverageService interface {
	Request(ctx context.Context, actor types.Actor, in billing.RequestOverageInput) (*types.OverageAcceptance, error)
	Get(ctx context.Context, actor types.Actor, id string) (*types.OverageAcceptance, error)
	ListByAssignment(ctx context.Context, actor types.Actor, assignmentID string) ([]*types.OverageAcceptance, error)
	Decide(ctx context.Context, actor types.Actor, id string, in billing.DecideOverageInput) (*types.OverageAcceptance, error)
	ApproveInvoice(ctx context.Context, actor types.Actor, id string) (*types.OverageAcceptance, error)
	AttachInvoice(ctx context.Context, actor types.Actor, id, invoiceID string) (*types.OverageAcceptance, error)
}

// AttachInvoiceRequest is the body of POST /v1/overages/{id}/invoice.
type AttachInvoiceRequest struct {
	InvoiceID string `json:"invoice_id" validate:"required,max=64"`
}

// OverageHandler serves /v1/overages.
type OverageHandler struct {
	service   OverageService
	validator *core.Validator
	logger    *slog.Logger
}

// NewOverageHandler creates an OverageHandler.
func NewOverageHandler(svc OverageService, v *core.Validator, l *slog.Logger) *OverageHandler {
	if l == nil {
		l = slog.Default()
	}
	return &OverageHandler{service: svc, validator: v, logger: l}
}

// RegisterRoutes mounts the overage endpoints.
func (h *OverageHandler) RegisterRoutes(r chi.Router) {
	r.Route("/overages", func(r chi.Router) {
		r.Post("/", h.Request)
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Post("/{id}/decision", h.Decide)

		r.Group(func(r chi.Router) {
			r.Use(core.RequireStaff)
			r.Post("/{id}/invoice-approval", h.ApproveInvoice)
			r.Post("/{id}/invoice", h.AttachInvoice)
		})
	})
}

// Request handles POST /v1/overages.
func (h *OverageHandler) Request(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req billing.RequestOverageInput
	if err := h.validator.DecodeAndValidate(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	o, err := h.service.Request(r.Context(), actor, req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "overage requested",
		"overage_id", o.ID,
		"assignment_id", o.AssignmentID,
		"estimated_total", o.EstimatedTotal,
	)
	core.Data(w, r, http.StatusCreated, o)
}

// List handles GET /v1/overages?assignment_id=.
func (h *OverageHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	assignmentID := r.URL.Query().Get("assignment_id")
	if assignmentID == "" {
		core.Error(w, r, types.FieldError(types.ErrCodeValidationMissingField, "assignment_id", "assignment_id query parameter is required"))
		return
	}

	items, err := h.service.ListByAssignment(r.Context(), actor, assignmentID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, newList(items))
}

// Get handles GET /v1/overages/{id}.
func (h *OverageHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	o, err := h.service.Get(r.Context(), actor, idParam(r))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, o)
}

// Decide handles POST /v1/overages/{id}/decision.
func (h *OverageHandler) Decide(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req billing.DecideOverageInput
	if err := h.validator.DecodeAndValidate(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	o, err := h.service.Decide(r.Context(), actor, idParam(r), req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "overage decided",
		"overage_id", o.ID,
		"accepted", req.Accept,
	)
	core.Data(w, r, http.StatusOK, o)
}

// ApproveInvoice handles POST /v1/overages/{id}/invoice-approval.
func (h *OverageHandler) ApproveInvoice(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	o, err := h.service.ApproveInvoice(r.Context(), actor, idParam(r))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, o)
}

// AttachInvoice handles POST /v1/overages/{id}/invoice.
func (h *OverageHandler) AttachInvoice(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req AttachInvoiceRequest
	if err := h.validator.DecodeAndValidate(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	o, err := h.service.AttachInvoice(r.Context(), actor, idParam(r), req.InvoiceID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, o)
}
