package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Kre8ivTech/client-portal-sub003/internal/billing"
	"github.com/Kre8ivTech/client-portal-sub003/internal/core"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// maxListLimit caps GET /v1/assignments.
const maxListLimit = 200

// AssignmentService is the assignment use-case contract.
type AssignmentService interface {
	Create(ctx context.Context, actor types.Actor, in billing.CreateAssignmentInput) (*types.PlanAssignment, error)
	Get(ctx context.Context, actor types.Actor, id string) (*types.PlanAssignment, error)
	List(ctx context.Context, actor types.Actor, f billing.AssignmentFilter) ([]*types.PlanAssignment, error)
	Update(ctx context.Context, actor types.Actor, id string, patch billing.AssignmentPatch) (*types.PlanAssignment, error)

	Activate(ctx context.Context, actor types.Actor, id string) (*types.PlanAssignment, error)
	Pause(ctx context.Context, actor types.Actor, id string) (*types.PlanAssignment, error)
	Resume(ctx context.Context, actor types.Actor, id string) (*types.PlanAssignment, error)
	Expire(ctx context.Context, actor types.Actor, id string) (*types.PlanAssignment, error)
	Cancel(ctx context.Context, actor types.Actor, id, reason string) (*types.PlanAssignment, error)
	RequestCancellation(ctx context.Context, actor types.Actor, id, reason string) (*types.PlanAssignment, error)
	ConfirmCancellation(ctx context.Context, actor types.Actor, id string) (*types.PlanAssignment, error)

	RecordUsage(ctx context.Context, actor types.Actor, id string, in billing.RecordUsageInput) (*types.PlanAssignment, error)
	GetUsage(ctx context.Context, actor types.Actor, id string) (*billing.UsageSummary, error)
	UsageHistory(ctx context.Context, actor types.Actor, id string, from, to time.Time) (*billing.UsageHistory, error)
	ListHourLogs(ctx context.Context, actor types.Actor, id string) ([]*types.PlanHourLog, error)
	SendAgreement(ctx context.Context, actor types.Actor, id string, signer billing.Signer) (string, error)
}

// CancelRequest is the body of the cancel and cancellation-request actions.
type CancelRequest struct {
	Reason string `json:"reason" validate:"max=2000"`
}

// AgreementResponse is returned by POST /v1/assignments/{id}/agreement.
type AgreementResponse struct {
	AssignmentID string `json:"assignment_id"`
	EnvelopeID   string `json:"envelope_id"`
}

// AssignmentHandler serves /v1/assignments.
type AssignmentHandler struct {
	service   AssignmentService
	validator *core.Validator
	logger    *slog.Logger
}

// NewAssignmentHandler creates an AssignmentHandler.
func NewAssignmentHandler(svc AssignmentService, v *core.Validator, l *slog.Logger) *AssignmentHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AssignmentHandler{service: svc, validator: v, logger: l}
}

// RegisterRoutes mounts the assignment endpoints. Staff-only actions are
// grouped behind core.RequireStaff; PATCH and cancellation-request are
// authorized per assignment by the service.
func (h *AssignmentHandler) RegisterRoutes(r chi.Router) {
	r.Route("/assignments", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Patch("/{id}", h.Update)
		r.Post("/{id}/cancellation-request", h.RequestCancellation)
		r.Get("/{id}/usage", h.GetUsage)
		r.Get("/{id}/usage/history", h.UsageHistory)
		r.Get("/{id}/hour-logs", h.ListHourLogs)

		r.Group(func(r chi.Router) {
			r.Use(core.RequireStaff)
			r.Post("/", h.Create)
			r.Post("/{id}/activate", h.transition(h.service.Activate, "activated"))
			r.Post("/{id}/pause", h.transition(h.service.Pause, "paused"))
			r.Post("/{id}/resume", h.transition(h.service.Resume, "resumed"))
			r.Post("/{id}/expire", h.transition(h.service.Expire, "expired"))
			r.Post("/{id}/cancel", h.Cancel)
			r.Post("/{id}/cancellation-confirm", h.transition(h.service.ConfirmCancellation, "cancellation confirmed"))
			r.Post("/{id}/usage", h.RecordUsage)
			r.Post("/{id}/agreement", h.SendAgreement)
		})
	})
}

// List handles GET /v1/assignments?organization_id=&status=&limit=.
func (h *AssignmentHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := billing.AssignmentFilter{
		OrganizationID: q.Get("organization_id"),
		Status:         types.AssignmentStatus(q.Get("status")),
		Limit:          50,
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

	items, err := h.service.List(r.Context(), actor, filter)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, newList(items))
}

// Get handles GET /v1/assignments/{id}.
func (h *AssignmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	a, err := h.service.Get(r.Context(), actor, idParam(r))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, a)
}

// Create handles POST /v1/assignments.
func (h *AssignmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req billing.CreateAssignmentInput
	if err := h.validator.DecodeAndValidate(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	a, err := h.service.Create(r.Context(), actor, req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "assignment created",
		"assignment_id", a.ID,
		"organization_id", a.OrganizationID,
		"plan_id", a.PlanID,
	)
	core.Data(w, r, http.StatusCreated, a)
}

// Update handles PATCH /v1/assignments/{id}.
func (h *AssignmentHandler) Update(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var patch billing.AssignmentPatch
	if err := core.DecodeJSON(w, r, &patch); err != nil {
		core.Error(w, r, err)
		return
	}

	a, err := h.service.Update(r.Context(), actor, idParam(r), patch)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, a)
}

type transitionFunc func(ctx context.Context, actor types.Actor, id string) (*types.PlanAssignment, error)

// transition adapts a body-less state change to a handler.
func (h *AssignmentHandler) transition(fn transitionFunc, verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := requireActor(w, r)
		if !ok {
			return
		}
		a, err := fn(r.Context(), actor, idParam(r))
		if err != nil {
			core.Error(w, r, err)
			return
		}
		h.logger.InfoContext(r.Context(), "assignment "+verb,
			"assignment_id", a.ID,
			"status", a.Status,
			"actor_id", actor.ID,
		)
		core.Data(w, r, http.StatusOK, a)
	}
}

// Cancel handles POST /v1/assignments/{id}/cancel.
func (h *AssignmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req CancelRequest
	if r.ContentLength != 0 {
		if err := h.validator.DecodeAndValidate(w, r, &req); err != nil {
			core.Error(w, r, err)
			return
		}
	}

	a, err := h.service.Cancel(r.Context(), actor, idParam(r), req.Reason)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "assignment cancelled",
		"assignment_id", a.ID,
		"proration_credit", a.ProrationCredit,
	)
	core.Data(w, r, http.StatusOK, a)
}

// RequestCancellation handles POST /v1/assignments/{id}/cancellation-request.
func (h *AssignmentHandler) RequestCancellation(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req CancelRequest
	if err := h.validator.DecodeAndValidate(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	a, err := h.service.RequestCancellation(r.Context(), actor, idParam(r), req.Reason)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, a)
}

// RecordUsage handles POST /v1/assignments/{id}/usage.
func (h *AssignmentHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req billing.RecordUsageInput
	if err := h.validator.DecodeAndValidate(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	a, err := h.service.RecordUsage(r.Context(), actor, idParam(r), req)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, a)
}

// GetUsage handles GET /v1/assignments/{id}/usage.
func (h *AssignmentHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	usage, err := h.service.GetUsage(r.Context(), actor, idParam(r))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, usage)
}

// UsageHistory handles GET /v1/assignments/{id}/usage/history?from=&to=.
func (h *AssignmentHandler) UsageHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	from, err := parseDateParam(r, "from")
	if err != nil {
		core.Error(w, r, err)
		return
	}
	to, err := parseDateParam(r, "to")
	if err != nil {
		core.Error(w, r, err)
		return
	}

	history, err := h.service.UsageHistory(r.Context(), actor, idParam(r), from, to)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, history)
}

// ListHourLogs handles GET /v1/assignments/{id}/hour-logs.
func (h *AssignmentHandler) ListHourLogs(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	logs, err := h.service.ListHourLogs(r.Context(), actor, idParam(r))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, newList(logs))
}

// SendAgreement handles POST /v1/assignments/{id}/agreement.
func (h *AssignmentHandler) SendAgreement(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var signer billing.Signer
	if err := h.validator.DecodeAndValidate(w, r, &signer); err != nil {
		core.Error(w, r, err)
		return
	}

	id := idParam(r)
	envelopeID, err := h.service.SendAgreement(r.Context(), actor, id, signer)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusAccepted, AgreementResponse{AssignmentID: id, EnvelopeID: envelopeID})
}
