package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Kre8ivTech/client-portal-sub003/internal/billing"
	"github.com/Kre8ivTech/client-portal-sub003/internal/core"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

var (
	staffActor = types.Actor{ID: "key-staff", Type: types.ActorTypeAPIKey, Role: types.RoleStaff}
	ownerActor = types.Actor{ID: "key-owner", Type: types.ActorTypeAPIKey, OrganizationID: "org-1", Role: types.RoleOwner}
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// registrar is implemented by every handler.
type registrar interface {
	RegisterRoutes(r chi.Router)
}

// serve routes one request through h with actor injected. A nil actor
// leaves the request unauthenticated.
func serve(t *testing.T, h registrar, actor *types.Actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(buf)
	}

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if actor != nil {
				req = req.WithContext(types.WithActor(req.Context(), *actor))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/v1", h.RegisterRoutes)

	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

// decodeData unmarshals the "data" envelope into dst.
func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, rec.Body.String())
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		t.Fatalf("decode data: %v (%s)", err, env.Data)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body core.APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body.Error.Code
}

func newValidator() *core.Validator {
	return core.NewValidator(discardLogger())
}

// =============================================================================
// Service mocks
// =============================================================================

type mockPlanService struct {
	createFn  func(ctx context.Context, actor types.Actor, in billing.PlanInput) (*types.Plan, error)
	updateFn  func(ctx context.Context, actor types.Actor, id string, patch billing.PlanPatch) (*types.Plan, error)
	archiveFn func(ctx context.Context, actor types.Actor, id string) error
	getFn     func(ctx context.Context, actor types.Actor, id string) (*types.Plan, error)
	listFn    func(ctx context.Context, actor types.Actor, includeArchived bool) ([]*types.Plan, error)
}

func (m *mockPlanService) Create(ctx context.Context, actor types.Actor, in billing.PlanInput) (*types.Plan, error) {
	if m.createFn != nil {
		return m.createFn(ctx, actor, in)
	}
	return &types.Plan{ID: "plan-1", Name: in.Name, IsActive: true}, nil
}

func (m *mockPlanService) Update(ctx context.Context, actor types.Actor, id string, patch billing.PlanPatch) (*types.Plan, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, actor, id, patch)
	}
	return &types.Plan{ID: id}, nil
}

func (m *mockPlanService) Archive(ctx context.Context, actor types.Actor, id string) error {
	if m.archiveFn != nil {
		return m.archiveFn(ctx, actor, id)
	}
	return nil
}

func (m *mockPlanService) Get(ctx context.Context, actor types.Actor, id string) (*types.Plan, error) {
	if m.getFn != nil {
		return m.getFn(ctx, actor, id)
	}
	return &types.Plan{ID: id, IsActive: true}, nil
}

func (m *mockPlanService) List(ctx context.Context, actor types.Actor, includeArchived bool) ([]*types.Plan, error) {
	if m.listFn != nil {
		return m.listFn(ctx, actor, includeArchived)
	}
	return nil, nil
}

// mockAssignmentService records the last call for assertions.
type mockAssignmentService struct {
	lastCall   string
	lastID     string
	lastReason string
	lastFilter billing.AssignmentFilter
	lastUsage  billing.RecordUsageInput
	lastPatch  billing.AssignmentPatch
	lastFrom   time.Time
	lastTo     time.Time
	err        error
}

func (m *mockAssignmentService) record(call, id string) (*types.PlanAssignment, error) {
	m.lastCall, m.lastID = call, id
	if m.err != nil {
		return nil, m.err
	}
	return &types.PlanAssignment{ID: id, OrganizationID: "org-1", Status: types.AssignmentActive}, nil
}

func (m *mockAssignmentService) Create(_ context.Context, _ types.Actor, in billing.CreateAssignmentInput) (*types.PlanAssignment, error) {
	a, err := m.record("create", "asg-new")
	if a != nil {
		a.PlanID = in.PlanID
		a.Status = types.AssignmentPending
	}
	return a, err
}

func (m *mockAssignmentService) Get(_ context.Context, _ types.Actor, id string) (*types.PlanAssignment, error) {
	return m.record("get", id)
}

func (m *mockAssignmentService) List(_ context.Context, _ types.Actor, f billing.AssignmentFilter) ([]*types.PlanAssignment, error) {
	m.lastCall, m.lastFilter = "list", f
	if m.err != nil {
		return nil, m.err
	}
	return []*types.PlanAssignment{{ID: "asg-1"}, {ID: "asg-2"}}, nil
}

func (m *mockAssignmentService) Update(_ context.Context, _ types.Actor, id string, patch billing.AssignmentPatch) (*types.PlanAssignment, error) {
	m.lastPatch = patch
	return m.record("update", id)
}

func (m *mockAssignmentService) Activate(_ context.Context, _ types.Actor, id string) (*types.PlanAssignment, error) {
	return m.record("activate", id)
}

func (m *mockAssignmentService) Pause(_ context.Context, _ types.Actor, id string) (*types.PlanAssignment, error) {
	return m.record("pause", id)
}

func (m *mockAssignmentService) Resume(_ context.Context, _ types.Actor, id string) (*types.PlanAssignment, error) {
	return m.record("resume", id)
}

func (m *mockAssignmentService) Expire(_ context.Context, _ types.Actor, id string) (*types.PlanAssignment, error) {
	return m.record("expire", id)
}

func (m *mockAssignmentService) Cancel(_ context.Context, _ types.Actor, id, reason string) (*types.PlanAssignment, error) {
	m.lastReason = reason
	return m.record("cancel", id)
}

func (m *mockAssignmentService) RequestCancellation(_ context.Context, _ types.Actor, id, reason string) (*types.PlanAssignment, error) {
	m.lastReason = reason
	return m.record("cancellation-request", id)
}

func (m *mockAssignmentService) ConfirmCancellation(_ context.Context, _ types.Actor, id string) (*types.PlanAssignment, error) {
	return m.record("cancellation-confirm", id)
}

func (m *mockAssignmentService) RecordUsage(_ context.Context, _ types.Actor, id string, in billing.RecordUsageInput) (*types.PlanAssignment, error) {
	m.lastUsage = in
	return m.record("usage", id)
}

func (m *mockAssignmentService) GetUsage(_ context.Context, _ types.Actor, id string) (*billing.UsageSummary, error) {
	m.lastCall, m.lastID = "get-usage", id
	if m.err != nil {
		return nil, m.err
	}
	return &billing.UsageSummary{AssignmentID: id, CanSubmit: true}, nil
}

func (m *mockAssignmentService) UsageHistory(_ context.Context, _ types.Actor, id string, from, to time.Time) (*billing.UsageHistory, error) {
	m.lastCall, m.lastID, m.lastFrom, m.lastTo = "history", id, from, to
	if m.err != nil {
		return nil, m.err
	}
	return &billing.UsageHistory{AssignmentID: id, From: from, To: to}, nil
}

func (m *mockAssignmentService) ListHourLogs(_ context.Context, _ types.Actor, id string) ([]*types.PlanHourLog, error) {
	m.lastCall, m.lastID = "hour-logs", id
	if m.err != nil {
		return nil, m.err
	}
	return []*types.PlanHourLog{{ID: "log-1", AssignmentID: id}}, nil
}

func (m *mockAssignmentService) SendAgreement(_ context.Context, _ types.Actor, id string, signer billing.Signer) (string, error) {
	m.lastCall, m.lastID = "agreement", id
	if m.err != nil {
		return "", m.err
	}
	return "env-1", nil
}

type mockOverageService struct {
	lastCall   string
	lastID     string
	lastDecide billing.DecideOverageInput
	lastInv    string
	err        error
}

func (m *mockOverageService) result(call, id string) (*types.OverageAcceptance, error) {
	m.lastCall, m.lastID = call, id
	if m.err != nil {
		return nil, m.err
	}
	return &types.OverageAcceptance{ID: id, AssignmentID: "asg-1", OrganizationID: "org-1"}, nil
}

func (m *mockOverageService) Request(_ context.Context, _ types.Actor, in billing.RequestOverageInput) (*types.OverageAcceptance, error) {
	o, err := m.result("request", "ovg-new")
	if o != nil {
		o.AssignmentID = in.AssignmentID
		o.OverageType = in.OverageType
	}
	return o, err
}

func (m *mockOverageService) Get(_ context.Context, _ types.Actor, id string) (*types.OverageAcceptance, error) {
	return m.result("get", id)
}

func (m *mockOverageService) ListByAssignment(_ context.Context, _ types.Actor, assignmentID string) ([]*types.OverageAcceptance, error) {
	m.lastCall, m.lastID = "list", assignmentID
	if m.err != nil {
		return nil, m.err
	}
	return []*types.OverageAcceptance{{ID: "ovg-1", AssignmentID: assignmentID}}, nil
}

func (m *mockOverageService) Decide(_ context.Context, _ types.Actor, id string, in billing.DecideOverageInput) (*types.OverageAcceptance, error) {
	m.lastDecide = in
	return m.result("decide", id)
}

func (m *mockOverageService) ApproveInvoice(_ context.Context, _ types.Actor, id string) (*types.OverageAcceptance, error) {
	return m.result("approve", id)
}

func (m *mockOverageService) AttachInvoice(_ context.Context, _ types.Actor, id, invoiceID string) (*types.OverageAcceptance, error) {
	m.lastInv = invoiceID
	return m.result("invoice", id)
}

type mockDisputeService struct {
	lastCall  string
	lastID    string
	lastOrg   string
	lastNotes string
	lastInput billing.ResolveDisputeInput
	err       error
}

func (m *mockDisputeService) result(call, id string) (*types.BillingDispute, error) {
	m.lastCall, m.lastID = call, id
	if m.err != nil {
		return nil, m.err
	}
	return &types.BillingDispute{ID: id, OrganizationID: "org-1", Status: types.DisputePending}, nil
}

func (m *mockDisputeService) Open(_ context.Context, _ types.Actor, in billing.OpenDisputeInput) (*types.BillingDispute, error) {
	d, err := m.result("open", "dsp-new")
	if d != nil {
		d.ReferenceType = in.ReferenceType
		d.ReferenceID = in.ReferenceID
	}
	return d, err
}

func (m *mockDisputeService) Get(_ context.Context, _ types.Actor, id string) (*types.BillingDispute, error) {
	return m.result("get", id)
}

func (m *mockDisputeService) List(_ context.Context, _ types.Actor, orgID string) ([]*types.BillingDispute, error) {
	m.lastCall, m.lastOrg = "list", orgID
	if m.err != nil {
		return nil, m.err
	}
	return nil, nil
}

func (m *mockDisputeService) Review(_ context.Context, _ types.Actor, id string) (*types.BillingDispute, error) {
	return m.result("review", id)
}

func (m *mockDisputeService) Resolve(_ context.Context, _ types.Actor, id string, in billing.ResolveDisputeInput) (*types.BillingDispute, error) {
	m.lastInput = in
	return m.result("resolve", id)
}

func (m *mockDisputeService) Reject(_ context.Context, _ types.Actor, id, notes string) (*types.BillingDispute, error) {
	m.lastNotes = notes
	return m.result("reject", id)
}

type mockSLACalculator struct {
	lastOrg      string
	lastPriority types.TicketPriority
	lastCreated  time.Time
	err          error
}

func (m *mockSLACalculator) Compute(_ context.Context, _ types.Actor, orgID string, priority types.TicketPriority, createdAt time.Time) (billing.SLADeadlines, error) {
	m.lastOrg, m.lastPriority, m.lastCreated = orgID, priority, createdAt
	if m.err != nil {
		return billing.SLADeadlines{}, m.err
	}
	return billing.Deadlines(priority, createdAt, false)
}

// Compile-time interface assertions for mocks.
var (
	_ PlanService       = (*mockPlanService)(nil)
	_ AssignmentService = (*mockAssignmentService)(nil)
	_ OverageService    = (*mockOverageService)(nil)
	_ DisputeService    = (*mockDisputeService)(nil)
	_ SLACalculator     = (*mockSLACalculator)(nil)

	_ PlanService       = (*billing.PlanService)(nil)
	_ AssignmentService = (*billing.AssignmentService)(nil)
	_ OverageService    = (*billing.OverageService)(nil)
	_ DisputeService    = (*billing.DisputeService)(nil)
	_ SLACalculator     = (*billing.SLAService)(nil)
	_ PaymentRecoverer  = (*billing.AssignmentService)(nil)
)
