package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/Kre8ivTech/client-portal-sub003/internal/billing"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

func newPlanHandler(svc *mockPlanService) *PlanHandler {
	return NewPlanHandler(svc, newValidator(), discardLogger())
}

func TestPlanHandler_List(t *testing.T) {
	var gotArchived bool
	svc := &mockPlanService{
		listFn: func(_ context.Context, _ types.Actor, includeArchived bool) ([]*types.Plan, error) {
			gotArchived = includeArchived
			return []*types.Plan{{ID: "plan-1"}, {ID: "plan-2"}}, nil
		},
	}

	rec := serve(t, newPlanHandler(svc), &ownerActor, http.MethodGet, "/v1/plans?include_archived=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !gotArchived {
		t.Error("include_archived was not passed through")
	}

	var list ListResponse[types.Plan]
	decodeData(t, rec, &list)
	if list.Count != 2 || len(list.Items) != 2 {
		t.Errorf("unexpected list: %+v", list)
	}
}

func TestPlanHandler_ListEmptyIsArray(t *testing.T) {
	rec := serve(t, newPlanHandler(&mockPlanService{}), &ownerActor, http.MethodGet, "/v1/plans", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if want := `{"data":{"items":[],"count":0}}`; rec.Body.String() != want+"\n" && rec.Body.String() != want {
		t.Errorf("body = %s, want %s", rec.Body.String(), want)
	}
}

func TestPlanHandler_ListBadQuery(t *testing.T) {
	rec := serve(t, newPlanHandler(&mockPlanService{}), &ownerActor, http.MethodGet, "/v1/plans?include_archived=maybe", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestPlanHandler_CreateRequiresStaff(t *testing.T) {
	called := false
	svc := &mockPlanService{
		createFn: func(context.Context, types.Actor, billing.PlanInput) (*types.Plan, error) {
			called = true
			return nil, nil
		},
	}
	body := map[string]any{"name": "Growth", "billing_interval": "monthly", "monthly_fee": 90000}

	rec := serve(t, newPlanHandler(svc), &ownerActor, http.MethodPost, "/v1/plans", body)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", rec.Code)
	}
	if called {
		t.Error("service must not be called for client actors")
	}
}

func TestPlanHandler_Create(t *testing.T) {
	var got billing.PlanInput
	svc := &mockPlanService{
		createFn: func(_ context.Context, _ types.Actor, in billing.PlanInput) (*types.Plan, error) {
			got = in
			return &types.Plan{ID: "plan-9", Name: in.Name}, nil
		},
	}
	body := `{"name":"Growth","support_hours_included":"10.5","dev_hours_included":5,
		"support_hourly_rate":15000,"dev_hourly_rate":20000,"monthly_fee":90000,
		"currency":"usd","billing_interval":"monthly","payment_terms_days":30}`

	rec := serve(t, newPlanHandler(svc), &staffActor, http.MethodPost, "/v1/plans", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if got.Name != "Growth" || got.SupportHoursIncluded.String() != "10.5" || got.DevHoursIncluded.String() != "5" {
		t.Errorf("input not decoded: %+v", got)
	}

	var plan types.Plan
	decodeData(t, rec, &plan)
	if plan.ID != "plan-9" {
		t.Errorf("plan id = %q", plan.ID)
	}
}

func TestPlanHandler_CreateValidation(t *testing.T) {
	rec := serve(t, newPlanHandler(&mockPlanService{}), &staffActor, http.MethodPost, "/v1/plans",
		`{"name":"","billing_interval":"monthly","payment_terms_days":-1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != string(types.ErrCodeValidationFailed) {
		t.Errorf("code = %q", code)
	}
}

func TestPlanHandler_GetNotFound(t *testing.T) {
	svc := &mockPlanService{
		getFn: func(context.Context, types.Actor, string) (*types.Plan, error) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
		},
	}
	rec := serve(t, newPlanHandler(svc), &ownerActor, http.MethodGet, "/v1/plans/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestPlanHandler_UpdateAndArchive(t *testing.T) {
	var patched, archived string
	svc := &mockPlanService{
		updateFn: func(_ context.Context, _ types.Actor, id string, patch billing.PlanPatch) (*types.Plan, error) {
			patched = id
			if patch.MonthlyFee == nil || *patch.MonthlyFee != 100000 {
				t.Errorf("patch not decoded: %+v", patch)
			}
			return &types.Plan{ID: id}, nil
		},
		archiveFn: func(_ context.Context, _ types.Actor, id string) error {
			archived = id
			return nil
		},
	}
	h := newPlanHandler(svc)

	rec := serve(t, h, &staffActor, http.MethodPatch, "/v1/plans/plan-1", `{"monthly_fee":100000}`)
	if rec.Code != http.StatusOK || patched != "plan-1" {
		t.Errorf("update: %d %q", rec.Code, patched)
	}

	rec = serve(t, h, &staffActor, http.MethodPost, "/v1/plans/plan-1/archive", nil)
	if rec.Code != http.StatusNoContent || archived != "plan-1" {
		t.Errorf("archive: %d %q", rec.Code, archived)
	}
}

func TestPlanHandler_Unauthenticated(t *testing.T) {
	rec := serve(t, newPlanHandler(&mockPlanService{}), nil, http.MethodGet, "/v1/plans", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}
