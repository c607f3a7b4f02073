package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Kre8ivTech/client-portal-sub003/internal/billing"
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// memDB is an in-memory store whose RunInTx restores the previous state when
// fn fails, so tests observe rollback the way Postgres would behave.
type memDB struct {
	txMu sync.Mutex // serializes transactions
	mu   sync.Mutex

	plans       map[string]types.Plan
	assignments map[string]types.PlanAssignment
	logs        map[string]types.PlanHourLog
	accounts    map[string]types.BillingAccount
	audit       []types.AuditEvent

	updateErr map[string]error
}

func newMemDB() *memDB {
	return &memDB{
		plans:       map[string]types.Plan{},
		assignments: map[string]types.PlanAssignment{},
		logs:        map[string]types.PlanHourLog{},
		accounts:    map[string]types.BillingAccount{},
		updateErr:   map[string]error{},
	}
}

func (m *memDB) snapshot() *memDB {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := &memDB{
		plans:       map[string]types.Plan{},
		assignments: map[string]types.PlanAssignment{},
		logs:        map[string]types.PlanHourLog{},
		accounts:    m.accounts,
		audit:       append([]types.AuditEvent(nil), m.audit...),
	}
	for k, v := range m.plans {
		cp.plans[k] = v
	}
	for k, v := range m.assignments {
		cp.assignments[k] = v
	}
	for k, v := range m.logs {
		cp.logs[k] = v
	}
	return cp
}

func (m *memDB) restore(s *memDB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans = s.plans
	m.assignments = s.assignments
	m.logs = s.logs
	m.audit = s.audit
}

func (m *memDB) RunInTx(ctx context.Context, fn func(ctx context.Context, s billing.Stores) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	saved := m.snapshot()
	err := fn(ctx, m.stores())
	if err != nil {
		m.restore(saved)
	}
	return err
}

func (m *memDB) stores() billing.Stores {
	return billing.Stores{
		Plans:       memPlans{m},
		Assignments: memAssignments{db: m},
		HourLogs:    memHourLogs{m},
		Accounts:    memAccounts{m},
		Audit:       memAudit{m},
	}
}

func (m *memDB) assignment(id string) types.PlanAssignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assignments[id]
}

func (m *memDB) logsFor(id string) []types.PlanHourLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.PlanHourLog
	for _, l := range m.logs {
		if l.AssignmentID == id {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out
}

func (m *memDB) auditActions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.audit {
		out = append(out, e.Action)
	}
	return out
}

// ListDue and ListInGrace make memDB a DueLister.
func (m *memDB) ListDue(_ context.Context, asOf time.Time, afterID string, limit int) ([]string, error) {
	return m.listIDs(afterID, limit, func(a types.PlanAssignment) bool {
		return (a.Status == types.AssignmentActive || a.Status == types.AssignmentGracePeriod) &&
			!a.NextBillingDate.After(asOf)
	}), nil
}

func (m *memDB) ListInGrace(_ context.Context, afterID string, limit int) ([]string, error) {
	return m.listIDs(afterID, limit, func(a types.PlanAssignment) bool {
		return a.Status == types.AssignmentGracePeriod
	}), nil
}

func (m *memDB) listIDs(afterID string, limit int, match func(types.PlanAssignment) bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, a := range m.assignments {
		if id > afterID && match(a) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

type memPlans struct{ db *memDB }

func (p memPlans) Create(context.Context, *types.Plan) error { return errors.New("not implemented") }
func (p memPlans) List(context.Context, bool) ([]*types.Plan, error) {
	return nil, errors.New("not implemented")
}
func (p memPlans) Update(context.Context, *types.Plan) error { return errors.New("not implemented") }
func (p memPlans) Archive(context.Context, string) error     { return errors.New("not implemented") }

func (p memPlans) GetByID(_ context.Context, id string) (*types.Plan, error) {
	p.db.mu.Lock()
	defer p.db.mu.Unlock()
	plan, ok := p.db.plans[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
	}
	return &plan, nil
}

// memAssignments implements only what the processor calls; the embedded
// interface panics on anything else.
type memAssignments struct {
	billing.AssignmentStore
	db *memDB
}

func (s memAssignments) GetForUpdate(_ context.Context, id string) (*types.PlanAssignment, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.assignments[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundAssignment, "plan assignment not found", nil)
	}
	return &a, nil
}

func (s memAssignments) Update(_ context.Context, a *types.PlanAssignment) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if err := s.db.updateErr[a.ID]; err != nil {
		return err
	}
	cur := s.db.assignments[a.ID]
	if cur.Version != a.Version {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "stale version", nil)
	}
	a.Version++
	s.db.assignments[a.ID] = *a
	return nil
}

type memHourLogs struct{ db *memDB }

func (h memHourLogs) Open(_ context.Context, l *types.PlanHourLog) error {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	for _, existing := range h.db.logs {
		if existing.AssignmentID == l.AssignmentID && existing.IsCurrentPeriod {
			return types.NewAppError(types.ErrCodeConflictConcurrent, "a current hour log period is already open", nil)
		}
	}
	l.IsCurrentPeriod = true
	h.db.logs[l.ID] = *l
	return nil
}

func (h memHourLogs) Current(_ context.Context, assignmentID string) (*types.PlanHourLog, error) {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	for _, l := range h.db.logs {
		if l.AssignmentID == assignmentID && l.IsCurrentPeriod {
			cp := l
			return &cp, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundHourLog, "no current hour log period", nil)
}

func (h memHourLogs) Close(_ context.Context, l *types.PlanHourLog) error {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	cur, ok := h.db.logs[l.ID]
	if !ok || !cur.IsCurrentPeriod {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "hour log period is already closed", nil)
	}
	l.IsCurrentPeriod = false
	h.db.logs[l.ID] = *l
	return nil
}

func (h memHourLogs) ListByAssignment(context.Context, string) ([]*types.PlanHourLog, error) {
	return nil, errors.New("not implemented")
}

func (h memHourLogs) ListClosedBetween(context.Context, time.Time, time.Time) ([]*types.PlanHourLog, error) {
	return nil, errors.New("not implemented")
}

type memAccounts struct{ db *memDB }

func (a memAccounts) GetBillingAccount(_ context.Context, orgID string) (*types.BillingAccount, error) {
	a.db.mu.Lock()
	defer a.db.mu.Unlock()
	acct, ok := a.db.accounts[orgID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil)
	}
	return &acct, nil
}

func (a memAccounts) SetDefaultPaymentMethod(context.Context, string, string) error { return nil }

type memAudit struct{ db *memDB }

func (a memAudit) Log(_ context.Context, e types.AuditEvent) error {
	a.db.mu.Lock()
	defer a.db.mu.Unlock()
	a.db.audit = append(a.db.audit, e)
	return nil
}

// fakePayments answers charges from a per-assignment script.
type fakePayments struct {
	mu       sync.Mutex
	declined map[string]bool
	errs     map[string]error
	requests []billing.ChargeRequest
}

func newFakePayments() *fakePayments {
	return &fakePayments{declined: map[string]bool{}, errs: map[string]error{}}
}

func (f *fakePayments) Charge(_ context.Context, req billing.ChargeRequest) (*billing.ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err := f.errs[req.AssignmentID]; err != nil {
		return nil, err
	}
	if f.declined[req.AssignmentID] {
		return &billing.ChargeResult{FailureCode: "card_declined", FailureMessage: "Your card was declined."}, nil
	}
	return &billing.ChargeResult{Succeeded: true, PaymentIntentID: "pi_" + req.AssignmentID}, nil
}

func (f *fakePayments) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.requests {
		out = append(out, r.IdempotencyKey)
	}
	return out
}

type fakePublisher struct {
	mu     sync.Mutex
	events []types.DomainEvent
}

func (f *fakePublisher) Publish(_ context.Context, ev types.DomainEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) eventTypes() []types.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.EventType
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeRecorder struct {
	mu      sync.Mutex
	reports []RunReport
}

func (f *fakeRecorder) RecordRun(_ context.Context, r RunReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return nil
}

// --- fixtures ---

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func monthlyPlan() types.Plan {
	return types.Plan{
		ID:                   "plan-1",
		Name:                 "Growth",
		SupportHoursIncluded: decimal.NewFromInt(10),
		DevHoursIncluded:     decimal.NewFromInt(5),
		SupportHourlyRate:    12000,
		DevHourlyRate:        15000,
		MonthlyFee:           90000,
		Currency:             "usd",
		BillingInterval:      types.IntervalMonthly,
		IsActive:             true,
	}
}

// dueAssignment is active with a billing date of 2026-01-15 and an open
// period that started 2025-12-15.
func dueAssignment(id string) types.PlanAssignment {
	reset := day("2025-12-15")
	return types.PlanAssignment{
		ID:                 id,
		PlanID:             "plan-1",
		OrganizationID:     "org-1",
		StartDate:          day("2025-11-20"),
		NextBillingDate:    day("2026-01-15"),
		BillingCycleDay:    15,
		Status:             types.AssignmentActive,
		AutoRenew:          true,
		SupportHoursUsed:   decimal.NewFromInt(12),
		DevHoursUsed:       decimal.NewFromInt(3),
		LastHoursResetDate: &reset,
		Version:            1,
	}
}

func openLog(id string, a types.PlanAssignment, start time.Time) types.PlanHourLog {
	return types.PlanHourLog{
		ID:                   id,
		AssignmentID:         a.ID,
		PeriodStart:          start,
		SupportHoursIncluded: decimal.NewFromInt(10),
		DevHoursIncluded:     decimal.NewFromInt(5),
		IsCurrentPeriod:      true,
	}
}

type harness struct {
	db        *memDB
	payments  *fakePayments
	events    *fakePublisher
	recorder  *fakeRecorder
	processor *CycleProcessor
}

func newHarness(assignments ...types.PlanAssignment) *harness {
	db := newMemDB()
	plan := monthlyPlan()
	db.plans[plan.ID] = plan
	db.accounts["org-1"] = types.BillingAccount{OrganizationID: "org-1", StripeCustomerID: "cus_1", PaymentMethodID: "pm_1"}
	for _, a := range assignments {
		db.assignments[a.ID] = a
		l := openLog("log-"+a.ID, a, *a.LastHoursResetDate)
		db.logs[l.ID] = l
	}

	h := &harness{
		db:       db,
		payments: newFakePayments(),
		events:   &fakePublisher{},
		recorder: &fakeRecorder{},
	}
	h.processor = NewCycleProcessor(CycleProcessorDeps{
		Tx:       db,
		Lister:   db,
		Payments: h.payments,
		Events:   h.events,
		Metrics:  h.recorder,
		Config:   CycleConfig{GraceDays: 7, Concurrency: 2, PageSize: 2},
	})
	return h
}
