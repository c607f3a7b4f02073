package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }

// --- plans ---

type fakePlans struct {
	mu    sync.Mutex
	plans map[string]types.Plan
}

func newFakePlans(plans ...types.Plan) *fakePlans {
	f := &fakePlans{plans: map[string]types.Plan{}}
	for _, p := range plans {
		f.plans[p.ID] = p
	}
	return f
}

func (f *fakePlans) Create(_ context.Context, p *types.Plan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plans[p.ID] = *p
	return nil
}

func (f *fakePlans) GetByID(_ context.Context, id string) (*types.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
	}
	return &p, nil
}

func (f *fakePlans) List(_ context.Context, includeArchived bool) ([]*types.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Plan
	for _, p := range f.plans {
		if p.IsActive || includeArchived {
			cp := p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakePlans) Update(_ context.Context, p *types.Plan) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.plans[p.ID]; !ok {
		return types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
	}
	f.plans[p.ID] = *p
	return nil
}

func (f *fakePlans) Archive(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
	}
	p.IsActive = false
	f.plans[id] = p
	return nil
}

// --- assignments ---

type fakeAssignments struct {
	mu    sync.Mutex
	rows  map[string]types.PlanAssignment
	plans *fakePlans
}

func newFakeAssignments(plans *fakePlans, rows ...types.PlanAssignment) *fakeAssignments {
	f := &fakeAssignments{rows: map[string]types.PlanAssignment{}, plans: plans}
	for _, a := range rows {
		if a.Version == 0 {
			a.Version = 1
		}
		f.rows[a.ID] = a
	}
	return f
}

func (f *fakeAssignments) get(id string) types.PlanAssignment {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id]
}

func (f *fakeAssignments) Create(_ context.Context, a *types.PlanAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a.Version == 0 {
		a.Version = 1
	}
	f.rows[a.ID] = *a
	return nil
}

func (f *fakeAssignments) GetByID(_ context.Context, id string) (*types.PlanAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundAssignment, "plan assignment not found", nil)
	}
	return &a, nil
}

func (f *fakeAssignments) GetForUpdate(ctx context.Context, id string) (*types.PlanAssignment, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeAssignments) List(_ context.Context, filter AssignmentFilter) ([]*types.PlanAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.PlanAssignment
	for _, a := range f.rows {
		if filter.OrganizationID != "" && a.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		cp := a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeAssignments) Update(_ context.Context, a *types.PlanAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.rows[a.ID]
	if !ok || cur.Version != a.Version {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "plan assignment was modified concurrently", nil)
	}
	a.Version++
	f.rows[a.ID] = *a
	return nil
}

func (f *fakeAssignments) IncrementUsage(_ context.Context, id string, coverage types.CoverageType, hours decimal.Decimal) (*types.PlanAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.rows[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundAssignment, "plan assignment not found", nil)
	}
	if a.Status != types.AssignmentActive {
		return nil, types.NewAppError(types.ErrCodePermissionPlanBlocked, "plan assignment is not active", nil)
	}
	if coverage == types.CoverageDev {
		a.DevHoursUsed = a.DevHoursUsed.Add(hours)
	} else {
		a.SupportHoursUsed = a.SupportHoursUsed.Add(hours)
	}
	a.Version++
	f.rows[id] = a
	return &a, nil
}

func (f *fakeAssignments) ExistsActiveForPlan(_ context.Context, orgID, planID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.rows {
		if a.OrganizationID == orgID && a.PlanID == planID && a.Status == types.AssignmentActive {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAssignments) HasActiveRushPlan(ctx context.Context, orgID string) (bool, error) {
	f.mu.Lock()
	var planIDs []string
	for _, a := range f.rows {
		if a.OrganizationID == orgID && a.Status == types.AssignmentActive {
			planIDs = append(planIDs, a.PlanID)
		}
	}
	f.mu.Unlock()
	for _, id := range planIDs {
		p, err := f.plans.GetByID(ctx, id)
		if err == nil && p.RushSupportIncluded {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeAssignments) ListDue(_ context.Context, asOf time.Time, afterID string, limit int) ([]string, error) {
	return f.listIDs(afterID, limit, func(a types.PlanAssignment) bool {
		return (a.Status == types.AssignmentActive || a.Status == types.AssignmentGracePeriod) &&
			!a.NextBillingDate.After(asOf)
	}), nil
}

func (f *fakeAssignments) ListInGrace(_ context.Context, afterID string, limit int) ([]string, error) {
	return f.listIDs(afterID, limit, func(a types.PlanAssignment) bool {
		return a.Status == types.AssignmentGracePeriod
	}), nil
}

func (f *fakeAssignments) listIDs(afterID string, limit int, match func(types.PlanAssignment) bool) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, a := range f.rows {
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

// --- hour logs ---

type fakeHourLogs struct {
	mu   sync.Mutex
	logs []types.PlanHourLog
}

func (f *fakeHourLogs) Open(_ context.Context, l *types.PlanHourLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.logs {
		if existing.AssignmentID == l.AssignmentID && existing.IsCurrentPeriod {
			return types.NewAppError(types.ErrCodeConflictConcurrent, "a current hour log period is already open", nil)
		}
	}
	l.IsCurrentPeriod = true
	f.logs = append(f.logs, *l)
	return nil
}

func (f *fakeHourLogs) Current(_ context.Context, assignmentID string) (*types.PlanHourLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.logs {
		if l.AssignmentID == assignmentID && l.IsCurrentPeriod {
			cp := l
			return &cp, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundHourLog, "no current hour log period", nil)
}

func (f *fakeHourLogs) Close(_ context.Context, l *types.PlanHourLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.logs {
		if existing.ID == l.ID && existing.IsCurrentPeriod {
			l.IsCurrentPeriod = false
			f.logs[i] = *l
			return nil
		}
	}
	return types.NewAppError(types.ErrCodeConflictConcurrent, "hour log period is already closed", nil)
}

func (f *fakeHourLogs) ListByAssignment(_ context.Context, assignmentID string) ([]*types.PlanHourLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.PlanHourLog
	for _, l := range f.logs {
		if l.AssignmentID == assignmentID {
			cp := l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeHourLogs) ListClosedBetween(_ context.Context, from, to time.Time) ([]*types.PlanHourLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.PlanHourLog
	for _, l := range f.logs {
		if !l.IsCurrentPeriod && l.PeriodEnd != nil && !l.PeriodEnd.Before(from) && l.PeriodEnd.Before(to) {
			cp := l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeHourLogs) forAssignment(id string) []types.PlanHourLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.PlanHourLog
	for _, l := range f.logs {
		if l.AssignmentID == id {
			out = append(out, l)
		}
	}
	return out
}

// --- overages ---

type fakeOverages struct {
	mu   sync.Mutex
	rows map[string]types.OverageAcceptance
}

func newFakeOverages(rows ...types.OverageAcceptance) *fakeOverages {
	f := &fakeOverages{rows: map[string]types.OverageAcceptance{}}
	for _, o := range rows {
		f.rows[o.ID] = o
	}
	return f
}

func (f *fakeOverages) Create(_ context.Context, o *types.OverageAcceptance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[o.ID] = *o
	return nil
}

func (f *fakeOverages) GetByID(_ context.Context, id string) (*types.OverageAcceptance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.rows[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundOverage, "overage request not found", nil)
	}
	return &o, nil
}

func (f *fakeOverages) ListByAssignment(_ context.Context, assignmentID string) ([]*types.OverageAcceptance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.OverageAcceptance
	for _, o := range f.rows {
		if o.AssignmentID == assignmentID {
			cp := o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeOverages) guarded(o *types.OverageAcceptance, ok func(cur types.OverageAcceptance) bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, exists := f.rows[o.ID]
	if !exists || !ok(cur) {
		return types.NewAppError(types.ErrCodeConflictAlreadyDecided, "guard failed", nil)
	}
	f.rows[o.ID] = *o
	return nil
}

func (f *fakeOverages) Decide(_ context.Context, o *types.OverageAcceptance) error {
	return f.guarded(o, func(cur types.OverageAcceptance) bool { return cur.Accepted == nil })
}

func (f *fakeOverages) ApproveInvoice(_ context.Context, o *types.OverageAcceptance) error {
	return f.guarded(o, func(cur types.OverageAcceptance) bool { return cur.IsAccepted() && !cur.InvoiceApproved })
}

func (f *fakeOverages) AttachInvoice(_ context.Context, o *types.OverageAcceptance) error {
	return f.guarded(o, func(cur types.OverageAcceptance) bool { return cur.InvoiceApproved && cur.InvoiceID == nil })
}

func (f *fakeOverages) AcceptedHours(_ context.Context, assignmentID string, since time.Time) (AcceptedOverage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var acc AcceptedOverage
	for _, o := range f.rows {
		if o.AssignmentID != assignmentID || !o.IsAccepted() || o.InvoiceID != nil {
			continue
		}
		if o.DecidedAt == nil || o.DecidedAt.Before(since) {
			continue
		}
		switch o.OverageType {
		case types.OverageSupport:
			acc.Support = acc.Support.Add(o.EstimatedHours)
		case types.OverageDev:
			acc.Dev = acc.Dev.Add(o.EstimatedHours)
		case types.OverageBoth:
			acc.Both = acc.Both.Add(o.EstimatedHours)
		}
	}
	return acc, nil
}

// --- disputes ---

type fakeDisputes struct {
	mu   sync.Mutex
	rows map[string]types.BillingDispute
}

func newFakeDisputes() *fakeDisputes {
	return &fakeDisputes{rows: map[string]types.BillingDispute{}}
}

func (f *fakeDisputes) Create(_ context.Context, d *types.BillingDispute) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[d.ID] = *d
	return nil
}

func (f *fakeDisputes) GetByID(_ context.Context, id string) (*types.BillingDispute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.rows[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundDispute, "billing dispute not found", nil)
	}
	return &d, nil
}

func (f *fakeDisputes) List(_ context.Context, orgID string) ([]*types.BillingDispute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.BillingDispute
	for _, d := range f.rows {
		if orgID == "" || d.OrganizationID == orgID {
			cp := d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeDisputes) Transition(_ context.Context, d *types.BillingDispute, from types.DisputeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.rows[d.ID]
	if !ok || cur.Status != from {
		return types.NewAppError(types.ErrCodeConflictConcurrent, "billing dispute changed state", nil)
	}
	f.rows[d.ID] = *d
	return nil
}

// --- accounts, audit, events ---

type fakeAccounts struct {
	accounts map[string]types.BillingAccount
}

func (f *fakeAccounts) GetBillingAccount(_ context.Context, orgID string) (*types.BillingAccount, error) {
	a, ok := f.accounts[orgID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil)
	}
	return &a, nil
}

func (f *fakeAccounts) SetDefaultPaymentMethod(_ context.Context, customerID, paymentMethodID string) error {
	for k, a := range f.accounts {
		if a.StripeCustomerID == customerID {
			a.PaymentMethodID = paymentMethodID
			f.accounts[k] = a
		}
	}
	return nil
}

type fakeAudit struct {
	mu     sync.Mutex
	events []types.AuditEvent
}

func (f *fakeAudit) Log(_ context.Context, e types.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeAudit) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Action)
	}
	return out
}

type fakePublisher struct {
	mu     sync.Mutex
	events []types.DomainEvent
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, ev types.DomainEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakePublisher) eventTypes() []types.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.EventType, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

// fakeTx runs fn against the shared in-memory stores. There is no rollback;
// tests that need atomicity assert on the error path only.
type fakeTx struct {
	stores Stores
}

func (f *fakeTx) RunInTx(ctx context.Context, fn func(ctx context.Context, s Stores) error) error {
	return fn(ctx, f.stores)
}

// env bundles a complete in-memory store set.
type env struct {
	clock       *fixedClock
	plans       *fakePlans
	assignments *fakeAssignments
	logs        *fakeHourLogs
	overages    *fakeOverages
	disputes    *fakeDisputes
	accounts    *fakeAccounts
	audit       *fakeAudit
	events      *fakePublisher
	stores      Stores
	tx          *fakeTx
}

func newEnv(now time.Time, plans ...types.Plan) *env {
	e := &env{
		clock:    &fixedClock{t: now},
		plans:    newFakePlans(plans...),
		logs:     &fakeHourLogs{},
		overages: newFakeOverages(),
		disputes: newFakeDisputes(),
		accounts: &fakeAccounts{accounts: map[string]types.BillingAccount{}},
		audit:    &fakeAudit{},
		events:   &fakePublisher{},
	}
	e.assignments = newFakeAssignments(e.plans)
	e.stores = Stores{
		Plans:       e.plans,
		Assignments: e.assignments,
		HourLogs:    e.logs,
		Overages:    e.overages,
		Disputes:    e.disputes,
		Accounts:    e.accounts,
		Audit:       e.audit,
	}
	e.tx = &fakeTx{stores: e.stores}
	return e
}

func (e *env) assignmentService() *AssignmentService {
	return NewAssignmentService(AssignmentServiceDeps{
		Tx:     e.tx,
		Stores: e.stores,
		Events: e.events,
		Clock:  e.clock,
	})
}

var (
	staff  = types.Actor{ID: "staff-1", Type: types.ActorTypeUser, Role: types.RoleStaff}
	owner  = types.Actor{ID: "owner-1", Type: types.ActorTypeUser, OrganizationID: "org-1", Role: types.RoleOwner}
	member = types.Actor{ID: "member-1", Type: types.ActorTypeUser, OrganizationID: "org-1", Role: types.RoleMember}
	other  = types.Actor{ID: "owner-2", Type: types.ActorTypeUser, OrganizationID: "org-2", Role: types.RoleOwner}
)

func testPlan() types.Plan {
	return types.Plan{
		ID:                   "plan-1",
		Name:                 "Care Plan",
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

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func activeAssignment(id string) types.PlanAssignment {
	reset := date(2026, 1, 15)
	return types.PlanAssignment{
		ID:                 id,
		PlanID:             "plan-1",
		OrganizationID:     "org-1",
		StartDate:          date(2025, 12, 1),
		NextBillingDate:    date(2026, 2, 15),
		BillingCycleDay:    15,
		Status:             types.AssignmentActive,
		AutoRenew:          true,
		SupportHoursUsed:   decimal.Zero,
		DevHoursUsed:       decimal.Zero,
		LastHoursResetDate: &reset,
		Version:            1,
	}
}

func ptr[T any](v T) *T { return &v }
