package types

// AssignmentStatus is the lifecycle state of a PlanAssignment.
type AssignmentStatus string

const (
	AssignmentPending     AssignmentStatus = "pending"
	AssignmentActive      AssignmentStatus = "active"
	AssignmentPaused      AssignmentStatus = "paused"
	AssignmentGracePeriod AssignmentStatus = "grace_period"
	AssignmentCancelled   AssignmentStatus = "cancelled"
	AssignmentExpired     AssignmentStatus = "expired"
)

// AllAssignmentStatuses lists every valid status in lifecycle order.
var AllAssignmentStatuses = []AssignmentStatus{
	AssignmentPending,
	AssignmentActive,
	AssignmentPaused,
	AssignmentGracePeriod,
	AssignmentCancelled,
	AssignmentExpired,
}

// Valid reports whether s is one of the known statuses.
func (s AssignmentStatus) Valid() bool {
	for _, v := range AllAssignmentStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s AssignmentStatus) IsTerminal() bool {
	return s == AssignmentCancelled || s == AssignmentExpired
}

// BillingInterval is the renewal unit of a Plan.
type BillingInterval string

const (
	IntervalMonthly BillingInterval = "monthly"
	IntervalYearly  BillingInterval = "yearly"
	IntervalOneTime BillingInterval = "one_time"
)

func (i BillingInterval) Valid() bool {
	switch i {
	case IntervalMonthly, IntervalYearly, IntervalOneTime:
		return true
	}
	return false
}

// CoverageType selects which usage counter a time entry draws from.
type CoverageType string

const (
	CoverageSupport CoverageType = "support"
	CoverageDev     CoverageType = "dev"
)

func (c CoverageType) Valid() bool {
	return c == CoverageSupport || c == CoverageDev
}

// OverageType is the coverage an overage request applies to.
type OverageType string

const (
	OverageSupport OverageType = "support"
	OverageDev     OverageType = "dev"
	OverageBoth    OverageType = "both"
)

func (o OverageType) Valid() bool {
	switch o {
	case OverageSupport, OverageDev, OverageBoth:
		return true
	}
	return false
}

// DisputeStatus is the lifecycle state of a BillingDispute.
type DisputeStatus string

const (
	DisputePending     DisputeStatus = "pending"
	DisputeUnderReview DisputeStatus = "under_review"
	DisputeResolved    DisputeStatus = "resolved"
	DisputeRejected    DisputeStatus = "rejected"
)

func (d DisputeStatus) IsTerminal() bool {
	return d == DisputeResolved || d == DisputeRejected
}

// DisputeReferenceType names what a dispute contests.
type DisputeReferenceType string

const (
	DisputeRefInvoice    DisputeReferenceType = "invoice"
	DisputeRefAssignment DisputeReferenceType = "assignment"
	DisputeRefTicket     DisputeReferenceType = "ticket"
	DisputeRefTimeEntry  DisputeReferenceType = "time_entry"
)

func (r DisputeReferenceType) Valid() bool {
	switch r {
	case DisputeRefInvoice, DisputeRefAssignment, DisputeRefTicket, DisputeRefTimeEntry:
		return true
	}
	return false
}

// TicketPriority drives SLA deadline computation.
type TicketPriority string

const (
	PriorityUrgent TicketPriority = "urgent"
	PriorityHigh   TicketPriority = "high"
	PriorityMedium TicketPriority = "medium"
	PriorityLow    TicketPriority = "low"
)

// UserRole defines authorization levels. Staff roles belong to the service
// provider; owner and member belong to a client organization.
type UserRole string

const (
	RoleAdmin  UserRole = "admin"
	RoleStaff  UserRole = "staff"
	RoleOwner  UserRole = "owner"
	RoleMember UserRole = "member"
)

var roleRank = map[UserRole]int{
	RoleMember: 1,
	RoleOwner:  2,
	RoleStaff:  3,
	RoleAdmin:  4,
}

// RoleHasAtLeast reports whether have is ranked at or above want.
func RoleHasAtLeast(have, want UserRole) bool {
	h, ok := roleRank[have]
	if !ok {
		return false
	}
	return h >= roleRank[want]
}

// Valid reports whether r is a known role.
func (r UserRole) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// IsStaff reports whether the role belongs to the service provider.
func (r UserRole) IsStaff() bool {
	return r == RoleAdmin || r == RoleStaff
}

// CancelledBySystem is recorded in cancelled_by when the processor cancels.
const CancelledBySystem = "system"
