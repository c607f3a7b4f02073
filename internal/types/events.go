package types

import "time"

// EventType names a domain event emitted for the notification system.
type EventType string

const (
	EventPlanRenewed            EventType = "plan.renewed"
	EventPlanGracePeriodEntered EventType = "plan.grace_period_entered"
	EventPlanCancelled          EventType = "plan.cancelled"
	EventPlanOverageRequested   EventType = "plan.overage_requested"
	EventPlanPaymentRecovered   EventType = "plan.payment_recovered"
	EventPlanExpired            EventType = "plan.expired"
)

// DomainEvent is the envelope published to the notification queue.
type DomainEvent struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	OrganizationID string         `json:"organization_id"`
	AssignmentID   string         `json:"assignment_id,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the system time in UTC.
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }
