package billing

import (
	"context"
	"time"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// slaWindow is the first-response and resolution allowance of a priority.
type slaWindow struct {
	FirstResponse time.Duration
	Resolution    time.Duration
}

var slaWindows = map[types.TicketPriority]slaWindow{
	types.PriorityUrgent: {FirstResponse: 1 * time.Hour, Resolution: 4 * time.Hour},
	types.PriorityHigh:   {FirstResponse: 4 * time.Hour, Resolution: 24 * time.Hour},
	types.PriorityMedium: {FirstResponse: 8 * time.Hour, Resolution: 72 * time.Hour},
	types.PriorityLow:    {FirstResponse: 24 * time.Hour, Resolution: 120 * time.Hour},
}

// SLADeadlines are the due times of a ticket.
type SLADeadlines struct {
	Priority           types.TicketPriority `json:"priority"`
	PriorityClient     bool                 `json:"priority_client"`
	FirstResponseDueAt time.Time            `json:"first_response_due_at"`
	ResolutionDueAt    time.Time            `json:"resolution_due_at"`
}

// Deadlines computes SLA due times from the ticket's creation. Priority
// clients get half of each window, rounded up to the minute.
func Deadlines(priority types.TicketPriority, createdAt time.Time, priorityClient bool) (SLADeadlines, error) {
	w, ok := slaWindows[priority]
	if !ok {
		return SLADeadlines{}, types.FieldError(types.ErrCodeValidationInvalidPriority, "priority",
			"priority must be urgent, high, medium or low")
	}
	if priorityClient {
		w.FirstResponse = halveCeilMinute(w.FirstResponse)
		w.Resolution = halveCeilMinute(w.Resolution)
	}
	return SLADeadlines{
		Priority:           priority,
		PriorityClient:     priorityClient,
		FirstResponseDueAt: createdAt.Add(w.FirstResponse),
		ResolutionDueAt:    createdAt.Add(w.Resolution),
	}, nil
}

func halveCeilMinute(d time.Duration) time.Duration {
	half := d / 2
	if rem := half % time.Minute; rem != 0 {
		half += time.Minute - rem
	}
	return half
}

// SLAService resolves priority-client status for an organization.
type SLAService struct {
	assignments AssignmentStore
}

func NewSLAService(assignments AssignmentStore) *SLAService {
	return &SLAService{assignments: assignments}
}

// Compute returns the deadlines for a ticket of orgID. An organization is a
// priority client while it holds an active plan with rush support.
func (s *SLAService) Compute(ctx context.Context, actor types.Actor, orgID string, priority types.TicketPriority, createdAt time.Time) (SLADeadlines, error) {
	if orgID == "" {
		orgID = actor.OrganizationID
	}
	if orgID == "" {
		return SLADeadlines{}, types.FieldError(types.ErrCodeValidationMissingField, "organization_id", "organization_id is required")
	}
	if err := requireOrgAccess(actor, orgID, types.ErrCodeNotFoundOrg); err != nil {
		return SLADeadlines{}, err
	}
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	rush, err := s.assignments.HasActiveRushPlan(ctx, orgID)
	if err != nil {
		return SLADeadlines{}, err
	}
	return Deadlines(priority, createdAt, rush)
}
