package types

import (
	"encoding/json"
	"time"
)

// AuditEvent records an action taken on a resource for auditing purposes.
type AuditEvent struct {
	ID           string          `json:"id"`
	Actor        Actor           `json:"actor"`
	Action       string          `json:"action"`
	ResourceID   string          `json:"resource_id"`
	ResourceType string          `json:"resource_type"`
	OldValue     json.RawMessage `json:"old_value,omitempty"`
	NewValue     json.RawMessage `json:"new_value,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Resource types recorded on audit events.
const (
	ResourcePlan       = "plan"
	ResourceAssignment = "plan_assignment"
	ResourceOverage    = "overage_acceptance"
	ResourceDispute    = "billing_dispute"
)

// Standard audit action strings.
const (
	AuditActionPlanCreated  = "plan.created"
	AuditActionPlanUpdated  = "plan.updated"
	AuditActionPlanArchived = "plan.archived"

	AuditActionAssignmentCreated         = "assignment.created"
	AuditActionAssignmentUpdated         = "assignment.updated"
	AuditActionAssignmentStatusChanged   = "assignment.status_changed"
	AuditActionAssignmentCancelRequested = "assignment.cancellation_requested"
	AuditActionAssignmentUsageRecorded   = "assignment.usage_recorded"
	AuditActionAssignmentRenewed         = "assignment.renewed"
	AuditActionAssignmentAgreementSent   = "assignment.agreement_sent"

	AuditActionOverageRequested       = "overage.requested"
	AuditActionOverageDecided         = "overage.decided"
	AuditActionOverageInvoiceApproved = "overage.invoice_approved"
	AuditActionOverageInvoiced        = "overage.invoiced"

	AuditActionDisputeOpened   = "dispute.opened"
	AuditActionDisputeReviewed = "dispute.under_review"
	AuditActionDisputeResolved = "dispute.resolved"
	AuditActionDisputeRejected = "dispute.rejected"

	AuditActionAccessDenied = "access.denied"
)

// AuditQueryFilters defines parameters for querying audit log entries.
type AuditQueryFilters struct {
	ResourceType string
	ResourceID   string
	Limit        int
}
