package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// auditEntry describes one mutation. Old and New are marshaled to JSON and
// omitted when nil.
type auditEntry struct {
	Actor        types.Actor
	Action       string
	ResourceType string
	ResourceID   string
	Old          any
	New          any
}

// writeAudit records the entry through the transaction's AuditLogger so the
// audit row commits with the mutation it describes.
func writeAudit(ctx context.Context, s Stores, now time.Time, e auditEntry) error {
	if s.Audit == nil {
		return nil
	}
	oldJSON, err := marshalAuditValue(e.Old)
	if err != nil {
		return err
	}
	newJSON, err := marshalAuditValue(e.New)
	if err != nil {
		return err
	}
	return s.Audit.Log(ctx, types.AuditEvent{
		ID:           uuid.NewString(),
		Actor:        e.Actor,
		Action:       e.Action,
		ResourceID:   e.ResourceID,
		ResourceType: e.ResourceType,
		OldValue:     oldJSON,
		NewValue:     newJSON,
		Timestamp:    now,
	})
}

func marshalAuditValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal audit value: %w", err)
	}
	return b, nil
}

// publishEvent emits a domain event. Failures are logged and swallowed;
// notifications never roll back a billing change.
func publishEvent(ctx context.Context, pub EventPublisher, logger *slog.Logger, ev types.DomainEvent) {
	if pub == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if err := pub.Publish(ctx, ev); err != nil {
		logger.WarnContext(ctx, "failed to publish domain event",
			"event_type", ev.Type,
			"assignment_id", ev.AssignmentID,
			"error", err,
		)
	}
}

// AuditAssignmentChange records a change made outside the assignment service,
// such as a renewal by the cycle processor.
func AuditAssignmentChange(ctx context.Context, s Stores, now time.Time, actor types.Actor, action string, before, after *types.PlanAssignment) error {
	return writeAudit(ctx, s, now, auditEntry{
		Actor:        actor,
		Action:       action,
		ResourceType: types.ResourceAssignment,
		ResourceID:   after.ID,
		Old:          before,
		New:          after,
	})
}

// PublishEvents emits events in order with the same best-effort policy the
// services use.
func PublishEvents(ctx context.Context, pub EventPublisher, logger *slog.Logger, events []types.DomainEvent) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, ev := range events {
		publishEvent(ctx, pub, logger, ev)
	}
}
