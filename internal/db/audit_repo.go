package db

import (
	"context"
	"fmt"
	"time"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// AuditRepository provides data access for the append-only audit_log table.
type AuditRepository struct {
	db DBTX
}

func NewAuditRepository(db DBTX) *AuditRepository {
	return &AuditRepository{db: db}
}

// Log inserts an audit entry. An empty ID lets the database generate one and
// a zero Timestamp defaults to NOW().
func (r *AuditRepository) Log(ctx context.Context, e types.AuditEvent) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO audit_log (id, organization_id, actor_id, actor_type, actor_role, action,
		   resource_type, resource_id, old_value, new_value, created_at)
		 VALUES (COALESCE($1, gen_random_uuid()::text), $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, NOW()))`,
		nilIfEmpty(e.ID),
		nilIfEmpty(e.Actor.OrganizationID),
		e.Actor.ID,
		string(e.Actor.Type),
		string(e.Actor.Role),
		e.Action,
		e.ResourceType,
		e.ResourceID,
		[]byte(e.OldValue),
		[]byte(e.NewValue),
		nilIfZeroTime(e.Timestamp),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to write audit log entry", err)
	}
	return nil
}

// List returns entries for one resource, newest first.
func (r *AuditRepository) List(ctx context.Context, f types.AuditQueryFilters) ([]types.AuditEvent, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, COALESCE(organization_id, ''), actor_id, actor_type, COALESCE(actor_role, ''),
		        action, resource_type, resource_id, old_value, new_value, created_at
		 FROM audit_log
		 WHERE resource_type = $1 AND resource_id = $2
		 ORDER BY created_at DESC
		 LIMIT $3`,
		f.ResourceType,
		f.ResourceID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query audit log", err)
	}
	defer rows.Close()

	var out []types.AuditEvent
	for rows.Next() {
		var e types.AuditEvent
		var actorType, actorRole string
		var oldValue, newValue []byte
		var createdAt time.Time
		if err := rows.Scan(&e.ID, &e.Actor.OrganizationID, &e.Actor.ID, &actorType, &actorRole,
			&e.Action, &e.ResourceType, &e.ResourceID, &oldValue, &newValue, &createdAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, fmt.Sprintf("failed to scan audit row %d", len(out)), err)
		}
		e.Actor.Type = types.ActorType(actorType)
		e.Actor.Role = types.UserRole(actorRole)
		e.OldValue = oldValue
		e.NewValue = newValue
		e.Timestamp = createdAt
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating audit rows", err)
	}
	return out, nil
}
