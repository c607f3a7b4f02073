package types

import (
	"context"
)

// ActorType identifies the kind of authenticated entity making a request.
type ActorType string

const (
	ActorTypeUser   ActorType = "user"
	ActorTypeAPIKey ActorType = "api_key"
	ActorTypeSystem ActorType = "system"
)

// Actor represents the authenticated entity performing an operation.
// OrganizationID is empty for provider staff.
type Actor struct {
	ID             string    `json:"id"`
	Type           ActorType `json:"type"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Role           UserRole  `json:"role"`
}

// IsStaff reports whether the actor acts for the service provider.
func (a Actor) IsStaff() bool {
	return a.Type == ActorTypeSystem || a.Role.IsStaff()
}

// CanAccessOrg reports whether the actor may see resources of orgID.
func (a Actor) CanAccessOrg(orgID string) bool {
	return a.IsStaff() || (a.OrganizationID != "" && a.OrganizationID == orgID)
}

// SystemActor is the actor recorded for processor-driven changes.
var SystemActor = Actor{ID: CancelledBySystem, Type: ActorTypeSystem, Role: RoleAdmin}

type contextKey string

const (
	actorKey     contextKey = "actor"
	requestIDKey contextKey = "request_id"
)

// WithActor stores the Actor in the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetActor retrieves the Actor from the context.
func GetActor(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
