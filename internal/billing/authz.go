package billing

import (
	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// requireStaff rejects actors outside the service provider.
func requireStaff(actor types.Actor) error {
	if actor.IsStaff() {
		return nil
	}
	return types.NewAppErrorWithDetails(types.ErrCodePermissionRole,
		"this action requires a staff role", nil,
		map[string]any{"role": actor.Role})
}

// requireOrgAccess hides resources of other tenants behind notFound so their
// existence is not revealed.
func requireOrgAccess(actor types.Actor, orgID string, notFound types.ErrorCode) error {
	if actor.CanAccessOrg(orgID) {
		return nil
	}
	return types.NewAppError(notFound, "resource not found", nil)
}

// requireOrgRole admits staff, or members of orgID holding at least role.
func requireOrgRole(actor types.Actor, orgID string, role types.UserRole, notFound types.ErrorCode) error {
	if err := requireOrgAccess(actor, orgID, notFound); err != nil {
		return err
	}
	if actor.IsStaff() || types.RoleHasAtLeast(actor.Role, role) {
		return nil
	}
	return types.NewAppErrorWithDetails(types.ErrCodePermissionRole,
		"this action requires the "+string(role)+" role", nil,
		map[string]any{"role": actor.Role, "required": role})
}
