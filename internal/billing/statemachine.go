package billing

import (
	"fmt"

	"github.com/Kre8ivTech/client-portal-sub003/internal/types"
)

// transitions is the complete assignment lifecycle. Any status change not
// listed here is rejected.
var transitions = map[types.AssignmentStatus][]types.AssignmentStatus{
	types.AssignmentPending: {
		types.AssignmentActive,
		types.AssignmentExpired,
	},
	types.AssignmentActive: {
		types.AssignmentPaused,
		types.AssignmentGracePeriod,
		types.AssignmentCancelled,
		types.AssignmentExpired,
	},
	types.AssignmentPaused: {
		types.AssignmentActive,
		types.AssignmentCancelled,
		types.AssignmentExpired,
	},
	types.AssignmentGracePeriod: {
		types.AssignmentActive,
		types.AssignmentCancelled,
		types.AssignmentExpired,
	},
}

// CanTransition reports whether from -> to is in the lifecycle table.
func CanTransition(from, to types.AssignmentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns conflict_invalid_transition when from -> to is
// not allowed.
func ValidateTransition(from, to types.AssignmentStatus) error {
	if !to.Valid() {
		return types.FieldError(types.ErrCodeValidationInvalidStatus, "status",
			fmt.Sprintf("unknown assignment status %q", to))
	}
	if CanTransition(from, to) {
		return nil
	}
	return types.NewAppErrorWithDetails(types.ErrCodeConflictTransition,
		fmt.Sprintf("cannot move assignment from %s to %s", from, to), nil,
		map[string]any{"from": from, "to": to})
}

// CanSubmitUnderPlan reports whether new chargeable work may be logged
// against an assignment. Only active assignments qualify; grace_period blocks
// usage until the renewal payment succeeds.
func CanSubmitUnderPlan(status types.AssignmentStatus) bool {
	return status == types.AssignmentActive
}
