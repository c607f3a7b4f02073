package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants.
// Handlers and services MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField     ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidJSON      ErrorCode = "validation_invalid_json"
	ErrCodeValidationFailed           ErrorCode = "validation_failed"
	ErrCodeValidationInvalidStatus    ErrorCode = "validation_invalid_status"
	ErrCodeValidationInvalidHours     ErrorCode = "validation_invalid_hours"
	ErrCodeValidationInvalidCoverage  ErrorCode = "validation_invalid_coverage_type"
	ErrCodeValidationInvalidAmount    ErrorCode = "validation_invalid_amount"
	ErrCodeValidationInvalidCycleDay  ErrorCode = "validation_invalid_billing_cycle_day"
	ErrCodeValidationInvalidInterval  ErrorCode = "validation_invalid_billing_interval"
	ErrCodeValidationInvalidCurrency  ErrorCode = "validation_invalid_currency"
	ErrCodeValidationInvalidPriority  ErrorCode = "validation_invalid_priority"
	ErrCodeValidationInvalidReference ErrorCode = "validation_invalid_reference"
	ErrCodeValidationImmutableField   ErrorCode = "validation_immutable_field"

	// Auth (401)
	ErrCodeAuthTokenMissing ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"
	ErrCodeAuthTokenExpired ErrorCode = "auth_token_expired"
	ErrCodeAuthTokenRevoked ErrorCode = "auth_token_revoked"

	// Permission (403)
	ErrCodePermissionOrgMismatch ErrorCode = "permission_organization_mismatch"
	ErrCodePermissionRole        ErrorCode = "permission_role_insufficient"
	ErrCodePermissionPlanBlocked ErrorCode = "permission_plan_not_usable"

	// Not Found (404)
	ErrCodeNotFoundPlan       ErrorCode = "not_found_plan"
	ErrCodeNotFoundAssignment ErrorCode = "not_found_assignment"
	ErrCodeNotFoundHourLog    ErrorCode = "not_found_hour_log"
	ErrCodeNotFoundOverage    ErrorCode = "not_found_overage"
	ErrCodeNotFoundDispute    ErrorCode = "not_found_dispute"
	ErrCodeNotFoundAPIKey     ErrorCode = "not_found_api_key"
	ErrCodeNotFoundOrg        ErrorCode = "not_found_organization"

	// Conflict (409)
	ErrCodeConflictTransition         ErrorCode = "conflict_invalid_transition"
	ErrCodeConflictConcurrent         ErrorCode = "conflict_concurrent_modification"
	ErrCodeConflictAlreadyDecided     ErrorCode = "conflict_already_decided"
	ErrCodeConflictOverageNotAccepted ErrorCode = "conflict_overage_not_accepted"
	ErrCodeConflictNoCancelRequest    ErrorCode = "conflict_no_cancellation_request"
	ErrCodeConflictActiveAssignment   ErrorCode = "conflict_active_assignment_exists"
	ErrCodeConflictPlanArchived       ErrorCode = "conflict_plan_archived"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeUpstreamStripe      ErrorCode = "upstream_stripe_unavailable"
	ErrCodeUpstreamESign       ErrorCode = "upstream_esign_unavailable"
	ErrCodeUpstreamNotify      ErrorCode = "upstream_notification_unavailable"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited ErrorCode = "upstream_rate_limited"

	// Payment-specific
	ErrCodePaymentDeclined ErrorCode = "payment_declined"
	// The payment provider refused the request itself (unknown customer,
	// detached payment method). Retrying the same request cannot succeed.
	ErrCodePaymentRejected ErrorCode = "payment_rejected"

	// Throttling (429)
	ErrCodeRateLimited ErrorCode = "rate_limit_exceeded"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "permission_"):
		return http.StatusForbidden // 403
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case s == string(ErrCodePaymentDeclined), s == string(ErrCodePaymentRejected):
		return http.StatusPaymentRequired // 402
	case s == string(ErrCodeRateLimited):
		return http.StatusTooManyRequests // 429
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// FieldError builds a validation error pointing at a single request field.
func FieldError(code ErrorCode, field, message string) *AppError {
	return NewAppErrorWithDetails(code, message, nil, map[string]any{"field": field})
}

// IsCode reports whether the first AppError in err's chain carries code.
func IsCode(err error, code ErrorCode) bool {
	var ae *AppError
	return errors.As(err, &ae) && ae.Code == code
}
