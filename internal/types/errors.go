package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. All handlers MUST use these constants instead of
// hardcoded strings; the prefix determines the HTTP status.
const (
	// Validation (400)
	ErrCodeValidationMissingField   ErrorCode = "validation_missing_required_field"
	ErrCodeValidationMissingQuery   ErrorCode = "validation_missing_query_parameter"
	ErrCodeValidationInvalidJSON    ErrorCode = "validation_invalid_json"
	ErrCodeValidationInvalidPayload ErrorCode = "validation_invalid_delivery_payload"

	// Auth (401)
	ErrCodeAuthSignatureMissing ErrorCode = "auth_signature_missing"
	ErrCodeAuthSignatureInvalid ErrorCode = "auth_signature_invalid"

	// Not Found (404)
	ErrCodeNotFoundJob     ErrorCode = "not_found_job"
	ErrCodeNotFoundBatch   ErrorCode = "not_found_batch"
	ErrCodeNotFoundSession ErrorCode = "not_found_session"

	// Conflict (409)
	ErrCodeConflictTransition ErrorCode = "conflict_invalid_transition"

	// Upstream (502)
	ErrCodeUpstreamMailProvider ErrorCode = "upstream_mail_provider_unavailable"
	ErrCodeUpstreamQueue        ErrorCode = "upstream_queue_unavailable"
	ErrCodeUpstreamRecords      ErrorCode = "upstream_records_unavailable"
	ErrCodeUpstreamRateLimited  ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamUnavailable  ErrorCode = "upstream_unavailable"

	// Dependency outage (503)
	ErrCodeUnavailableJobStore ErrorCode = "unavailable_job_store"

	// Internal (500)
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"

	// Mail-specific
	ErrCodeEmailBlocked ErrorCode = "email_blocked"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case s == string(ErrCodeEmailBlocked):
		return http.StatusForbidden
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	case strings.HasPrefix(s, "unavailable_"):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type. All service and handler
// errors should be expressed as AppError to enable consistent formatting,
// HTTP status mapping, and error chain support.
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

// NewAppError creates a new AppError with the given code, message, and
// optional underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details
// that are safe to return to clients.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
