package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// Handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingServerURI ErrorCode = "validation_missing_server_uri"
	ErrCodeValidationInvalidServerURI ErrorCode = "validation_invalid_server_uri"
	ErrCodeValidationMissingField     ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidField     ErrorCode = "validation_invalid_field"
	ErrCodeValidationInvalidForm      ErrorCode = "validation_invalid_form"

	// Login flow (400). A forged, expired or replayed callback lands here.
	ErrCodeFlowStateMissing         ErrorCode = "flow_state_missing"
	ErrCodeFlowStateMismatch        ErrorCode = "flow_state_mismatch"
	ErrCodeFlowCodeMissing          ErrorCode = "flow_code_missing"
	ErrCodeFlowPendingServerMissing ErrorCode = "flow_pending_server_missing"
	ErrCodeFlowUnknownServer        ErrorCode = "flow_unknown_server"

	// Auth (401)
	ErrCodeAuthSessionMissing ErrorCode = "auth_session_missing"

	// Not Found (404)
	ErrCodeNotFoundServer   ErrorCode = "not_found_server"
	ErrCodeNotFoundIdentity ErrorCode = "not_found_identity"
	ErrCodeNotFoundSession  ErrorCode = "not_found_session"
	ErrCodeNotFoundRoute    ErrorCode = "not_found_route"

	// Conflict (409)
	ErrCodeConflictDuplicateServer   ErrorCode = "conflict_duplicate_server"
	ErrCodeConflictDuplicateIdentity ErrorCode = "conflict_duplicate_identity"

	// Limits (429)
	ErrCodeRateLimit ErrorCode = "rate_limit_exceeded"

	// Upstream (502)
	ErrCodeUpstreamUnreachable         ErrorCode = "upstream_unreachable"
	ErrCodeUpstreamRejected            ErrorCode = "upstream_rejected"
	ErrCodeUpstreamTokenExchangeFailed ErrorCode = "upstream_token_exchange_failed"
	ErrCodeUpstreamProfileFetchFailed  ErrorCode = "upstream_profile_fetch_failed"
	ErrCodeUpstreamMalformedResponse   ErrorCode = "upstream_malformed_response"

	// Internal (500)
	ErrCodeInternalDB           ErrorCode = "internal_database_error"
	ErrCodeInternalSessionStore ErrorCode = "internal_session_store_error"
	ErrCodeInternalUnexpected   ErrorCode = "internal_unexpected_error"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"), strings.HasPrefix(s, "flow_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case strings.HasPrefix(s, "rate_limit_"):
		return http.StatusTooManyRequests // 429
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type.
// Domain and handler errors are expressed as AppError to get consistent
// error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
	// Response carries the (truncated) body a remote server returned with a
	// non-success status. Rendered to clients for operator diagnostics.
	Response string         `json:"response,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
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
		Code:     e.Code,
		Message:  e.Message,
		Err:      e.Err,
		Response: e.Response,
		Details:  merged,
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

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// NewUpstreamError creates an AppError for a remote server that answered with
// a non-success status. body is the response body to surface to the caller.
func NewUpstreamError(code ErrorCode, message, body string, err error) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		Err:      err,
		Response: body,
	}
}

// CodeOf returns the ErrorCode of the first AppError in err's chain, or an
// empty code when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsCode reports whether err's chain contains an AppError with the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
