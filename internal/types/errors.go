package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants. Handlers and services MUST use these instead of
// hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidValue ErrorCode = "validation_invalid_value"
	ErrCodeValidationInvalidTier  ErrorCode = "validation_invalid_tier"
	ErrCodeValidationInvalidDelta ErrorCode = "validation_invalid_delta"
	ErrCodeValidationInvalidJSON  ErrorCode = "validation_invalid_json"

	// Auth (401)
	ErrCodeAuthTokenMissing ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"
	ErrCodeAuthSignature    ErrorCode = "auth_signature_invalid"

	// Forbidden (403)
	ErrCodeForbiddenFeature   ErrorCode = "forbidden_feature_unavailable"
	ErrCodeForbiddenIPBlocked ErrorCode = "forbidden_ip_blocked"

	// Limits (403)
	ErrCodeLimitProducts ErrorCode = "limit_products_exceeded"
	ErrCodeLimitUsers    ErrorCode = "limit_users_exceeded"
	ErrCodeLimitBranches ErrorCode = "limit_branches_exceeded"

	// Not Found (404)
	ErrCodeUnknownAccount       ErrorCode = "not_found_account"
	ErrCodeNotFoundSnapshot     ErrorCode = "not_found_snapshot"
	ErrCodeNotFoundWebhookEvent ErrorCode = "not_found_webhook_event"

	// Conflict (409)
	ErrCodeDuplicateSnapshot ErrorCode = "conflict_duplicate_snapshot"
	ErrCodeInvalidTransition ErrorCode = "conflict_invalid_transition"
	ErrCodeStaleVersion      ErrorCode = "conflict_stale_version"

	// Internal (500)
	ErrCodeInternalDB          ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected  ErrorCode = "internal_unexpected_error"
	ErrCodeInvalidTierConfig   ErrorCode = "internal_invalid_tier"
	ErrCodeInternalCompression ErrorCode = "internal_compression_error"

	// Upstream (502/503)
	ErrCodeProcessorUnavailable ErrorCode = "upstream_processor_unavailable"
	ErrCodeProcessorRejected    ErrorCode = "upstream_processor_rejected"
	ErrCodeUpstreamRateLimited  ErrorCode = "upstream_rate_limited"
)

// ErrCodeInvalidTierTransition is the name used by callers that treat an
// unknown catalog entry as a fatal configuration error.
const ErrCodeInvalidTierTransition = ErrCodeInvalidTierConfig

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized
	case strings.HasPrefix(s, "forbidden_"), strings.HasPrefix(s, "limit_"):
		return http.StatusForbidden
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict
	case s == string(ErrCodeProcessorUnavailable), s == string(ErrCodeUpstreamRateLimited):
		return http.StatusServiceUnavailable
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AppError is the standard application error type used throughout the engine.
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

// NewAppErrorWithDetails creates a new AppError with structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// HasCode reports whether err is, or wraps, an *AppError carrying code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
