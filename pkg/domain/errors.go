package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Common domain errors
var (
	ErrMissingToken        = errors.New("missing bearer token")
	ErrMalformedToken      = errors.New("malformed token")
	ErrUnknownSigningKey   = errors.New("unknown signing key")
	ErrSignatureInvalid    = errors.New("token signature invalid")
	ErrTokenExpired        = errors.New("token expired")
	ErrIssuerMismatch      = errors.New("token issuer mismatch")
	ErrKeyFetchUnavailable = errors.New("signing keys unavailable")
	ErrForbidden           = errors.New("authorization denied")
	ErrMissingBusinessUnit = errors.New("missing business unit")
	ErrMissingCountryCode  = errors.New("missing country code")
	ErrInvalidBusinessUnit = errors.New("invalid business unit")
	ErrInvalidCountryCode  = errors.New("invalid country code")
	ErrInvalidPath         = errors.New("non-canonical request path")
	ErrRateLimited         = errors.New("rate limit exceeded")
	ErrRouteNotFound       = errors.New("route not found")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamFault       = errors.New("upstream fault")
	ErrConfigInvalid       = errors.New("invalid configuration")
)

// ErrorKind groups gateway errors by the party responsible for them.
type ErrorKind string

// Error kinds. Client-caused kinds never count toward circuit-breaker accounting.
const (
	KindAuth                ErrorKind = "auth"
	KindForbidden           ErrorKind = "forbidden"
	KindTenant              ErrorKind = "tenant"
	KindRateLimit           ErrorKind = "rate_limit"
	KindRouting             ErrorKind = "routing"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindUpstreamTimeout     ErrorKind = "upstream_timeout"
	KindUpstreamFault       ErrorKind = "upstream_fault"
	KindInternal            ErrorKind = "internal"
)

// Machine-readable error codes carried in ErrorResponse.Code.
const (
	CodeMissingToken        = "MISSING_TOKEN"
	CodeMalformedToken      = "MALFORMED_TOKEN"
	CodeUnknownSigningKey   = "UNKNOWN_SIGNING_KEY"
	CodeSignatureInvalid    = "SIGNATURE_INVALID"
	CodeTokenExpired        = "TOKEN_EXPIRED"
	CodeIssuerMismatch      = "ISSUER_MISMATCH"
	CodeKeyFetchUnavailable = "KEY_FETCH_UNAVAILABLE"
	CodeForbidden           = "FORBIDDEN"
	CodeMissingBusinessUnit = "MISSING_BUSINESS_UNIT"
	CodeMissingCountryCode  = "MISSING_COUNTRY_CODE"
	CodeInvalidBusinessUnit = "INVALID_BUSINESS_UNIT"
	CodeInvalidCountryCode  = "INVALID_COUNTRY_CODE"
	CodeInvalidPath         = "INVALID_PATH"
	CodeRateLimited         = "RATE_LIMITED"
	CodeRouteNotFound       = "ROUTE_NOT_FOUND"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamTimeout     = "UPSTREAM_TIMEOUT"
	CodeUpstreamFault       = "UPSTREAM_FAULT"
	CodeInternal            = "INTERNAL"
)

// GatewayError wraps errors with the status and code used for the terminal response.
type GatewayError struct {
	Kind    ErrorKind
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Message != "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Code
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// ClientError reports whether the error was caused by the caller rather than the environment.
func (e *GatewayError) ClientError() bool {
	return e.Status >= 400 && e.Status < 500
}

// AuthError builds a 401 error for the given authentication failure.
func AuthError(code string, err error) *GatewayError {
	return &GatewayError{
		Kind:    KindAuth,
		Code:    code,
		Status:  http.StatusUnauthorized,
		Message: "authentication failed",
		Err:     err,
	}
}

// ForbiddenError builds a 403 error for a failed role predicate.
func ForbiddenError(message string) *GatewayError {
	return &GatewayError{
		Kind:    KindForbidden,
		Code:    CodeForbidden,
		Status:  http.StatusForbidden,
		Message: message,
		Err:     ErrForbidden,
	}
}

// TenantError builds a 400 error for a missing or malformed tenant header.
func TenantError(code string, err error) *GatewayError {
	return &GatewayError{
		Kind:    KindTenant,
		Code:    code,
		Status:  http.StatusBadRequest,
		Message: "tenant context required",
		Err:     err,
	}
}

// RateLimitError builds a 429 error.
func RateLimitError() *GatewayError {
	return &GatewayError{
		Kind:    KindRateLimit,
		Code:    CodeRateLimited,
		Status:  http.StatusTooManyRequests,
		Message: "rate limit exceeded",
		Err:     ErrRateLimited,
	}
}

// RoutingError builds a 404 error for an unroutable path.
func RoutingError(path string) *GatewayError {
	return &GatewayError{
		Kind:    KindRouting,
		Code:    CodeRouteNotFound,
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("no upstream registered for %q", path),
		Err:     ErrRouteNotFound,
	}
}

// InvalidPathError builds a 400 error for a path that is not in canonical form.
func InvalidPathError(path string) *GatewayError {
	return &GatewayError{
		Kind:    KindRouting,
		Code:    CodeInvalidPath,
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf("request path %q is not canonical", path),
		Err:     ErrInvalidPath,
	}
}

// UpstreamUnavailableError builds a 503 error for an open circuit.
func UpstreamUnavailableError(upstream string) *GatewayError {
	return &GatewayError{
		Kind:    KindUpstreamUnavailable,
		Code:    CodeUpstreamUnavailable,
		Status:  http.StatusServiceUnavailable,
		Message: fmt.Sprintf("upstream %s is unavailable", upstream),
		Err:     ErrUpstreamUnavailable,
	}
}

// UpstreamTimeoutError builds a 504 error for an upstream call that exceeded its deadline.
func UpstreamTimeoutError(upstream string, err error) *GatewayError {
	return &GatewayError{
		Kind:    KindUpstreamTimeout,
		Code:    CodeUpstreamTimeout,
		Status:  http.StatusGatewayTimeout,
		Message: fmt.Sprintf("upstream %s timed out", upstream),
		Err:     errors.Join(ErrUpstreamTimeout, err),
	}
}

// UpstreamFaultError builds a 502 error for an upstream call that failed without a response.
func UpstreamFaultError(upstream string, err error) *GatewayError {
	return &GatewayError{
		Kind:    KindUpstreamFault,
		Code:    CodeUpstreamFault,
		Status:  http.StatusBadGateway,
		Message: fmt.Sprintf("upstream %s failed", upstream),
		Err:     errors.Join(ErrUpstreamFault, err),
	}
}

// InternalError builds a 500 error.
func InternalError(err error) *GatewayError {
	return &GatewayError{
		Kind:    KindInternal,
		Code:    CodeInternal,
		Status:  http.StatusInternalServerError,
		Message: "internal gateway error",
		Err:     err,
	}
}

// AsGatewayError returns err as a *GatewayError, wrapping unknown errors as internal.
func AsGatewayError(err error) *GatewayError {
	if err == nil {
		return nil
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	return InternalError(err)
}

// ErrorResponse defines the standard JSON error model returned by the gateway.
// It intentionally avoids exposing sensitive details while providing a stable machine-readable code.
type ErrorResponse struct {
	Code          string `json:"code"`                     // Machine-readable error code (e.g., TOKEN_EXPIRED)
	Message       string `json:"message"`                  // Human-readable message (safe for logs)
	CorrelationID string `json:"correlation_id,omitempty"` // Request correlation ID
}
