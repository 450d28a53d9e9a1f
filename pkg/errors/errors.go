package errors

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"
)

// ErrorCode classifies gateway errors.
type ErrorCode string

const (
	CodeValidation        ErrorCode = "VALIDATION_ERROR"
	CodeAuthentication    ErrorCode = "AUTHENTICATION_ERROR"
	CodeForbidden         ErrorCode = "FORBIDDEN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeConflict          ErrorCode = "CONFLICT"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeProvider          ErrorCode = "PROVIDER_ERROR"
	CodeProviderMissing   ErrorCode = "PROVIDER_NOT_CONFIGURED"
	CodeProviderHTTP      ErrorCode = "PROVIDER_HTTP_ERROR"
	CodeProviderRateLimit ErrorCode = "PROVIDER_RATE_LIMIT"
	CodeProviderAuth      ErrorCode = "PROVIDER_AUTHENTICATION"
	CodeProviderSSE       ErrorCode = "PROVIDER_SSE_ERROR"
	CodeStreamRead        ErrorCode = "STREAM_READ_ERROR"
	CodeNotImplemented    ErrorCode = "NOT_IMPLEMENTED"
	CodeInternal          ErrorCode = "INTERNAL_ERROR"
)

// FieldError describes a single invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is the gateway's typed error. Every error carries the HTTP status it
// should surface as; provider-originated errors additionally carry the
// provider name so handlers and logs can attribute the failure.
type Error struct {
	Code     ErrorCode
	Message  string
	Status   int
	Provider string
	Details  []FieldError
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidation creates a 400 validation error.
func NewValidation(message string, details ...FieldError) *Error {
	return &Error{Code: CodeValidation, Message: message, Status: http.StatusBadRequest, Details: details}
}

// NewAuthentication creates a 401 error.
func NewAuthentication(message string) *Error {
	return &Error{Code: CodeAuthentication, Message: message, Status: http.StatusUnauthorized}
}

// NewForbidden creates a 403 error.
func NewForbidden(message string) *Error {
	return &Error{Code: CodeForbidden, Message: message, Status: http.StatusForbidden}
}

// NewNotFound creates a 404 error.
func NewNotFound(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message, Status: http.StatusNotFound}
}

// NewConflict creates a 409 error.
func NewConflict(message string) *Error {
	return &Error{Code: CodeConflict, Message: message, Status: http.StatusConflict}
}

// NewRateLimit creates a 429 error.
func NewRateLimit(message string) *Error {
	return &Error{Code: CodeRateLimit, Message: message, Status: http.StatusTooManyRequests}
}

// NewCircuitOpen creates a 503 error for a rejected call on an open breaker.
func NewCircuitOpen(name string) *Error {
	return &Error{
		Code:    CodeCircuitOpen,
		Message: fmt.Sprintf("circuit breaker %q is open", name),
		Status:  http.StatusServiceUnavailable,
	}
}

// NewTimeout creates a 504 error.
func NewTimeout(message string) *Error {
	return &Error{Code: CodeTimeout, Message: message, Status: http.StatusGatewayTimeout}
}

// NewProvider creates a generic 502 upstream error.
func NewProvider(provider, message string) *Error {
	return &Error{Code: CodeProvider, Message: message, Status: http.StatusBadGateway, Provider: provider}
}

// NewProviderNotConfigured creates a 404 for a provider that is unknown or
// has no API key configured.
func NewProviderNotConfigured(name string) *Error {
	return &Error{
		Code:     CodeProviderMissing,
		Message:  fmt.Sprintf("provider %q is not configured", name),
		Status:   http.StatusNotFound,
		Provider: name,
	}
}

// NewProviderHTTP creates an error that passes through the upstream HTTP status.
func NewProviderHTTP(provider string, status int, message string) *Error {
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	return &Error{Code: CodeProviderHTTP, Message: message, Status: status, Provider: provider}
}

// NewProviderRateLimit creates a 429 for an upstream rate-limit response.
func NewProviderRateLimit(provider, message string) *Error {
	return &Error{Code: CodeProviderRateLimit, Message: message, Status: http.StatusTooManyRequests, Provider: provider}
}

// NewProviderAuth creates a 401 for an upstream authentication failure.
func NewProviderAuth(provider, message string) *Error {
	return &Error{Code: CodeProviderAuth, Message: message, Status: http.StatusUnauthorized, Provider: provider}
}

// NewProviderSSE creates an error for a typed error event received inside an
// upstream SSE stream. It is surfaced as an SSE error frame, never as an HTTP
// status change mid-stream.
func NewProviderSSE(provider, message string) *Error {
	return &Error{Code: CodeProviderSSE, Message: message, Status: http.StatusBadGateway, Provider: provider}
}

// NewStreamRead creates a 500 for a broken upstream stream after headers were sent.
func NewStreamRead(provider string, cause error) *Error {
	return &Error{
		Code:     CodeStreamRead,
		Message:  "error reading upstream stream",
		Status:   http.StatusInternalServerError,
		Provider: provider,
		Err:      cause,
	}
}

// NewNotImplemented creates a 501 for a feature that is disabled or absent.
func NewNotImplemented(message string) *Error {
	return &Error{Code: CodeNotImplemented, Message: message, Status: http.StatusNotImplemented}
}

// NewInternal creates a 500 error.
func NewInternal(message string, cause error) *Error {
	return &Error{Code: CodeInternal, Message: message, Status: http.StatusInternalServerError, Err: cause}
}

// Upstream error-body patterns, matched case-insensitively.
var (
	authPattern     = regexp.MustCompile(`(?i)authentication|api key|invalid_request_error.*api_key`)
	ratePattern     = regexp.MustCompile(`(?i)rate limit|quota exceeded`)
	notFoundPattern = regexp.MustCompile(`(?i)model not found|deployment does not exist`)
)

// FromUpstream maps a raw upstream HTTP failure to a typed error.
// The body text is matched first; when no pattern matches, the upstream
// status is preserved, defaulting to a 502 ProviderError.
func FromUpstream(provider string, status int, body string) *Error {
	switch {
	case authPattern.MatchString(body):
		return NewProviderAuth(provider, firstLine(body))
	case ratePattern.MatchString(body):
		return NewProviderRateLimit(provider, firstLine(body))
	case notFoundPattern.MatchString(body):
		e := NewNotFound(firstLine(body))
		e.Provider = provider
		return e
	case status >= 400 && status <= 599:
		return NewProviderHTTP(provider, status, firstLine(body))
	default:
		return NewProvider(provider, firstLine(body))
	}
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	if len(s) > 512 {
		return s[:512]
	}
	return s
}

// As extracts a typed *Error from any error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusOf returns the HTTP status for an error, 500 for untyped errors.
func StatusOf(err error) int {
	if e, ok := As(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}

// IsCircuitOpen reports whether err is a breaker rejection.
func IsCircuitOpen(err error) bool {
	e, ok := As(err)
	return ok && e.Code == CodeCircuitOpen
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	e, ok := As(err)
	return ok && e.Code == CodeNotFound
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	e, ok := As(err)
	return ok && e.Code == CodeValidation
}

// Payload builds the JSON error envelope written to clients:
// {error:{code,message,status,details?,timestamp,path}}.
func Payload(err error, path string) map[string]any {
	code := CodeInternal
	message := "internal server error"
	status := http.StatusInternalServerError
	var details []FieldError

	if e, ok := As(err); ok {
		code = e.Code
		message = e.Message
		status = e.Status
		details = e.Details
	}

	inner := map[string]any{
		"code":      code,
		"message":   message,
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"path":      path,
	}
	if len(details) > 0 {
		inner["details"] = details
	}
	return map[string]any{"error": inner}
}
