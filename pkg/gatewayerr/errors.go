// Package gatewayerr defines the unified error taxonomy for gateway operations.
// Every failure surfaced to a caller, from credential resolution through
// upstream relay and ledger settlement, is mapped to one of these kinds.
package gatewayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the gateway's standardized error. It carries everything needed
// for the client response, structured logging, and retry decisions.
type Error struct {
	StatusCode int    `json:"status_code"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Model      string `json:"model,omitempty"`
	Provider   string `json:"provider,omitempty"`
	Retryable  bool   `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Model != "" {
		return fmt.Sprintf("[%s] %s (model=%s, code=%d)", e.Kind, e.Message, e.Model, e.StatusCode)
	}
	return fmt.Sprintf("[%s] %s (code=%d)", e.Kind, e.Message, e.StatusCode)
}

// HTTPStatusCode returns the status code for the client response.
func (e *Error) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Wire kind constants. These appear verbatim in the response body's
// error.type field.
const (
	KindAuthentication     = "authentication_error"
	KindAuthorization      = "authorization_error"
	KindRateLimit          = "rate_limit_exceeded"
	KindRouting            = "model_not_found"
	KindUpstream           = "upstream_error"
	KindInsufficientCredit = "insufficient_credit"
	KindConflict           = "conflict_error"
	KindInvalidRequest     = "invalid_request_error"
	KindNotFound           = "not_found_error"
	KindInternal           = "internal_error"
)

// NewAuthentication reports an invalid or expired credential (401).
func NewAuthentication(message string) *Error {
	return &Error{
		StatusCode: http.StatusUnauthorized,
		Kind:       KindAuthentication,
		Message:    message,
	}
}

// NewAuthorization reports a valid identity lacking capability (403).
func NewAuthorization(message string) *Error {
	return &Error{
		StatusCode: http.StatusForbidden,
		Kind:       KindAuthorization,
		Message:    message,
	}
}

// NewRateLimit reports admission-control rejection (429). The gateway
// never retries these; the caller must back off.
func NewRateLimit(model, message string) *Error {
	return &Error{
		StatusCode: http.StatusTooManyRequests,
		Kind:       KindRateLimit,
		Message:    message,
		Model:      model,
		Retryable:  true,
	}
}

// NewRouting reports an unknown or inactive model alias (404). Raised
// before any upstream I/O.
func NewRouting(model string) *Error {
	return &Error{
		StatusCode: http.StatusNotFound,
		Kind:       KindRouting,
		Message:    fmt.Sprintf("model %q is not available", model),
		Model:      model,
	}
}

// NewUpstream reports an upstream failure: connect error, timeout,
// non-2xx, or a mid-stream break. statusCode should be 502 for
// connection/protocol failures and 504 for timeouts.
func NewUpstream(statusCode int, provider, model, message string) *Error {
	retryable := statusCode == http.StatusBadGateway ||
		statusCode == http.StatusGatewayTimeout ||
		statusCode == http.StatusServiceUnavailable
	return &Error{
		StatusCode: statusCode,
		Kind:       KindUpstream,
		Message:    message,
		Model:      model,
		Provider:   provider,
		Retryable:  retryable,
	}
}

// NewInsufficientCredit reports a debit that would drive the balance
// negative (402).
func NewInsufficientCredit(message string) *Error {
	return &Error{
		StatusCode: http.StatusPaymentRequired,
		Kind:       KindInsufficientCredit,
		Message:    message,
	}
}

// NewConflict reports a uniqueness collision, e.g. a duplicate alias (409).
func NewConflict(message string) *Error {
	return &Error{
		StatusCode: http.StatusConflict,
		Kind:       KindConflict,
		Message:    message,
	}
}

// NewInvalidRequest reports a malformed or semantically invalid request
// body. statusCode is 400 for malformed input and 422 for well-formed
// input with invalid values.
func NewInvalidRequest(statusCode int, message string) *Error {
	if statusCode == 0 {
		statusCode = http.StatusBadRequest
	}
	return &Error{
		StatusCode: statusCode,
		Kind:       KindInvalidRequest,
		Message:    message,
	}
}

// NewNotFound reports a missing resource (404). Also used in place of 403
// when revealing existence would leak information.
func NewNotFound(message string) *Error {
	return &Error{
		StatusCode: http.StatusNotFound,
		Kind:       KindNotFound,
		Message:    message,
	}
}

// NewInternal reports an unexpected gateway-side failure (500).
func NewInternal(message string) *Error {
	return &Error{
		StatusCode: http.StatusInternalServerError,
		Kind:       KindInternal,
		Message:    message,
	}
}

// From normalizes any error into a *Error. Non-gateway errors become
// opaque internal errors so upstream details never leak to callers.
func From(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return NewInternal("internal error")
}

// IsKind reports whether err is a gateway error of the given kind.
func IsKind(err error, kind string) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}

// IsRetryable reports whether a single transparent retry is permissible
// for err. Only pre-output upstream failures qualify; the proxy engine
// additionally requires that no byte has reached the caller.
func IsRetryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return false
}
