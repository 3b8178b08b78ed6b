package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the category of a gateway failure. Callers inspect it to decide
// whether retrying makes sense.
type ErrorKind string

const (
	// KindInvalidRequest indicates the caller sent an unusable request.
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindConfigNotFound indicates an explicit config id was given but does not exist.
	KindConfigNotFound ErrorKind = "config_not_found"

	// KindNoConfigAvailable indicates no default exists at any fallback level.
	KindNoConfigAvailable ErrorKind = "no_config_available"

	// KindDecryption indicates the stored ciphertext could not be opened.
	KindDecryption ErrorKind = "decryption_error"

	// KindUpstreamUnreachable indicates a network-level failure reaching the backend.
	KindUpstreamUnreachable ErrorKind = "upstream_unreachable"

	// KindUpstreamHTTP indicates the backend answered with a non-2xx status.
	KindUpstreamHTTP ErrorKind = "upstream_http_error"

	// KindMalformedUpstreamResponse indicates a body no shape matcher recognized.
	KindMalformedUpstreamResponse ErrorKind = "malformed_upstream_response"

	// KindEmptyStream indicates the upstream closed without usable content.
	KindEmptyStream ErrorKind = "empty_stream"

	// KindTimeout indicates the invocation deadline passed.
	KindTimeout ErrorKind = "timeout"

	// KindCancelled indicates the caller went away.
	KindCancelled ErrorKind = "cancelled"

	// KindInternal indicates a gateway-side dependency such as the config store failed.
	KindInternal ErrorKind = "internal_error"
)

// statusClientClosedRequest is the de-facto status for a caller that disconnected.
const statusClientClosedRequest = 499

// Error is the only error type that crosses the gateway boundary.
// Message never contains credential material.
type Error struct {
	Kind           ErrorKind `json:"kind"`
	Message        string    `json:"message"`
	UpstreamStatus int       `json:"upstream_status,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.UpstreamStatus != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.UpstreamStatus, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatusCode returns the status the HTTP surface answers with.
func (e *Error) HTTPStatusCode() int {
	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindConfigNotFound:
		return http.StatusNotFound
	case KindNoConfigAvailable:
		return http.StatusServiceUnavailable
	case KindUpstreamUnreachable, KindUpstreamHTTP, KindMalformedUpstreamResponse, KindEmptyStream:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller could reasonably retry the same request.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindUpstreamUnreachable, KindTimeout, KindEmptyStream:
		return true
	case KindUpstreamHTTP:
		return e.UpstreamStatus == http.StatusTooManyRequests || e.UpstreamStatus >= 500
	}
	return false
}

// WithUpstreamStatus records the status code the backend answered with.
func (e *Error) WithUpstreamStatus(status int) *Error {
	e.UpstreamStatus = status
	return e
}

// NewError creates a new gateway error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *Error {
	return NewError(KindInvalidRequest, message)
}

// ErrConfigNotFound creates the error for an explicit id that does not exist.
func ErrConfigNotFound(id string) *Error {
	return NewError(KindConfigNotFound, fmt.Sprintf("model configuration %q not found", id))
}

// ErrNoConfigAvailable creates the error for an exhausted fallback chain.
func ErrNoConfigAvailable(capability Capability) *Error {
	return NewError(KindNoConfigAvailable, fmt.Sprintf("no model configuration available for capability %q", capability))
}

// ErrDecryption creates a decryption error. The cause is deliberately not included.
func ErrDecryption(message string) *Error {
	return NewError(KindDecryption, message)
}

// ErrUpstreamUnreachable creates a network-level upstream error.
func ErrUpstreamUnreachable(message string) *Error {
	return NewError(KindUpstreamUnreachable, message)
}

// ErrUpstreamHTTP creates an upstream status error.
func ErrUpstreamHTTP(status int, message string) *Error {
	return NewError(KindUpstreamHTTP, message).WithUpstreamStatus(status)
}

// ErrMalformedUpstreamResponse creates an unrecognized-shape error.
func ErrMalformedUpstreamResponse(message string) *Error {
	return NewError(KindMalformedUpstreamResponse, message)
}

// ErrEmptyStream creates the error for a stream without usable content.
func ErrEmptyStream() *Error {
	return NewError(KindEmptyStream, "upstream stream closed without any content")
}

// ErrTimeout creates a deadline error.
func ErrTimeout(message string) *Error {
	return NewError(KindTimeout, message)
}

// ErrCancelled creates a cancellation error.
func ErrCancelled(message string) *Error {
	return NewError(KindCancelled, message)
}

// ErrInternal creates an internal error. The message must not carry driver details.
func ErrInternal(message string) *Error {
	return NewError(KindInternal, message)
}

// AsError extracts a *Error from err, if there is one in its chain.
func AsError(err error) (*Error, bool) {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr, true
	}
	return nil, false
}

// KindOf returns the kind of err, or the empty kind when err is not a gateway error.
func KindOf(err error) ErrorKind {
	if gwErr, ok := AsError(err); ok {
		return gwErr.Kind
	}
	return ""
}
