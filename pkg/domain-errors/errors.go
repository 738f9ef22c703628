// Package domainerrors defines the gateway's error taxonomy. Pipeline stages
// (auth, discovery, proxying) translate infrastructure failures into coded
// errors; the HTTP layer maps codes onto status lines without leaking internal
// detail to callers.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of failure. The string value doubles as the wire
// error code in JSON responses.
type Code string

const (
	CodeBadRequest   Code = "bad_request"
	CodeUnauthorized Code = "unauthorized"
	CodeForbidden    Code = "forbidden"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	CodeRateLimited  Code = "rate_limit_exceeded"
	CodeBadGateway   Code = "bad_gateway"
	CodeUnavailable  Code = "service_unavailable"
	CodeTimeout      Code = "gateway_timeout"
	CodeInternal     Code = "internal_error"
)

// Error carries a taxonomy code, a caller-safe message, and an optional
// wrapped cause kept for server-side logging only.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is makes errors.Is treat two coded errors with the same code and message as
// equal, so tests can assert against freshly constructed instances.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// New creates a coded error with a caller-safe message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted caller-safe message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a coded error. The cause is never serialized to
// callers; it surfaces only through Error() for logs.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Is reports whether err (or anything it wraps) carries the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal for uncoded
// errors so unexpected failures never map to a 2xx/4xx status.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// ToHTTPStatus maps a taxonomy code onto the HTTP status the gateway answers
// with. Gateway-origin upstream failures use the 502/503/504 range so callers
// can tell "the gateway failed" from "the service said no".
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeBadGateway:
		return http.StatusBadGateway
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
