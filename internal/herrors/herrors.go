// Package herrors defines the closed set of error codes the kernel itself
// can produce, and a small CodedError type that carries one of those codes
// (or an opaque application-supplied code) alongside a message and optional
// details.
package herrors

// file: internal/herrors/herrors.go

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Code is one of the kernel's closed-set error codes. Application code may
// also travel in a CodedError with an opaque string of its own; the kernel
// never validates application codes, only its own.
type Code string

// The closed set of codes the kernel itself ever produces.
const (
	CodeProtocolInvalidMessage Code = "PROTOCOL_INVALID_MESSAGE"
	CodeProtocolVersionMismatch Code = "PROTOCOL_VERSION_MISMATCH"
	CodeProtocolViolation      Code = "PROTOCOL_VIOLATION"
	CodeMethodNotFound         Code = "METHOD_NOT_FOUND"
	CodeMethodError            Code = "METHOD_ERROR"
	CodeRequestInvalid         Code = "REQUEST_INVALID"
	CodeRequestTimeout         Code = "REQUEST_TIMEOUT"
	CodeRequestCancelled       Code = "REQUEST_CANCELLED"
	CodeQueueRetryExceeded     Code = "QUEUE_RETRY_EXCEEDED"
	CodeQueueDrainTimeout      Code = "QUEUE_DRAIN_TIMEOUT"
	CodeValidationError        Code = "VALIDATION_ERROR"
	CodeInternalError          Code = "INTERNAL_ERROR"
	CodeProxyForbidden         Code = "PROXY_FORBIDDEN"
	CodeProxyTimeout           Code = "PROXY_TIMEOUT"
	CodeProxyError             Code = "PROXY_ERROR"
)

// CodedError is the error shape that crosses from a kernel component into a
// response's error field, or into a request's rejection. It deliberately
// mirrors the wire shape of a response's error object: {code, message,
// details}.
type CodedError struct {
	Code    string
	Message string
	Details any
	Cause   error
}

// New constructs a CodedError with no cause.
func New(code Code, message string) *CodedError {
	return &CodedError{Code: string(code), Message: message}
}

// Newf constructs a CodedError with a formatted message.
func Newf(code Code, format string, args ...any) *CodedError {
	return &CodedError{Code: string(code), Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs a CodedError that preserves cause for errors.Is/As chains
// via cockroachdb/errors.WithStack.
func Wrap(code Code, message string, cause error) *CodedError {
	return &CodedError{Code: string(code), Message: message, Cause: errors.WithStack(cause)}
}

// WithDetails attaches a details payload and returns the same error for chaining.
func (e *CodedError) WithDetails(details any) *CodedError {
	e.Details = details
	return e
}

// Error implements the standard error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap enables errors.Is/errors.As to reach the underlying cause.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// AsCoded recovers a *CodedError from an arbitrary error value, the way
// handler dispatch recovers a typed error from whatever a registered
// method handler returned or panicked with. If err does not carry a
// CodedError, ok is false and callers should fall back to wrapping it as
// METHOD_ERROR or INTERNAL_ERROR.
func AsCoded(err error) (*CodedError, bool) {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded, true
	}
	return nil, false
}
