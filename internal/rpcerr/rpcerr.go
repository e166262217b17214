// Package rpcerr defines the structured errors returned by capability
// handlers and translated by the gateway into JSON-RPC error objects.
package rpcerr

import (
	"errors"
	"fmt"
)

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Platform error codes. Kept in the implementation-defined server range,
// distinct from the standard codes above.
const (
	CodeRateLimited     = -32000
	CodeAuthRequired    = -32001
	CodeNotFound        = -32002
	CodeForbidden       = -32003
	CodeQuotaExceeded   = -32004
	CodeBuildFailed     = -32005
	CodeValidationError = -32006
)

// Error is an operation-level error carrying a JSON-RPC code.
type Error struct {
	Code    int
	Message string
	Data    any
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// New creates an Error with the given code and formatted message.
func New(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData returns a copy of e carrying data.
func (e *Error) WithData(data any) *Error {
	cp := *e
	cp.Data = data
	return &cp
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(CodeForbidden, format, args...)
}

func Validation(format string, args ...any) *Error {
	return New(CodeValidationError, format, args...)
}

func InvalidParams(format string, args ...any) *Error {
	return New(CodeInvalidParams, format, args...)
}

func BuildFailed(format string, args ...any) *Error {
	return New(CodeBuildFailed, format, args...)
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a JSON-RPC error code to the HTTP status used on the wire.
func HTTPStatus(code int) int {
	switch {
	case code == CodeRateLimited:
		return 429
	case code == CodeAuthRequired:
		return 401
	case code == CodeInternalError:
		return 500
	case code < 0:
		return 400
	default:
		return 500
	}
}
