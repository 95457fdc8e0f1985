// Package errors defines the error taxonomy shared by backends and stores.
//
// Every failure surfaced by a backend or a store carries one [ErrorCode].
// ErrorCode implements error so callers match kinds with the standard library:
//
//	if errors.Is(err, storeerr.ErrConflict) { ... }
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode identifies the kind of a storage failure.
type ErrorCode string

const (
	// ErrNotFound is returned when a path or a record does not exist
	ErrNotFound ErrorCode = "NOT_FOUND"
	// ErrAlreadyExists is returned when creating something that is already present
	ErrAlreadyExists ErrorCode = "ALREADY_EXISTS"
	// ErrConflict is returned when a version token no longer matches the persisted state
	ErrConflict ErrorCode = "CONFLICT"
	// ErrUnauthorized is returned when the backend rejects the credentials
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"

	// ErrInvalidEncoding is returned when a collection is not valid JSON
	ErrInvalidEncoding ErrorCode = "INVALID_ENCODING"
	// ErrInvalidShape is returned when a collection is not a JSON array of unique records
	ErrInvalidShape ErrorCode = "INVALID_SHAPE"
	// ErrMissingID is returned when a record lacks a non-empty string id
	ErrMissingID ErrorCode = "MISSING_ID"

	// ErrBackend is returned for transport failures and unexpected backend responses
	ErrBackend ErrorCode = "BACKEND_ERROR"
	// ErrDecode is returned when the backend's response envelope cannot be parsed
	ErrDecode ErrorCode = "DECODE_ERROR"
)

// Error implements the error interface so a code can be used as a sentinel.
func (c ErrorCode) Error() string {
	return strings.ToLower(strings.ReplaceAll(string(c), "_", " "))
}

// StoreError is a concrete error with a code, the failed operation and path,
// and optional details.
type StoreError struct {
	code       ErrorCode
	op         string
	path       string
	message    string
	details    map[string]any
	wrappedErr error
}

// New creates a new StoreError.
func New(code ErrorCode, op, path, message string) *StoreError {
	return &StoreError{
		code:    code,
		op:      op,
		path:    path,
		message: message,
	}
}

// Newf creates a new StoreError with a formatted message.
func Newf(code ErrorCode, op, path, format string, args ...any) *StoreError {
	return New(code, op, path, fmt.Sprintf(format, args...))
}

// WithDetail adds a single detail to the error.
func (e *StoreError) WithDetail(key string, value any) *StoreError {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap wraps an underlying error.
func (e *StoreError) Wrap(err error) *StoreError {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	var b strings.Builder
	b.WriteString(e.op)
	if e.path != "" {
		b.WriteString(" ")
		b.WriteString(e.path)
	}
	b.WriteString(": ")
	if e.message != "" {
		b.WriteString(e.message)
	} else {
		b.WriteString(e.code.Error())
	}
	if e.wrappedErr != nil {
		b.WriteString(": ")
		b.WriteString(e.wrappedErr.Error())
	}
	return b.String()
}

// Code returns the error code.
func (e *StoreError) Code() ErrorCode {
	return e.code
}

// Op returns the operation that failed.
func (e *StoreError) Op() string {
	return e.op
}

// Path returns the backend path involved, if any.
func (e *StoreError) Path() string {
	return e.path
}

// Details returns additional error details.
func (e *StoreError) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *StoreError) Unwrap() error {
	return e.wrappedErr
}

// Is reports whether target is this error's code.
func (e *StoreError) Is(target error) bool {
	if c, ok := target.(ErrorCode); ok {
		return e.code == c
	}
	return false
}

// CodeOf returns the code of the outermost StoreError in err's chain, or ""
// if there is none.
func CodeOf(err error) ErrorCode {
	var se *StoreError
	if stderrors.As(err, &se) {
		return se.code
	}
	var c ErrorCode
	if stderrors.As(err, &c) {
		return c
	}
	return ""
}

// Temporary reports whether err is a transport-class failure that can be
// retried without re-reading state.
func Temporary(err error) bool {
	return CodeOf(err) == ErrBackend
}

// Predefined error constructors for common cases

// NotFound creates a NOT_FOUND error.
func NotFound(op, path string) *StoreError {
	return New(ErrNotFound, op, path, "not found")
}

// AlreadyExists creates an ALREADY_EXISTS error.
func AlreadyExists(op, path string) *StoreError {
	return New(ErrAlreadyExists, op, path, "already exists")
}

// Conflict creates a CONFLICT error.
func Conflict(op, path string) *StoreError {
	return New(ErrConflict, op, path, "version token is stale")
}

// Unauthorized creates an UNAUTHORIZED error.
func Unauthorized(op, path string) *StoreError {
	return New(ErrUnauthorized, op, path, "credentials rejected")
}

// Backend creates a BACKEND_ERROR wrapping err.
func Backend(op, path string, err error) *StoreError {
	return New(ErrBackend, op, path, "backend failure").Wrap(err)
}

// Decode creates a DECODE_ERROR wrapping err.
func Decode(op, path string, err error) *StoreError {
	return New(ErrDecode, op, path, "malformed backend response").Wrap(err)
}
