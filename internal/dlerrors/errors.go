// Package dlerrors defines the standardized error taxonomy surfaced across
// every Dreamlake store: PathResolver, FileLock, Codec, ParamStore,
// LogStore, FileStore, TrackEngine, and Session.
package dlerrors

import (
	"errors"
	"fmt"
)

// Code identifies the kind of failure independent of which component or
// operation produced it.
type Code string

const (
	CodeInvalidPrefix      Code = "INVALID_PREFIX"
	CodeMissingCredentials Code = "MISSING_CREDENTIALS"
	CodeNotOpen            Code = "NOT_OPEN"
	CodeInvalidLevel       Code = "INVALID_LEVEL"
	CodeInvalidTimestamp   Code = "INVALID_TIMESTAMP"
	CodeLockTimeout        Code = "LOCK_TIMEOUT"
	CodeStorageIO          Code = "STORAGE_IO"
	CodeSerialization      Code = "SERIALIZATION_ERROR"
	CodeRemoteTransport    Code = "REMOTE_TRANSPORT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeWriteProtected     Code = "WRITE_PROTECTED"
	CodeSystemFailure      Code = "SYSTEM_FAILURE"
)

// Error is the standardized error type returned by every Dreamlake package.
type Error struct {
	Code      Code
	Component string
	Operation string
	Message   string
	Cause     error
	Metadata  map[string]any
}

// New creates an Error with no cause.
func New(code Code, component, operation, message string) *Error {
	return &Error{Code: code, Component: component, Operation: operation, Message: message}
}

// Wrap creates an Error that chains cause via Unwrap.
func Wrap(code Code, component, operation, message string, cause error) *Error {
	return &Error{Code: code, Component: component, Operation: operation, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
}

// Unwrap allows errors.Is/errors.As to traverse into Cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithMetadata attaches a key/value pair of diagnostic context and returns
// the same Error for chaining.
func (e *Error) WithMetadata(key string, value any) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
