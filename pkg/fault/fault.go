// Package fault holds the error taxonomy shared by every layer of the client.
// Callers match with errors.Is against the sentinels and use errors.As to reach
// the typed errors for details.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrTransport     = errors.New("gnode: transport failure")
	ErrAuth          = errors.New("gnode: authentication failed")
	ErrBadRequest    = errors.New("gnode: bad request")
	ErrUnauthorized  = errors.New("gnode: unauthorized")
	ErrForbidden     = errors.New("gnode: forbidden")
	ErrNotFound      = errors.New("gnode: not found")
	ErrNotSupported  = errors.New("gnode: not supported")
	ErrSyncConflict  = errors.New("gnode: sync conflict")
	ErrServer        = errors.New("gnode: server error")
	ErrValidation    = errors.New("gnode: validation failed")
	ErrDependency    = errors.New("gnode: dependency not persisted")
	ErrCorrupt       = errors.New("gnode: corrupted cache entry")
	ErrNotModified   = errors.New("gnode: not modified")
	ErrCacheMiss     = errors.New("gnode: cache miss")
	ErrSessionClosed = errors.New("gnode: session closed")
)

// StatusError is a non-2xx answer of the service. Message and Details are the
// server supplied {message, details} pair when the body carried one.
type StatusError struct {
	Code    int
	Method  string
	URL     string
	Message string
	Details string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Code, http.StatusText(e.Code))
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	return ForStatus(e.Code)
}

// ForStatus maps an HTTP status code to its sentinel.
func ForStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusMethodNotAllowed:
		return ErrNotSupported
	case http.StatusPreconditionFailed:
		return ErrSyncConflict
	case http.StatusNotModified:
		return ErrNotModified
	}
	return ErrServer
}

// ValidationError reports a field that failed its domain check.
type ValidationError struct {
	Kind   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("gnode: invalid %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("gnode: invalid %s.%s: %s", e.Kind, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid builds a *ValidationError.
func Invalid(kind, field, format string, args ...any) error {
	return &ValidationError{Kind: kind, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// DependencyError names the reference that has no location yet.
type DependencyError struct {
	Kind  string
	Field string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("gnode: %s.%s references an object that is not persisted", e.Kind, e.Field)
}

func (e *DependencyError) Unwrap() error { return ErrDependency }

// TransportError wraps a connection level failure.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gnode: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() []error { return []error{ErrTransport, e.Err} }

// IsOffline reports whether err means the service could not be reached.
func IsOffline(err error) bool {
	return errors.Is(err, ErrTransport)
}
