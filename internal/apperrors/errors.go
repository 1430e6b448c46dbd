// Package apperrors defines the closed set of error kinds the script
// execution core can return, so that the correlator and the Script
// Execution Service can classify a failure without string-sniffing.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds from the propagation policy.
type Kind string

const (
	KindNotFound             Kind = "NOT_FOUND"
	KindBadState             Kind = "BAD_STATE"
	KindBusy                 Kind = "BUSY"
	KindStartupTimeout       Kind = "STARTUP_TIMEOUT"
	KindScriptLoadError      Kind = "SCRIPT_LOAD_ERROR"
	KindScriptExecutionError Kind = "SCRIPT_EXECUTION_ERROR"
	KindTerminationFailed    Kind = "TERMINATION_FAILED"
	KindGatewayTimeout       Kind = "GATEWAY_TIMEOUT"
)

// Error is a classified service error. It wraps an underlying cause so
// callers can still use errors.Is/errors.As against it.
type Error struct {
	Kind       Kind
	Message    string
	Stacktrace string // only populated for KindScriptExecutionError
	cause      error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match on Kind for sentinel-style comparisons, e.g.
// errors.Is(err, apperrors.New(apperrors.KindNotFound, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds a classified error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a classified error around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithStacktrace attaches a captured stacktrace to a
// KindScriptExecutionError, matching spec.md's "carries the captured
// stacktrace" requirement.
func WithStacktrace(kind Kind, message, stacktrace string) *Error {
	return &Error{Kind: kind, Message: message, Stacktrace: stacktrace}
}

// KindOf extracts the Kind from err, or "" if err is not a classified
// *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is classified with the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
