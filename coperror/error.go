// Package coperror defines the client-facing error kinds returned by
// the leader subsystem, mirroring CopycatError.Type / CopycatException
// from the original implementation this module's spec was distilled
// from.
package coperror

import "fmt"

// Type enumerates client-visible error kinds, in order of specificity
// as described in spec.md §7.
type Type int

const (
	// UnknownSession means the session id referenced by a request is
	// not present in the state machine's session table.
	UnknownSession Type = iota
	// Configuration means a join/leave/reconfigure request was stale
	// or conflicted with the current configuration.
	Configuration
	// Query means a linearizable query's lease/quorum check failed.
	Query
	// Internal covers replication failure, unexpected apply failure,
	// or a step-down while a request was in flight.
	Internal

	// ApplicationErrorBase is the first value available to
	// application-defined error kinds surfaced verbatim from a state
	// machine's Apply failure. State machines should define their own
	// Type constants starting at ApplicationErrorBase.
	ApplicationErrorBase Type = 1000
)

func (t Type) String() string {
	switch t {
	case UnknownSession:
		return "UNKNOWN_SESSION_ERROR"
	case Configuration:
		return "CONFIGURATION_ERROR"
	case Query:
		return "QUERY_ERROR"
	case Internal:
		return "INTERNAL_ERROR"
	default:
		if t >= ApplicationErrorBase {
			return fmt.Sprintf("APPLICATION_ERROR(%d)", int(t))
		}
		return fmt.Sprintf("UNKNOWN_ERROR(%d)", int(t))
	}
}

// Error is the error type returned to clients by every RPC handler.
type Error struct {
	Type  Type
	Cause error
}

// New returns an Error of the given type with no wrapped cause.
func New(t Type) *Error {
	return &Error{Type: t}
}

// Wrap returns an Error of the given type wrapping cause.
func Wrap(t Type, cause error) *Error {
	return &Error{Type: t, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Type, e.Cause)
	}
	return e.Type.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// FromApply translates an error returned by a state machine's Apply
// call into a coperror.Error, per spec.md §7's propagation policy:
// a *coperror.Error application error kind is surfaced verbatim
// (unwrapped one layer if it arrives wrapped in a composition error,
// e.g. from a future/promise combinator), anything else becomes
// Internal.
func FromApply(err error) error {
	if err == nil {
		return nil
	}

	// Unwrap one layer of composition wrapper, mirroring the
	// CompletionException-vs-CopycatException branches in the
	// original's whenComplete callbacks.
	if ce, ok := err.(*compositionError); ok {
		err = ce.Unwrap()
	}

	if ae, ok := err.(*Error); ok {
		return ae
	}
	return Wrap(Internal, err)
}

// compositionError wraps an error the way a future/promise
// combinator would (Java's CompletionException). Kept unexported;
// callers that need to model "apply failed inside a composed future"
// use WrapComposition.
type compositionError struct {
	cause error
}

func (c *compositionError) Error() string { return c.cause.Error() }
func (c *compositionError) Unwrap() error { return c.cause }

// WrapComposition wraps err the way a composed future would, for use
// by state machines or the appender when propagating failures through
// chained continuations.
func WrapComposition(err error) error {
	if err == nil {
		return nil
	}
	return &compositionError{cause: err}
}
