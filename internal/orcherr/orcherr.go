// Package orcherr defines the orchestrator's error taxonomy: six kinds with
// distinct propagation policies, matched via errors.Is/errors.As rather than
// string inspection.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind is a coarse error category driving propagation policy.
type Kind string

const (
	// KindClient: malformed request, missing thread, forbidden access, run
	// already active. Surfaced to the HTTP caller; does not affect other runs.
	KindClient Kind = "client_error"

	// KindParse: malformed LLM output (e.g. persistently invalid tool-call
	// JSON). Recovered locally; the iteration continues.
	KindParse Kind = "parse_error"

	// KindTool: a tool handler raised or returned failure. Surfaced as a
	// failed ToolResult; not fatal to the run.
	KindTool Kind = "tool_error"

	// KindProvider: LLM call failed (network, quota, auth). Retried with
	// bounded exponential backoff; after exhaustion the run fails.
	KindProvider Kind = "provider_error"

	// KindInternal: bug or invariant violation. Marks the run failed; logged;
	// never retried.
	KindInternal Kind = "internal_error"

	// KindCancelled: STOP signal or timeout. Not an error per se; terminates
	// the run with status stopped.
	KindCancelled Kind = "cancelled"
)

// Error is the orchestrator's error type. Wrap with fmt.Errorf("...: %w", err)
// freely; errors.As still recovers the Kind and original cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, orcherr.Cancelled("")) style sentinel checks by
// Kind: a target with an empty Message matches any error of its Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

func new_(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Client(format string, args ...any) *Error  { return new_(KindClient, format, args...) }
func Parse(format string, args ...any) *Error   { return new_(KindParse, format, args...) }
func Tool(format string, args ...any) *Error    { return new_(KindTool, format, args...) }
func Provider(format string, args ...any) *Error { return new_(KindProvider, format, args...) }
func Internal(format string, args ...any) *Error { return new_(KindInternal, format, args...) }
func Cancelled(format string, args ...any) *Error { return new_(KindCancelled, format, args...) }

func WrapClient(cause error, format string, args ...any) *Error   { return wrap(KindClient, cause, format, args...) }
func WrapParse(cause error, format string, args ...any) *Error    { return wrap(KindParse, cause, format, args...) }
func WrapTool(cause error, format string, args ...any) *Error     { return wrap(KindTool, cause, format, args...) }
func WrapProvider(cause error, format string, args ...any) *Error { return wrap(KindProvider, cause, format, args...) }
func WrapInternal(cause error, format string, args ...any) *Error { return wrap(KindInternal, cause, format, args...) }

// KindOf extracts the Kind from err if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsTerminal reports whether an error of this kind ends the run (as opposed
// to being recovered locally within the current iteration).
func IsTerminal(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return true // unrecognized errors are treated as InternalError-equivalent
	}
	switch kind {
	case KindParse, KindTool:
		return false
	default:
		return true
	}
}
