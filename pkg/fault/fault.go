// Package fault defines the error taxonomy shared by the engine packages.
// Every failure that crosses a component boundary is classified so callers
// can decide between retrying, failing soft, and surfacing to the user.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindValidation marks malformed tool arguments or an unknown capability.
	// Recoverable: rendered as a tool-result the model can react to.
	KindValidation Kind = "validation"
	// KindExecution marks an internal capability failure. Recoverable.
	KindExecution Kind = "execution"
	// KindTimeout marks a deadline breach on a tool or model call.
	// One retry is permitted before the failure goes fail-soft.
	KindTimeout Kind = "timeout"
	// KindSecurity marks a capability boundary violation (path escape,
	// denied command). Never retried; surfaced to the end user as-is.
	KindSecurity Kind = "security"
	// KindProvider marks a model-service failure. Retried with backoff up to
	// a fixed attempt count, then the run fails.
	KindProvider Kind = "provider"
	// KindStorage marks a persistence failure. Logged; the session continues
	// from its in-memory state.
	KindStorage Kind = "storage"
)

// Error is a classified failure. Op names the operation that failed
// ("tools.dispatch", "session.append"); Msg is a plain sentence safe to show
// to the model or the user; Err carries the underlying cause for logs only.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return string(e.Kind) + " error in " + e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a classified error with a user-safe message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies an underlying error, keeping it for logs.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf classifies an underlying error and attaches a user-safe message.
func Wrapf(kind Kind, op string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the classification of err, walking wrapped errors.
// Unclassified errors report KindExecution.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindExecution
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// Retryable reports whether a failure of this kind may be retried at all.
// Validation and security failures are final; the remaining kinds are subject
// to each component's retry budget.
func (k Kind) Retryable() bool {
	switch k {
	case KindValidation, KindSecurity:
		return false
	default:
		return true
	}
}

// UserMessage renders a plain, non-technical sentence for the end user.
// Internal detail (wrapped causes, stack context) never leaks through here.
func UserMessage(err error) string {
	var fe *Error
	if !errors.As(err, &fe) {
		return "Something went wrong while processing your request."
	}
	if fe.Msg != "" {
		return fe.Msg
	}
	switch fe.Kind {
	case KindTimeout:
		return "That took too long and was stopped."
	case KindSecurity:
		return "That action was blocked by a safety rule."
	case KindProvider:
		return "The language model service is unavailable right now. Please try again shortly."
	case KindStorage:
		return "Your conversation could not be saved just now; recent messages may be lost after a restart."
	default:
		return "Something went wrong while processing your request."
	}
}
