// Package taskerr defines the structured error taxonomy shared by the session,
// resolver, executor and orchestrator.
package taskerr

import (
	"context"
	"errors"
	"fmt"
)

// Code is a string type used for structured error reporting. Using a custom
// type keeps callers on the predefined constants.
type Code string

const (
	// CodeTransport covers drops and handshake problems on the session transport.
	CodeTransport Code = "TRANSPORT_ERROR"
	// CodeSessionLost is surfaced once capped reconnection has been exhausted.
	CodeSessionLost Code = "SESSION_LOST"
	// CodeMalformedResponse is unparseable or unrepairable action text.
	CodeMalformedResponse Code = "MALFORMED_RESPONSE"
	// CodeResolutionFailure means no element matched the target.
	CodeResolutionFailure Code = "RESOLUTION_FAILURE"
	// CodeExecutionFailure means the element resolved but the operation failed.
	CodeExecutionFailure Code = "EXECUTION_FAILURE"
	// CodeIterationLimit is fatal: the task hit its iteration cap.
	CodeIterationLimit Code = "ITERATION_LIMIT_EXCEEDED"
	// CodeCapabilityRestricted means the context cannot be captured (privileged page).
	CodeCapabilityRestricted Code = "CAPABILITY_RESTRICTED"
	// CodeGoalUnreachable is reported when the model gives up on the goal.
	CodeGoalUnreachable Code = "GOAL_UNREACHABLE"
	// CodeCanceled marks work abandoned because the task was stopped.
	CodeCanceled Code = "CANCELED"
	// CodeUnknown is reported for errors outside the taxonomy.
	CodeUnknown Code = "UNKNOWN"
)

// Error carries a Code alongside a human-readable message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so errors.Is(err, taskerr.ResolutionFailure) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
	}
	return false
}

// Sentinels for errors.Is comparisons.
var (
	Transport            = &Error{Code: CodeTransport}
	SessionLost          = &Error{Code: CodeSessionLost}
	MalformedResponse    = &Error{Code: CodeMalformedResponse}
	ResolutionFailure    = &Error{Code: CodeResolutionFailure}
	ExecutionFailure     = &Error{Code: CodeExecutionFailure}
	IterationLimit       = &Error{Code: CodeIterationLimit}
	CapabilityRestricted = &Error{Code: CodeCapabilityRestricted}
)

// New creates an Error with the given code and message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to cause. A nil cause yields nil.
func Wrap(code Code, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf classifies err. Context cancellation maps to CodeCanceled.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	if errors.Is(err, context.Canceled) {
		return CodeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTransport
	}
	return CodeUnknown
}

// IsFatal reports whether the code ends a task outright.
func (c Code) IsFatal() bool {
	switch c {
	case CodeSessionLost, CodeIterationLimit, CodeCapabilityRestricted, CodeGoalUnreachable, CodeCanceled:
		return true
	}
	return false
}
