// Package executor performs one primitive page operation per action
// descriptor against an execution host, and owns the bounded retry policy the
// orchestrator applies around it.
package executor

import "context"

// OpName identifies a single host-level primitive.
type OpName string

const (
	OpNavigate       OpName = "navigate"
	OpScrollIntoView OpName = "scroll_into_view"
	// OpClick fires the element's own click trigger.
	OpClick OpName = "click"
	// OpMouseClick synthesizes press and release at a page coordinate.
	OpMouseClick OpName = "mouse_click"
	OpFocus      OpName = "focus"
	OpClear      OpName = "clear"
	// OpInsertText inserts Text at the caret of the focused element.
	OpInsertText OpName = "insert_text"
	// OpCommit fires the input and change events a user edit would.
	OpCommit    OpName = "commit"
	OpReadValue OpName = "read_value"
	// OpScroll scrolls the page (or Handle) by DeltaY; Text may be "top" or "bottom".
	OpScroll OpName = "scroll"
	OpPress  OpName = "press"
	OpSelect OpName = "select"
)

// Operation is one request to the host. Handle refers to the snapshot handle
// stamped on the element; it is empty for page-level operations.
type Operation struct {
	Name   OpName
	Handle string
	X, Y   float64
	Text   string
	DeltaY float64
}

// OpResult is the host's structured answer. ContextLost reports that the
// page context went away (navigation, crash) and the host must be re-armed.
type OpResult struct {
	Success     bool
	Message     string
	Value       string
	ContextLost bool
}

// Host is the execution surface inside one page context.
type Host interface {
	// EnsureReady re-arms the host after context loss.
	EnsureReady(ctx context.Context) bool
	Dispatch(ctx context.Context, op Operation) OpResult
}
