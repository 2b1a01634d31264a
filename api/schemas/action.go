package schemas

import (
	"fmt"
	"strings"
)

// ActionKind is the primitive operation named by an ActionDescriptor.
type ActionKind string

const (
	ActionNavigate ActionKind = "navigate"
	ActionClick    ActionKind = "click"
	ActionType     ActionKind = "type"
	ActionScroll   ActionKind = "scroll"
	ActionWait     ActionKind = "wait"
	ActionPress    ActionKind = "press"
	ActionSelect   ActionKind = "select"
	ActionComplete ActionKind = "complete"
	// ActionFail gives up on a goal that cannot be reached; Value holds the reason.
	ActionFail ActionKind = "fail"
)

// kindAliases maps loose spellings seen in model output onto the canonical kinds.
var kindAliases = map[string]ActionKind{
	"navigate": ActionNavigate, "goto": ActionNavigate, "go_to": ActionNavigate, "open": ActionNavigate, "visit": ActionNavigate,
	"click": ActionClick, "tap": ActionClick,
	"type": ActionType, "input": ActionType, "fill": ActionType, "enter_text": ActionType,
	"scroll": ActionScroll,
	"wait": ActionWait, "sleep": ActionWait, "pause": ActionWait,
	"press": ActionPress, "key": ActionPress, "keypress": ActionPress, "press_key": ActionPress,
	"select": ActionSelect, "choose": ActionSelect, "select_option": ActionSelect,
	"complete": ActionComplete, "done": ActionComplete, "finish": ActionComplete, "finished": ActionComplete,
	"fail": ActionFail, "give_up": ActionFail, "abort": ActionFail, "impossible": ActionFail,
}

// ParseActionKind normalizes s into a known kind.
func ParseActionKind(s string) (ActionKind, bool) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(s))]
	return k, ok
}

// NeedsTarget reports whether the kind operates on a resolved element.
func (k ActionKind) NeedsTarget() bool {
	switch k {
	case ActionClick, ActionType, ActionSelect:
		return true
	}
	return false
}

// Terminal reports whether the kind ends the task instead of acting on the page.
func (k ActionKind) Terminal() bool {
	return k == ActionComplete || k == ActionFail
}

// ActionDescriptor is the structured description of the single next operation.
//
// Value carries the kind-specific payload: the URL for navigate, the text for
// type, the key for press, the option for select, the direction for scroll and
// the summary for complete and the reason for fail. TimingHintMs is an optional duration in
// milliseconds (the wait length, or extra settle time for other kinds).
type ActionDescriptor struct {
	Kind         ActionKind `json:"action"`
	Target       string     `json:"target,omitempty"`
	Value        string     `json:"value,omitempty"`
	Clear        *bool      `json:"clear,omitempty"`
	TimingHintMs int        `json:"timing_hint_ms,omitempty"`
	Reasoning    string     `json:"reasoning,omitempty"`
}

// ShouldClear reports whether a type action replaces the existing content.
// Clearing is the default.
func (a ActionDescriptor) ShouldClear() bool {
	return a.Clear == nil || *a.Clear
}

// Signature renders the descriptor canonically, e.g. type("q","coffee").
// Two descriptors with the same signature request the same effect.
func (a ActionDescriptor) Signature() string {
	var args []string
	if a.Target != "" {
		args = append(args, fmt.Sprintf("%q", a.Target))
	}
	if a.Value != "" && !a.Kind.Terminal() {
		args = append(args, fmt.Sprintf("%q", a.Value))
	}
	return fmt.Sprintf("%s(%s)", a.Kind, strings.Join(args, ","))
}

// Validate checks the descriptor carries what its kind requires.
func (a ActionDescriptor) Validate() error {
	if k, ok := kindAliases[string(a.Kind)]; !ok || k != a.Kind {
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	if a.Kind.NeedsTarget() && strings.TrimSpace(a.Target) == "" {
		return fmt.Errorf("%s requires a target", a.Kind)
	}
	switch a.Kind {
	case ActionNavigate:
		if strings.TrimSpace(a.Value) == "" {
			return fmt.Errorf("navigate requires a url")
		}
	case ActionPress:
		if strings.TrimSpace(a.Value) == "" {
			return fmt.Errorf("press requires a key")
		}
	case ActionSelect:
		if a.Value == "" {
			return fmt.Errorf("select requires an option")
		}
	}
	return nil
}
