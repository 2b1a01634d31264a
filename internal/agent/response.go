package agent

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/llmutil"
)

// Response is the interpreted reply of one turn. It is one of
// *ActionResponse, *MessageResponse or *UnrecognizedResponse.
type Response interface {
	isResponse()
}

// ActionResponse carries the single action honored for the turn. Discarded
// counts the further actions of a batch reply that were dropped.
type ActionResponse struct {
	Action    schemas.ActionDescriptor
	Discarded int
}

// MessageResponse is plain text with no embedded object.
type MessageResponse struct {
	Text string
}

// UnrecognizedResponse embeds structure that could not be read as an action.
type UnrecognizedResponse struct {
	Raw    string
	Reason string
}

func (*ActionResponse) isResponse()       {}
func (*MessageResponse) isResponse()      {}
func (*UnrecognizedResponse) isResponse() {}

var (
	kindKeys   = []string{"action", "kind", "type", "command"}
	targetKeys = []string{"target", "element", "selector"}
	valueKeys  = []string{"value", "text", "url", "key", "option", "summary", "direction", "message"}
	timingKeys = []string{"timing_hint_ms", "ms", "wait_ms", "duration", "timing_hint"}
	batchKeys  = []string{"actions", "steps", "plan"}
)

// maxCandidates bounds how many embedded values a reply is searched for.
const maxCandidates = 16

// ParseResponse interprets a reply. Structural defects in the embedded object
// are repaired first; text without any object is a message. Each embedded
// value is tried in order, so bracketed prose ahead of the action is skipped.
func ParseResponse(text string) Response {
	trimmed := strings.TrimSpace(text)
	if !strings.Contains(trimmed, "{") {
		return &MessageResponse{Text: trimmed}
	}

	var firstErr error
	for _, candidate := range llmutil.JSONCandidates(trimmed, maxCandidates) {
		decoded, err := llmutil.ParseJSONResponse[interface{}](candidate)
		if err != nil {
			continue
		}
		obj, discarded := collapseBatch(*decoded)
		if obj == nil {
			continue
		}
		action, err := descriptorFrom(obj)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		return &ActionResponse{Action: action, Discarded: discarded}
	}
	if firstErr == nil {
		firstErr = errors.New("no action object in reply")
	}
	return &UnrecognizedResponse{Raw: trimmed, Reason: firstErr.Error()}
}

// collapseBatch reduces a multi-action reply to its first action object.
func collapseBatch(v interface{}) (map[string]interface{}, int) {
	switch t := v.(type) {
	case []interface{}:
		for i, item := range t {
			if obj, ok := item.(map[string]interface{}); ok {
				inner, n := collapseBatch(obj)
				return inner, n + len(t) - i - 1
			}
		}
		return nil, 0
	case map[string]interface{}:
		if _, ok := lookup(t, kindKeys); ok {
			return t, 0
		}
		for _, k := range batchKeys {
			if list, ok := t[k].([]interface{}); ok {
				return collapseBatch(list)
			}
		}
		return t, 0
	}
	return nil, 0
}

func descriptorFrom(obj map[string]interface{}) (schemas.ActionDescriptor, error) {
	raw, ok := lookup(obj, kindKeys)
	if !ok {
		return schemas.ActionDescriptor{}, fmt.Errorf("reply names no action")
	}
	kind, ok := schemas.ParseActionKind(raw)
	if !ok {
		return schemas.ActionDescriptor{}, fmt.Errorf("unknown action %q", raw)
	}

	a := schemas.ActionDescriptor{Kind: kind}
	a.Target, _ = lookup(obj, targetKeys)
	a.Value, _ = lookup(obj, valueKeys)
	a.Reasoning, _ = lookup(obj, []string{"reasoning", "thought", "reason"})
	if kind.Terminal() && a.Value == "" {
		a.Value = a.Reasoning
	}
	if c, ok := obj["clear"]; ok {
		if b, ok := asBool(c); ok {
			a.Clear = &b
		}
	}
	if ms, ok := timingHint(obj); ok {
		a.TimingHintMs = ms
	}
	if err := a.Validate(); err != nil {
		return schemas.ActionDescriptor{}, err
	}
	return a, nil
}

// lookup returns the first present key rendered as a string.
func lookup(obj map[string]interface{}, keys []string) (string, bool) {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if strings.TrimSpace(t) != "" {
				return t, true
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), true
		case bool:
			return strconv.FormatBool(t), true
		}
	}
	return "", false
}

func asBool(v interface{}) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, err == nil
	case float64:
		return t != 0, true
	}
	return false, false
}

// timingHint accepts milliseconds as a number or numeric string, or a Go
// duration string such as "2s".
func timingHint(obj map[string]interface{}) (int, bool) {
	for _, k := range timingKeys {
		switch t := obj[k].(type) {
		case float64:
			if t > 0 {
				return int(t), true
			}
		case string:
			s := strings.TrimSpace(t)
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				return n, true
			}
			if d, err := time.ParseDuration(s); err == nil && d > 0 {
				return int(d / time.Millisecond), true
			}
		}
	}
	return 0, false
}
