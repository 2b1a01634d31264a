package agent

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/taskpilot/api/schemas"
)

// systemInstructions is sent once in the session handshake.
func systemInstructions() string {
	var b strings.Builder
	b.WriteString(`You operate a web browser on behalf of a user. Every turn you receive a screenshot of the visible page and a short report of what happened since the previous turn.

Reply with exactly ONE action as a single JSON object and nothing else. Never send a list or a plan: only the first action would be executed, and its effect is verified before you choose the next one.

Schema:
{"action": "<kind>", "target": "<element>", "value": "<payload>", "clear": true, "timing_hint_ms": 0, "reasoning": "<one sentence>"}

Kinds:
`)
	for _, line := range []string{
		`navigate: open the URL in "value".`,
		`click: click the element named by "target".`,
		`type: type "value" into the "target" field. "clear": false appends instead of replacing.`,
		`press: press the key in "value" (Enter, Tab, Escape, ArrowDown...). "target" is optional and focuses that element first.`,
		`select: choose the option "value" in the "target" dropdown.`,
		`scroll: scroll the page; "value" is up, down, top, bottom or a pixel count.`,
		`wait: pause for "timing_hint_ms" milliseconds.`,
		`complete: the goal is achieved; put a short summary of the outcome in "value". Never use it when the goal was not achieved.`,
		`fail: the goal cannot be reached on this site; put the reason in "value".`,
	} {
		b.WriteString("  - ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString(`
Targets: use the visible text of the element, its label, placeholder or name attribute. A CSS selector or an XPath expression is also accepted when the element has no readable text.
Only act on elements you can see in the screenshot. When something fails, change your approach instead of repeating it.`)
	return b.String()
}

// turnContext is the per-turn input to the prompt builders.
type turnContext struct {
	goal      string
	iteration int
	limit     int
	history   []schemas.TaskStep
	note      string
}

func (tc turnContext) header(b *strings.Builder) {
	fmt.Fprintf(b, "GOAL: %s\n", tc.goal)
	fmt.Fprintf(b, "Turn %d of at most %d.\n", tc.iteration, tc.limit)
	if len(tc.history) > 0 {
		b.WriteString("\nRecent steps:\n")
		for _, s := range tc.history {
			fmt.Fprintf(b, "  %d. %s -> %s", s.Index+1, s.Action.Signature(), s.Outcome)
			if s.Outcome == schemas.OutcomeFailure && s.Message != "" {
				fmt.Fprintf(b, " (%s)", s.Message)
			}
			b.WriteByte('\n')
		}
	}
	if tc.note != "" {
		fmt.Fprintf(b, "\n%s\n", tc.note)
	}
	b.WriteByte('\n')
}

func firstTurn(tc turnContext) string {
	var b strings.Builder
	tc.header(&b)
	b.WriteString("This is the current page. Choose the first action toward the goal.")
	return b.String()
}

func progressTurn(tc turnContext, last schemas.TaskStep) string {
	var b strings.Builder
	tc.header(&b)
	fmt.Fprintf(&b, "The last action %s succeeded. The screenshot shows the page after it. ", last.Action.Signature())
	b.WriteString("If the goal is achieved reply with complete, otherwise choose the next action.")
	return b.String()
}

func recoveryTurn(tc turnContext, failed schemas.TaskStep) string {
	var b strings.Builder
	tc.header(&b)
	fmt.Fprintf(&b, "The last action %s FAILED", failed.Action.Signature())
	if failed.Message != "" {
		fmt.Fprintf(&b, ": %s", failed.Message)
	}
	b.WriteString(".\nLook at the screenshot again and choose an action that accounts for this failure, for example a different target description.")
	return b.String()
}

// escalationTurn demands a different approach and forbids every listed signature.
func escalationTurn(tc turnContext, failures int, forbidden []string) string {
	var b strings.Builder
	tc.header(&b)
	fmt.Fprintf(&b, "%d consecutive actions have failed. Your current approach does not work.\n", failures)
	b.WriteString("Do NOT repeat any of these actions, they will be rejected:\n")
	for _, sig := range forbidden {
		fmt.Fprintf(&b, "  - %s\n", sig)
	}
	b.WriteString(`Take a materially different approach: another element, another route to the same result (navigation, search, scrolling to reveal content), or reply with fail if the goal cannot be reached and put the reason in "value". Do not reply with complete unless the goal is actually achieved.`)
	return b.String()
}

func noActionTurn(tc turnContext, reason string) string {
	var b strings.Builder
	tc.header(&b)
	b.WriteString("Your last reply did not contain a usable action")
	if reason != "" {
		fmt.Fprintf(&b, " (%s)", reason)
	}
	b.WriteString(". Reply with exactly one JSON action object.")
	return b.String()
}
