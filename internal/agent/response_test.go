package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/taskpilot/api/schemas"
)

func TestParseResponse_Actions(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		want      schemas.ActionDescriptor
		discarded int
	}{
		{
			name:  "plain object",
			reply: `{"action": "click", "target": "Search", "reasoning": "submit the form"}`,
			want:  schemas.ActionDescriptor{Kind: schemas.ActionClick, Target: "Search", Reasoning: "submit the form"},
		},
		{
			name:  "trailing comma and unquoted key",
			reply: "Sure.\n```json\n{action: \"type\", target: \"q\", value: \"coffee\",}\n```",
			want:  schemas.ActionDescriptor{Kind: schemas.ActionType, Target: "q", Value: "coffee"},
		},
		{
			name:  "aliases for kind and payload",
			reply: `{"kind": "goto", "url": "example.com"}`,
			want:  schemas.ActionDescriptor{Kind: schemas.ActionNavigate, Value: "example.com"},
		},
		{
			name:  "type discriminator with key payload",
			reply: `{"type": "keypress", "key": "Enter"}`,
			want:  schemas.ActionDescriptor{Kind: schemas.ActionPress, Value: "Enter"},
		},
		{
			name:  "timing hint from duration string",
			reply: `{"action": "wait", "duration": "2s"}`,
			want:  schemas.ActionDescriptor{Kind: schemas.ActionWait, TimingHintMs: 2000},
		},
		{
			name:  "complete takes reasoning as summary",
			reply: `{"action": "done", "reasoning": "results are shown"}`,
			want:  schemas.ActionDescriptor{Kind: schemas.ActionComplete, Value: "results are shown", Reasoning: "results are shown"},
		},
		{
			name:      "array collapses to first",
			reply:     `[{"action":"click","target":"q"},{"action":"type","target":"q","value":"x"},{"action":"press","value":"Enter"}]`,
			want:      schemas.ActionDescriptor{Kind: schemas.ActionClick, Target: "q"},
			discarded: 2,
		},
		{
			name:  "bracketed prose before the object",
			reply: `I'll press the [Search] button: {"action":"click","target":"Search"}`,
			want:  schemas.ActionDescriptor{Kind: schemas.ActionClick, Target: "Search"},
		},
		{
			name:  "bracketed prose before a near-valid object",
			reply: `Step [1] of 3 -> {action: click, target: "Search",}`,
			want:  schemas.ActionDescriptor{Kind: schemas.ActionClick, Target: "Search"},
		},
		{
			name:  "prose object without an action before the action",
			reply: `Fields seen: {"q": "empty"}. Next: {"action":"type","target":"q","value":"coffee"}`,
			want:  schemas.ActionDescriptor{Kind: schemas.ActionType, Target: "q", Value: "coffee"},
		},
		{
			name:      "plan object collapses to first step",
			reply:     `{"plan": [{"action":"scroll","value":"down"}, {"action":"click","target":"More"}]}`,
			want:      schemas.ActionDescriptor{Kind: schemas.ActionScroll, Value: "down"},
			discarded: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := ParseResponse(tt.reply).(*ActionResponse)
			require.True(t, ok, "expected an action")
			assert.Equal(t, tt.want, r.Action)
			assert.Equal(t, tt.discarded, r.Discarded)
		})
	}
}

func TestParseResponse_ClearFlag(t *testing.T) {
	r, ok := ParseResponse(`{"action":"type","target":"notes","value":" more","clear":"false"}`).(*ActionResponse)
	require.True(t, ok)
	require.NotNil(t, r.Action.Clear)
	assert.False(t, r.Action.ShouldClear())
}

func TestParseResponse_Message(t *testing.T) {
	r, ok := ParseResponse("  I can see a search box at the top of the page.  ").(*MessageResponse)
	require.True(t, ok)
	assert.Equal(t, "I can see a search box at the top of the page.", r.Text)
}

func TestParseResponse_Unrecognized(t *testing.T) {
	for name, reply := range map[string]string{
		"unknown kind":     `{"action": "hover", "target": "menu"}`,
		"missing target":   `{"action": "click"}`,
		"no discriminator": `{"target": "menu"}`,
		"empty batch":      `{"steps": []}`,
	} {
		t.Run(name, func(t *testing.T) {
			r, ok := ParseResponse(reply).(*UnrecognizedResponse)
			require.True(t, ok)
			assert.NotEmpty(t, r.Reason)
		})
	}
}

func TestParseResponse_UnrecognizedKeepsFirstReason(t *testing.T) {
	r, ok := ParseResponse(`{"action": "hover", "target": {"x": 1}}`).(*UnrecognizedResponse)
	require.True(t, ok)
	assert.Contains(t, r.Reason, `unknown action "hover"`)
}
