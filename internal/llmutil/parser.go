// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// Regex definitions use \x60 (hex representation) for backticks because Go raw strings cannot contain backticks.

	// fencedBlockRegex captures the body of the first markdown code block, any language tag.
	fencedBlockRegex = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z0-9_-]*[ \t]*\r?\n?(.*?)\x60\x60\x60")
	// openFenceRegex matches an opening fence whose closing fence never arrived.
	openFenceRegex = regexp.MustCompile("(?s)^\\s*\x60\x60\x60[a-zA-Z0-9_-]*[ \t]*\r?\n?")
)

// StripCodeFences returns the body of the first markdown code block in s, or
// s itself when it carries no fence.
func StripCodeFences(s string) string {
	if m := fencedBlockRegex.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	if loc := openFenceRegex.FindStringIndex(s); loc != nil {
		return strings.TrimSpace(s[loc[1]:])
	}
	return s
}

// ExtractJSON locates the first embedded JSON object or array in free text.
// The scan is quote-aware so braces inside strings do not confuse it. When
// the value never closes (a truncated reply) the remainder of the text from
// the opening brace is returned, leaving the closing to RepairJSON.
// It reports false when the text contains no '{' or '[' at all.
func ExtractJSON(text string) (string, bool) {
	body := StripCodeFences(text)
	start := strings.IndexAny(body, "{[")
	if start < 0 {
		return "", false
	}
	return scanBalanced(body, start), true
}

// JSONCandidates returns the balanced value starting at each '{' or '[' of
// text, in order of appearance and at most limit of them. Prose such as
// "press [Search]" yields candidates of its own, so callers try each in turn.
func JSONCandidates(text string, limit int) []string {
	body := StripCodeFences(text)
	var out []string
	for i := 0; i < len(body) && len(out) < limit; i++ {
		if body[i] == '{' || body[i] == '[' {
			out = append(out, scanBalanced(body, i))
		}
	}
	return out
}

func scanBalanced(s string, start int) string {
	depth := 0
	var inString byte
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString != 0 {
			switch c {
			case '\\':
				i++
			case inString:
				inString = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			inString = c
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

// ParseJSONResponse extracts the first JSON value embedded in a model reply and
// decodes it into T. Strict decoding is tried first; on failure the candidate
// is passed through RepairJSON and decoded again.
func ParseJSONResponse[T any](response string) (*T, error) {
	candidate, ok := ExtractJSON(response)
	if !ok {
		return nil, fmt.Errorf("no JSON value found in response: %s", truncateString(strings.TrimSpace(response), 200))
	}

	var result T
	if err := json.UnmarshalFromString(candidate, &result); err == nil {
		return &result, nil
	}

	repaired := RepairJSON(candidate)
	if err := json.UnmarshalFromString(repaired, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response after repair: %w. Extracted JSON (truncated): %s", err, truncateString(repaired, 500))
	}
	return &result, nil
}

// truncateString truncates a string to a maximum length.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	// Simple truncation; does not account for rune boundaries but sufficient for error logging.
	return s[:maxLen] + "..."
}
