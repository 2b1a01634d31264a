// internal/llmutil/repair.go
package llmutil

import (
	"strings"
)

// smartQuotes folds typographic quotes into their ASCII forms.
var smartQuotes = strings.NewReplacer(
	"“", `"`, "”", `"`, "„", `"`,
	"‘", "'", "’", "'",
)

// RepairJSON applies a fixed set of best-effort transformations to near-valid
// JSON emitted by a model and returns the result. It is pure: the same input
// always yields the same output, and valid JSON passes through unchanged
// (modulo markdown fences and trailing prose after the root value).
//
// The transformations, applied outside string literals only:
//  1. markdown code fences are stripped and typographic quotes folded to ASCII
//  2. single-quoted strings become double-quoted
//  3. unquoted object keys are quoted
//  4. trailing commas before '}' or ']' are removed
//  5. True/False/None become true/false/null
//  6. bare-word values are quoted
//  7. // and /* */ comments are removed
//  8. raw newlines and tabs inside strings are escaped
//  9. unterminated strings, objects and arrays are closed
//
// Anything after the root value closes is dropped.
func RepairJSON(s string) string {
	s = smartQuotes.Replace(StripCodeFences(s))
	s = strings.TrimSpace(s)

	var b strings.Builder
	b.Grow(len(s) + 8)

	var closers []byte
	expectKey := false
	started := false
	n := len(s)

	for i := 0; i < n; {
		c := s[i]
		switch {
		case c == '"' || c == '\'':
			str, next := readString(s, i)
			b.WriteString(str)
			i = next
			expectKey = false

		case c == '/' && i+1 < n && (s[i+1] == '/' || s[i+1] == '*'):
			i = skipComment(s, i)

		case c == '{' || c == '[':
			if c == '{' {
				closers = append(closers, '}')
				expectKey = true
			} else {
				closers = append(closers, ']')
				expectKey = false
			}
			started = true
			b.WriteByte(c)
			i++

		case c == '}' || c == ']':
			// Pop through mismatched openers so the output stays balanced.
			for len(closers) > 0 {
				top := closers[len(closers)-1]
				closers = closers[:len(closers)-1]
				if top == c {
					break
				}
				b.WriteByte(top)
			}
			b.WriteByte(c)
			i++
			expectKey = false
			if started && len(closers) == 0 {
				return b.String()
			}

		case c == ',':
			j := skipSpaceAndComments(s, i+1)
			if j >= n || s[j] == '}' || s[j] == ']' || s[j] == ',' {
				// Trailing or doubled separator.
				i++
				continue
			}
			b.WriteByte(',')
			i++
			expectKey = len(closers) > 0 && closers[len(closers)-1] == '}'

		case c == ':':
			b.WriteByte(':')
			i++
			expectKey = false

		case isIdentStart(c):
			word, next := readIdent(s, i)
			if expectKey {
				b.WriteString(quote(word))
				i = next
				expectKey = false
				continue
			}
			switch word {
			case "true", "false", "null":
				b.WriteString(word)
				i = next
			case "True":
				b.WriteString("true")
				i = next
			case "False":
				b.WriteString("false")
				i = next
			case "None", "nil", "undefined":
				b.WriteString("null")
				i = next
			default:
				val, end := readBareValue(s, i)
				b.WriteString(quote(val))
				i = end
			}

		case c == '-' || (c >= '0' && c <= '9'):
			j := i + 1
			for j < n && strings.IndexByte("0123456789+-.eE", s[j]) >= 0 {
				j++
			}
			b.WriteString(s[i:j])
			i = j
			expectKey = false

		default:
			b.WriteByte(c)
			i++
		}
	}

	for j := len(closers) - 1; j >= 0; j-- {
		b.WriteByte(closers[j])
	}
	return b.String()
}

// readString reads a string literal delimited by s[start] and returns it
// re-encoded with double quotes, plus the index after the closing delimiter.
func readString(s string, start int) (string, int) {
	q := s[start]
	var b strings.Builder
	b.WriteByte('"')
	i := start + 1
	for i < len(s) {
		ch := s[i]
		switch {
		case ch == '\\' && i+1 < len(s):
			if q == '\'' && s[i+1] == '\'' {
				b.WriteByte('\'')
			} else {
				b.WriteByte('\\')
				b.WriteByte(s[i+1])
			}
			i += 2
			continue
		case ch == q:
			b.WriteByte('"')
			return b.String(), i + 1
		case ch == '"':
			// Only reachable inside a single-quoted literal.
			b.WriteString(`\"`)
		case ch == '\n':
			b.WriteString(`\n`)
		case ch == '\r':
			b.WriteString(`\r`)
		case ch == '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(ch)
		}
		i++
	}
	// Unterminated.
	b.WriteByte('"')
	return b.String(), i
}

func skipComment(s string, i int) int {
	if s[i+1] == '/' {
		end := strings.IndexByte(s[i:], '\n')
		if end < 0 {
			return len(s)
		}
		return i + end
	}
	end := strings.Index(s[i+2:], "*/")
	if end < 0 {
		return len(s)
	}
	return i + 2 + end + 2
}

func skipSpaceAndComments(s string, i int) int {
	for i < len(s) {
		switch {
		case s[i] == ' ' || s[i] == '\t' || s[i] == '\n' || s[i] == '\r':
			i++
		case s[i] == '/' && i+1 < len(s) && (s[i+1] == '/' || s[i+1] == '*'):
			i = skipComment(s, i)
		default:
			return i
		}
	}
	return i
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c == '-' || (c >= '0' && c <= '9')
}

func readIdent(s string, i int) (string, int) {
	j := i
	for j < len(s) && isIdentPart(s[j]) {
		j++
	}
	return s[i:j], j
}

// readBareValue reads an unquoted value up to the next structural delimiter.
func readBareValue(s string, i int) (string, int) {
	j := i
	for j < len(s) {
		switch s[j] {
		case ',', '}', ']', '\n', '\r':
			return strings.TrimSpace(s[i:j]), j
		}
		j++
	}
	return strings.TrimSpace(s[i:j]), j
}

func quote(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(s[i])
		default:
			b.WriteByte(s[i])
		}
	}
	b.WriteByte('"')
	return b.String()
}
