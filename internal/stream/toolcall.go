package stream

import (
	"encoding/json"
	"log"
	"strings"
)

// ToolCall is the normalized form of a bracketed tool invocation line.
// Result is one of: nil (no payload or unrecoverable payload), a decoded
// JSON value, or the raw payload string when the payload is free-form
// progress text rather than a literal.
type ToolCall struct {
	Type   string `json:"type"`
	Result any    `json:"result"`
}

// NormalizeToolCall converts a "[TYPE] payload" line into a ToolCall.
// The payload is a loosely written pseudo-literal: it may use single-quoted
// strings, Python-style True/False/None, and may embed unescaped double
// quotes inside string values (code snippets). Free-form payloads that do
// not parse as a literal are returned verbatim as the result string.
//
// NormalizeToolCall never panics outward; on any internal failure it logs
// the cause and returns a nil result.
func NormalizeToolCall(line string) (tc ToolCall) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("tool call normalize panic: %v", r)
			tc.Result = nil
		}
	}()

	name, payload, ok := splitBracketType(strings.TrimSpace(line))
	if !ok {
		return ToolCall{}
	}
	tc.Type = name

	payload = strings.TrimSpace(payload)
	if payload == "" {
		return tc
	}
	if payload == "[]" {
		tc.Result = []any{}
		return tc
	}

	normalized := normalizeLiteral(payload)
	var decoded any
	if err := json.Unmarshal([]byte(normalized), &decoded); err != nil {
		// Not a literal; descriptive progress strings land here.
		tc.Result = payload
		return tc
	}
	tc.Result = decoded
	return tc
}

// normalizeLiteral rewrites a Python-flavored pseudo-literal into strict
// JSON: single-quoted strings become double-quoted with embedded double
// quotes escaped, and bare True/False/None tokens become their JSON
// equivalents. Tokens inside strings are left untouched.
func normalizeLiteral(payload string) string {
	var out strings.Builder
	out.Grow(len(payload) + 16)

	runes := []rune(payload)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case r == '\'':
			i = copySingleQuoted(&out, runes, i)
		case r == '"':
			i = copyDoubleQuoted(&out, runes, i)
		case isIdentStart(r):
			j := i
			for j < len(runes) && isIdentRune(runes[j]) {
				j++
			}
			word := string(runes[i:j])
			switch word {
			case "True":
				out.WriteString("true")
			case "False":
				out.WriteString("false")
			case "None":
				out.WriteString("null")
			default:
				out.WriteString(word)
			}
			i = j
		default:
			out.WriteRune(r)
			i++
		}
	}
	return out.String()
}

// copySingleQuoted re-emits a single-quoted string as a double-quoted JSON
// string starting at runes[start] == '\''. Embedded double quotes and
// backslashes are escaped; an escaped single quote (\') is unescaped.
func copySingleQuoted(out *strings.Builder, runes []rune, start int) int {
	out.WriteByte('"')
	i := start + 1
	for i < len(runes) {
		r := runes[i]
		if r == '\\' && i+1 < len(runes) && runes[i+1] == '\'' {
			out.WriteByte('\'')
			i += 2
			continue
		}
		if r == '\'' {
			i++
			break
		}
		writeEscaped(out, r)
		i++
	}
	out.WriteByte('"')
	return i
}

// copyDoubleQuoted re-emits an already double-quoted string, re-escaping
// its contents so that raw snippets inside survive strict parsing.
func copyDoubleQuoted(out *strings.Builder, runes []rune, start int) int {
	out.WriteByte('"')
	i := start + 1
	for i < len(runes) {
		r := runes[i]
		if r == '\\' && i+1 < len(runes) {
			out.WriteRune(r)
			out.WriteRune(runes[i+1])
			i += 2
			continue
		}
		if r == '"' {
			i++
			break
		}
		writeEscaped(out, r)
		i++
	}
	out.WriteByte('"')
	return i
}

func writeEscaped(out *strings.Builder, r rune) {
	switch r {
	case '"':
		out.WriteString(`\"`)
	case '\\':
		out.WriteString(`\\`)
	case '\n':
		out.WriteString(`\n`)
	case '\t':
		out.WriteString(`\t`)
	case '\r':
		out.WriteString(`\r`)
	default:
		out.WriteRune(r)
	}
}

func isIdentStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isIdentRune(r rune) bool {
	return isIdentStart(r) || (r >= '0' && r <= '9')
}
