package agent

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/hollis/vesper-agent/internal/llm"
)

// Argument parse methods, reported so each fallback is a distinct
// diagnosable event in the logs.
const (
	parseMethodJSON   = "json"
	parseMethodRepair = "json_repair"
	parseMethodRegex  = "regex_fallback"
)

// functionCallRe matches the XML-style function-call dialect some
// models emit instead of using the structured tool-call channel:
//
//	<ns:function_call name="move_window">
//	  <parameter name="window_id">w1</parameter>
//	</ns:function_call>
//
// The namespace prefix varies by model, so any word prefix is accepted.
var functionCallRe = regexp.MustCompile(
	`(?s)<(\w+):function_call\s+name="([^"]+)"\s*>(.*?)</(?:\w+):function_call>`)

// parameterRe matches one <parameter name="...">value</parameter> tag
// inside a function-call block.
var parameterRe = regexp.MustCompile(`(?s)<parameter\s+name="([^"]+)"\s*>(.*?)</parameter>`)

// ParseFunctionCallXML extracts every function-call block from content
// and returns them as synthetic tool calls. Parameter values are
// coerced like regex-fallback values (booleans and numbers become
// typed), then the argument map is serialized back to JSON so the
// calls flow through the same dispatch path as structured ones.
// Returns nil when content has no function-call block.
func ParseFunctionCallXML(content string) []llm.ToolCall {
	matches := functionCallRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}

	calls := make([]llm.ToolCall, 0, len(matches))
	for i, m := range matches {
		args := make(map[string]any)
		for _, p := range parameterRe.FindAllStringSubmatch(m[3], -1) {
			args[p[1]] = coerceScalar(strings.TrimSpace(p[2]))
		}
		raw, err := json.Marshal(args)
		if err != nil {
			raw = []byte("{}")
		}
		calls = append(calls, llm.ToolCall{
			ID:        "xmlcall_" + strconv.Itoa(i),
			Name:      m[2],
			Arguments: string(raw),
		})
	}
	return calls
}

// ParseToolArguments decodes a tool call's raw argument string into a
// typed map. It tries strict JSON first, then a repair pass that
// escapes stray quotes, then a best-effort key/value regex extraction.
// The returned method names which stage succeeded. Only when every
// stage produces nothing is ok false; the caller then dispatches with
// an empty map rather than failing the call.
func ParseToolArguments(raw string) (args map[string]any, method string, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" || raw == "null" {
		return map[string]any{}, parseMethodJSON, true
	}

	if err := json.Unmarshal([]byte(raw), &args); err == nil && args != nil {
		return args, parseMethodJSON, true
	}

	if err := json.Unmarshal([]byte(repairJSON(raw)), &args); err == nil && args != nil {
		return args, parseMethodRepair, true
	}

	args = regexExtractArgs(raw)
	if len(args) > 0 {
		return args, parseMethodRegex, true
	}
	return map[string]any{}, parseMethodRegex, false
}

// repairJSON escapes stray double quotes inside string values. A quote
// is considered stray when it appears inside a string but is not
// followed (after whitespace) by a character that can legally come
// after a closing quote.
func repairJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' && inString {
			b.WriteByte(c)
			escaped = true
			continue
		}
		if c != '"' {
			b.WriteByte(c)
			continue
		}

		if !inString {
			inString = true
			b.WriteByte(c)
			continue
		}

		// Inside a string: decide whether this quote closes it.
		if closesString(s, i+1) {
			inString = false
			b.WriteByte(c)
		} else {
			b.WriteString(`\"`)
		}
	}
	return b.String()
}

// closesString reports whether a quote ending at position i-1 is
// plausibly a closing quote, judged by the next non-space character.
func closesString(s string, i int) bool {
	for ; i < len(s); i++ {
		switch s[i] {
		case ' ', '\t', '\n', '\r':
			continue
		case ',', ':', '}', ']':
			return true
		default:
			return false
		}
	}
	return true
}

// keyValueRe extracts key:value pairs from hopeless argument strings.
// Keys may be bare or quoted; values may be double-quoted,
// single-quoted, unterminated-quoted, or bare. The single-quoted
// alternative deliberately excludes commas so an unbalanced quote
// cannot swallow the following pair.
var keyValueRe = regexp.MustCompile(
	`["']?([A-Za-z_][A-Za-z0-9_]*)["']?\s*:\s*(?:"([^"]*)"|'([^',}]*)'|'([^',}]*)|"([^",}]*)|([^,}\n]+))`)

// regexExtractArgs is the last-resort argument parser.
func regexExtractArgs(raw string) map[string]any {
	args := make(map[string]any)
	for _, m := range keyValueRe.FindAllStringSubmatch(raw, -1) {
		key := m[1]
		var val string
		for _, g := range m[2:] {
			if g != "" {
				val = g
				break
			}
		}
		args[key] = coerceScalar(strings.TrimSpace(val))
	}
	return args
}

// coerceScalar turns a textual value into a typed one: booleans,
// integers, and floats become their Go types, everything else stays a
// string.
func coerceScalar(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return float64(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
