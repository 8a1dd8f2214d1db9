package toolparse

import (
	"encoding/json"
	"strings"

	"github.com/KafClaw/clawcore/internal/tools"
)

var (
	nameKeys = []string{"tool", "tool_name", "name"}
	argKeys  = []string{"args", "arguments", "parameters", "input"}
)

// scanJSON finds balanced JSON objects that look like tool calls.
// An accepted object is not rescanned for nested objects.
func scanJSON(text string) []span {
	var out []span
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		end, ok := matchBrace(text, i)
		if !ok {
			continue
		}
		name, args, ok := decodeJSONCall(text[i : end+1])
		if !ok {
			continue
		}
		out = append(out, span{start: i, end: end + 1, name: name, args: args, syntax: tools.SyntaxJSON})
		i = end
	}
	return out
}

// matchBrace returns the index of the brace closing the object opened at
// start, honouring JSON string literals and escapes.
func matchBrace(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func decodeJSONCall(obj string) (string, map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal([]byte(obj), &m); err != nil {
		return "", nil, false
	}

	// OpenAI-style {"function": {"name": ..., "arguments": "..."}}
	if fn, ok := m["function"].(map[string]any); ok {
		m = fn
	}

	args, hasArgs, ok := extractArgs(m)
	if !ok {
		return "", nil, false
	}

	for _, key := range nameKeys {
		v, present := m[key]
		if !present {
			continue
		}
		name, isString := v.(string)
		name = strings.TrimSpace(name)
		if !isString || name == "" {
			return "", nil, false
		}
		// A bare {"name": ...} is too common in ordinary JSON to count as a call.
		if key == "name" && !hasArgs {
			return "", nil, false
		}
		if args == nil {
			args = map[string]any{}
		}
		return name, args, true
	}
	return "", nil, false
}

// extractArgs reports the argument object, whether an args key was present,
// and whether the shape is acceptable.
func extractArgs(m map[string]any) (map[string]any, bool, bool) {
	for _, key := range argKeys {
		v, present := m[key]
		if !present {
			continue
		}
		switch a := v.(type) {
		case map[string]any:
			return a, true, true
		case nil:
			return map[string]any{}, true, true
		case string:
			// Function-calling APIs encode arguments as a JSON string.
			var decoded map[string]any
			if strings.TrimSpace(a) == "" {
				return map[string]any{}, true, true
			}
			if err := json.Unmarshal([]byte(a), &decoded); err != nil {
				return nil, true, false
			}
			return decoded, true, true
		default:
			return nil, true, false
		}
	}
	return nil, false, true
}
