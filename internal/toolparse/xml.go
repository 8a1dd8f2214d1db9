package toolparse

import (
	"encoding/json"
	"strings"

	"github.com/KafClaw/clawcore/internal/tools"
)

var entityReplacer = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
	"&amp;", "&",
)

// scanXML finds <tool name="..."> ... </tool> and <tool name="..."/> tags.
// Matching is case-insensitive and tolerant of attribute quoting.
func scanXML(text string) []span {
	lower := asciiLower(text)
	var out []span
	i := 0
	for i < len(text) {
		idx := strings.Index(lower[i:], "<tool")
		if idx < 0 {
			break
		}
		start := i + idx
		after := start + len("<tool")
		if after >= len(text) {
			break
		}
		if !isTagBoundary(text[after]) {
			i = after
			continue
		}

		attrs, tagEnd, selfClosing, ok := parseOpenTag(text, after)
		if !ok {
			i = after
			continue
		}
		name := strings.TrimSpace(attrs["name"])
		delete(attrs, "name")

		if selfClosing {
			if name != "" {
				out = append(out, span{start: start, end: tagEnd, name: name, args: attrArgs(attrs), syntax: tools.SyntaxXML})
			}
			i = tagEnd
			continue
		}

		closeIdx := strings.Index(lower[tagEnd:], "</tool>")
		if closeIdx < 0 {
			i = tagEnd
			continue
		}
		// An open tag without its own close: the next tool tag starts over.
		if nested := indexToolOpen(lower[tagEnd : tagEnd+closeIdx]); nested >= 0 {
			i = tagEnd + nested
			continue
		}
		body := text[tagEnd : tagEnd+closeIdx]
		end := tagEnd + closeIdx + len("</tool>")
		i = end
		if name == "" {
			continue
		}
		args, ok := parseBody(body)
		if !ok {
			continue
		}
		for k, v := range attrArgs(attrs) {
			if _, exists := args[k]; !exists {
				args[k] = v
			}
		}
		out = append(out, span{start: start, end: end, name: name, args: args, syntax: tools.SyntaxXML})
	}
	return out
}

// indexToolOpen returns the offset of the first <tool open tag in lower, or -1.
func indexToolOpen(lower string) int {
	off := 0
	for {
		idx := strings.Index(lower[off:], "<tool")
		if idx < 0 {
			return -1
		}
		pos := off + idx
		after := pos + len("<tool")
		if after < len(lower) && isTagBoundary(lower[after]) {
			return pos
		}
		off = after
	}
}

// asciiLower folds only ASCII letters so byte offsets stay aligned with the input.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func isTagBoundary(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '>' || c == '/'
}

// parseOpenTag reads attributes from pos up to the closing '>' and returns
// the offset just past it. Quoted values may contain '>'.
func parseOpenTag(text string, pos int) (map[string]string, int, bool, bool) {
	attrs := map[string]string{}
	i := pos
	for i < len(text) {
		c := text[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '>':
			return attrs, i + 1, false, true
		case c == '/' && i+1 < len(text) && text[i+1] == '>':
			return attrs, i + 2, true, true
		case c == '/':
			i++
		default:
			keyStart := i
			for i < len(text) && !strings.ContainsRune(" \t\r\n=>/", rune(text[i])) {
				i++
			}
			key := asciiLower(text[keyStart:i])
			for i < len(text) && (text[i] == ' ' || text[i] == '\t') {
				i++
			}
			if i >= len(text) || text[i] != '=' {
				if key != "" {
					attrs[key] = ""
				}
				continue
			}
			i++
			for i < len(text) && (text[i] == ' ' || text[i] == '\t') {
				i++
			}
			if i >= len(text) {
				return nil, 0, false, false
			}
			var val string
			if q := text[i]; q == '"' || q == '\'' {
				endQ := strings.IndexByte(text[i+1:], q)
				if endQ < 0 {
					return nil, 0, false, false
				}
				val = text[i+1 : i+1+endQ]
				i = i + 1 + endQ + 1
			} else {
				valStart := i
				for i < len(text) && !strings.ContainsRune(" \t\r\n>", rune(text[i])) {
					if text[i] == '/' && i+1 < len(text) && text[i+1] == '>' {
						break
					}
					i++
				}
				val = text[valStart:i]
			}
			if key != "" {
				attrs[key] = entityReplacer.Replace(val)
			}
		}
	}
	return nil, 0, false, false
}

func attrArgs(attrs map[string]string) map[string]any {
	args := make(map[string]any, len(attrs))
	for k, v := range attrs {
		args[k] = v
	}
	return args
}

// parseBody reads <arg name="k">v</arg> / <arg name="k" value="v"/> children,
// or a JSON object body when there are no arg tags. An unterminated arg
// invalidates the whole call.
func parseBody(body string) (map[string]any, bool) {
	lower := asciiLower(body)
	args := map[string]any{}
	found := false
	i := 0
	for i < len(body) {
		idx, tag := nextArgTag(lower[i:])
		if idx < 0 {
			break
		}
		start := i + idx
		attrs, tagEnd, selfClosing, ok := parseOpenTag(body, start+1+len(tag))
		if !ok {
			return nil, false
		}
		key := attrs["name"]
		if selfClosing {
			if key != "" {
				args[key] = attrs["value"]
				found = true
			}
			i = tagEnd
			continue
		}
		closeTag := "</" + tag + ">"
		closeIdx := strings.Index(lower[tagEnd:], closeTag)
		if closeIdx < 0 {
			return nil, false
		}
		if key != "" {
			args[key] = entityReplacer.Replace(body[tagEnd : tagEnd+closeIdx])
			found = true
		}
		i = tagEnd + closeIdx + len(closeTag)
	}
	if found {
		return args, true
	}

	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			return obj, true
		}
	}
	return args, true
}

// nextArgTag finds the next <arg or <param tag and returns its offset and name.
func nextArgTag(lower string) (int, string) {
	best, bestTag := -1, ""
	for _, tag := range []string{"arg", "param"} {
		off := 0
		for {
			idx := strings.Index(lower[off:], "<"+tag)
			if idx < 0 {
				break
			}
			pos := off + idx
			after := pos + 1 + len(tag)
			if after < len(lower) && isTagBoundary(lower[after]) {
				if best < 0 || pos < best {
					best, bestTag = pos, tag
				}
				break
			}
			off = after
		}
	}
	return best, bestTag
}
