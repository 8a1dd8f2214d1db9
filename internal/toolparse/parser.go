// Package toolparse extracts tool calls from raw model output.
//
// Two independent scanners run over the same text: one for JSON objects of
// the form {"tool": name, "args": {...}} and one for <tool name="..."> tags.
// Each produces spans; spans nested inside another span are discarded and the
// rest are emitted in the order their closing delimiter appears.
package toolparse

import (
	"fmt"
	"sort"
	"strings"

	"github.com/KafClaw/clawcore/internal/tools"
	"github.com/google/uuid"
)

type span struct {
	start, end int // end is exclusive
	name       string
	args       map[string]any
	syntax     tools.Syntax
}

// Parser turns raw model text into tool calls.
type Parser struct {
	// Known reports whether a tool name is registered. Calls with other
	// names are still returned, marked Unknown.
	Known func(name string) bool
	// NewID generates call ids. Defaults to call_<random>.
	NewID func() string
}

// New returns a parser that tags names rejected by known as unknown.
func New(known func(name string) bool) *Parser {
	return &Parser{Known: known}
}

// Parse extracts every complete tool call in raw. Malformed or truncated
// fragments are skipped. The error is only set on an internal fault.
func (p *Parser) Parse(raw string) (calls []*tools.Call, err error) {
	defer func() {
		if r := recover(); r != nil {
			calls = nil
			err = fmt.Errorf("tool call parser fault: %v", r)
		}
	}()

	spans := append(scanJSON(raw), scanXML(raw)...)
	spans = dropNested(spans)
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].end != spans[j].end {
			return spans[i].end < spans[j].end
		}
		return spans[i].start < spans[j].start
	})

	calls = make([]*tools.Call, 0, len(spans))
	for _, s := range spans {
		c := &tools.Call{
			ID:        p.newID(),
			Name:      s.name,
			Arguments: s.args,
			Syntax:    s.syntax,
			Raw:       raw[s.start:s.end],
		}
		if c.Arguments == nil {
			c.Arguments = map[string]any{}
		}
		if p.Known != nil && !p.Known(c.Name) {
			c.Unknown = true
		}
		calls = append(calls, c)
	}
	return calls, nil
}

func (p *Parser) newID() string {
	if p.NewID != nil {
		return p.NewID()
	}
	return NewCallID()
}

// NewCallID returns a fresh tool call id.
func NewCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// dropNested removes spans that lie entirely inside another span, such as a
// JSON object used as the body of an XML tool tag.
func dropNested(spans []span) []span {
	out := spans[:0:0]
	for i, s := range spans {
		nested := false
		for j, o := range spans {
			if i == j {
				continue
			}
			if o.start <= s.start && s.end <= o.end && (o.start != s.start || o.end != s.end) {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, s)
		}
	}
	return out
}
