package tools

import (
	"encoding/json"
	"sync"
)

// RiskTier classifies the potential harm of a proposed tool call.
type RiskTier int

const (
	RiskUnassigned RiskTier = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskBlocked
)

func (t RiskTier) String() string {
	switch t {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskBlocked:
		return "blocked"
	default:
		return "unassigned"
	}
}

// MarshalJSON renders the tier by name so audit records stay readable.
func (t RiskTier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts the names produced by MarshalJSON.
func (t *RiskTier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = ParseRiskTier(s)
	return nil
}

// ParseRiskTier maps a tier name back to its value. Unrecognised names map to RiskUnassigned.
func ParseRiskTier(s string) RiskTier {
	switch s {
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	case "blocked":
		return RiskBlocked
	}
	return RiskUnassigned
}

// Syntax records how a tool call was expressed in model output.
type Syntax string

const (
	SyntaxJSON   Syntax = "json"
	SyntaxXML    Syntax = "xml"
	SyntaxNative Syntax = "native"
)

// Call is one structured tool invocation extracted from a model response.
// The risk tier is assigned once; later assignments are ignored.
type Call struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Syntax    Syntax         `json:"sourceSyntax"`
	// Unknown is set when the name was not registered at parse time.
	Unknown bool `json:"unknown,omitempty"`
	// Raw is the exact text span the call was extracted from.
	Raw string `json:"-"`

	tierOnce sync.Once
	tier     RiskTier
}

// Tier returns the assigned risk tier, or RiskUnassigned.
func (c *Call) Tier() RiskTier {
	return c.tier
}

// AssignTier sets the risk tier the first time it is called.
// It reports whether this call performed the assignment.
func (c *Call) AssignTier(t RiskTier) bool {
	assigned := false
	c.tierOnce.Do(func() {
		c.tier = t
		assigned = true
	})
	return assigned
}

// ArgumentsJSON renders the arguments for logs and approval prompts.
func (c *Call) ArgumentsJSON() string {
	if len(c.Arguments) == 0 {
		return "{}"
	}
	data, err := json.Marshal(c.Arguments)
	if err != nil {
		return "{}"
	}
	return string(data)
}
