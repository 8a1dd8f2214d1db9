package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/KafClaw/clawcore/internal/provider"
	"github.com/KafClaw/clawcore/internal/tools"
)

// summaryPrefix marks the system message that carries the rolling summary of
// trimmed history. Only that message is ever replaced by trimming; other
// system messages are kept as they are.
const summaryPrefix = "Summary of earlier conversation:\n"

// Summarizer condenses messages that are about to leave the history.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []provider.Message) (string, error)
}

// ProviderSummarizer asks the LLM for the summary.
type ProviderSummarizer struct {
	Provider  provider.LLMProvider
	Model     string
	MaxTokens int
}

// Summarize implements Summarizer.
func (s *ProviderSummarizer) Summarize(ctx context.Context, msgs []provider.Message) (string, error) {
	var transcript strings.Builder
	for _, m := range msgs {
		switch {
		case m.Role == provider.RoleTool:
			fmt.Fprintf(&transcript, "[tool result %s] %s\n", m.ToolCallID, clip(m.Content, 500))
		case len(m.ToolCalls) > 0:
			names := make([]string, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				names = append(names, tc.Name)
			}
			fmt.Fprintf(&transcript, "[%s] %s (called: %s)\n", m.Role, clip(m.Content, 500), strings.Join(names, ", "))
		default:
			fmt.Fprintf(&transcript, "[%s] %s\n", m.Role, clip(m.Content, 1000))
		}
	}

	model := s.Model
	if model == "" {
		model = s.Provider.DefaultModel()
	}
	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}
	resp, err := s.Provider.Chat(ctx, &provider.ChatRequest{
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: "Summarize the conversation below in a few short bullet points. Keep file paths, commands, decisions and open tasks. Do not invent anything."},
			{Role: provider.RoleUser, Content: transcript.String()},
		},
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// unit is a run of messages that must be kept or dropped together: an
// assistant message with tool calls plus the tool results answering it, or a
// single plain message.
type unit struct {
	msgs []provider.Message
}

// TrimHistory keeps msgs within budget messages. The oldest non-system units
// are removed first and, when summarizer is set, folded into a single summary
// system message. Tool results are never separated from the assistant message
// that requested them. The most recent unit is always kept even if it alone
// exceeds the budget. A budget <= 0 disables trimming but still repairs pairing.
func TrimHistory(ctx context.Context, msgs []provider.Message, budget int, summarizer Summarizer) ([]provider.Message, error) {
	msgs = repairPairing(msgs)
	if budget <= 0 || len(msgs) <= budget {
		return msgs, nil
	}

	var (
		system  []provider.Message
		summary *provider.Message
		units   []unit
	)
	for i := 0; i < len(msgs); {
		m := msgs[i]
		if m.Role == provider.RoleSystem {
			if strings.HasPrefix(m.Content, summaryPrefix) {
				s := m
				summary = &s
			} else {
				system = append(system, m)
			}
			i++
			continue
		}
		u := unit{msgs: []provider.Message{m}}
		i++
		if m.Role == provider.RoleAssistant && len(m.ToolCalls) > 0 {
			for i < len(msgs) && msgs[i].Role == provider.RoleTool {
				u.msgs = append(u.msgs, msgs[i])
				i++
			}
		}
		units = append(units, u)
	}

	// One slot goes to the summary message whenever something is dropped.
	reserved := len(system) + 1
	kept := 0
	total := 0
	for j := len(units) - 1; j >= 0; j-- {
		n := len(units[j].msgs)
		if kept > 0 && reserved+total+n > budget {
			break
		}
		total += n
		kept++
	}
	cut := len(units) - kept
	if cut == 0 {
		return msgs, nil
	}

	var dropped []provider.Message
	if summary != nil {
		dropped = append(dropped, *summary)
	}
	for _, u := range units[:cut] {
		dropped = append(dropped, u.msgs...)
	}

	out := make([]provider.Message, 0, budget)
	out = append(out, system...)
	if summarizer != nil {
		text, err := summarizer.Summarize(ctx, dropped)
		if err != nil {
			slog.Warn("History summary failed, dropping messages", "dropped", len(dropped), "error", err)
		} else if text != "" {
			out = append(out, provider.Message{Role: provider.RoleSystem, Content: summaryPrefix + text})
		}
	}
	for _, u := range units[cut:] {
		out = append(out, u.msgs...)
	}
	slog.Debug("History trimmed", "before", len(msgs), "after", len(out), "budget", budget)
	return out, nil
}

// repairPairing removes tool results without a matching call and tool calls
// without a result. History can end up unpaired when a turn is cancelled
// halfway or a session file is edited by hand.
func repairPairing(msgs []provider.Message) []provider.Message {
	if err := CheckPairing(msgs); err == nil {
		return msgs
	}

	answered := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == provider.RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}

	out := make([]provider.Message, 0, len(msgs))
	requested := make(map[string]bool)
	for _, m := range msgs {
		switch {
		case m.Role == provider.RoleTool:
			if !requested[m.ToolCallID] {
				continue
			}
		case m.Role == provider.RoleAssistant && len(m.ToolCalls) > 0:
			calls := make([]provider.ToolCall, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				if answered[tc.ID] {
					calls = append(calls, tc)
					requested[tc.ID] = true
				}
			}
			m.ToolCalls = calls
			if len(calls) == 0 && m.Content == "" {
				continue
			}
		}
		out = append(out, m)
	}
	return out
}

// CheckPairing verifies that every tool message answers a preceding assistant
// tool call and every assistant tool call has a tool message.
func CheckPairing(msgs []provider.Message) error {
	requested := make(map[string]bool)
	answered := make(map[string]bool)
	for i, m := range msgs {
		switch {
		case m.Role == provider.RoleTool:
			if !requested[m.ToolCallID] {
				return fmt.Errorf("message %d: tool result %q has no matching call", i, m.ToolCallID)
			}
			answered[m.ToolCallID] = true
		case m.Role == provider.RoleAssistant:
			for _, tc := range m.ToolCalls {
				requested[tc.ID] = true
			}
		}
	}
	for id := range requested {
		if !answered[id] {
			return fmt.Errorf("tool call %q has no result", id)
		}
	}
	return nil
}

func clip(s string, n int) string {
	if cut, ok := tools.Truncate(s, n); ok {
		return cut + "..."
	}
	return s
}
