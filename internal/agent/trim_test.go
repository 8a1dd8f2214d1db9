package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/KafClaw/clawcore/internal/provider"
)

type fakeSummarizer struct {
	got  []provider.Message
	text string
	err  error
}

func (f *fakeSummarizer) Summarize(_ context.Context, msgs []provider.Message) (string, error) {
	f.got = append(f.got, msgs...)
	return f.text, f.err
}

// conversation builds system, user, then rounds of assistant call + tool result.
func conversation(rounds int) []provider.Message {
	msgs := []provider.Message{
		{Role: "system", Content: "pinned"},
		{Role: "user", Content: "start"},
	}
	for i := 0; i < rounds; i++ {
		id := fmt.Sprintf("call_%d", i)
		msgs = append(msgs,
			provider.Message{Role: "assistant", ToolCalls: []provider.ToolCall{{ID: id, Name: "list_dir"}}},
			provider.Message{Role: "tool", ToolCallID: id, Content: "ok"},
		)
	}
	return msgs
}

func TestTrimHistoryUnderBudgetIsUnchanged(t *testing.T) {
	msgs := conversation(2)
	out, err := TrimHistory(context.Background(), msgs, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(msgs) {
		t.Fatalf("expected %d messages, got %d", len(msgs), len(out))
	}
}

func TestTrimHistoryKeepsPairsAndSystem(t *testing.T) {
	for budget := 3; budget <= 12; budget++ {
		out, err := TrimHistory(context.Background(), conversation(6), budget, nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(out) > budget {
			t.Fatalf("budget %d: got %d messages", budget, len(out))
		}
		if out[0].Role != "system" || out[0].Content != "pinned" {
			t.Fatalf("budget %d: system message dropped: %+v", budget, out[0])
		}
		if err := CheckPairing(out); err != nil {
			t.Fatalf("budget %d: %v", budget, err)
		}
		last := out[len(out)-1]
		if last.ToolCallID != "call_5" {
			t.Fatalf("budget %d: newest result missing, last=%+v", budget, last)
		}
	}
}

func TestTrimHistoryKeepsNewestUnitOverBudget(t *testing.T) {
	msgs := []provider.Message{
		{Role: "user", Content: "old"},
		{Role: "assistant", ToolCalls: []provider.ToolCall{{ID: "a"}, {ID: "b"}, {ID: "c"}}},
		{Role: "tool", ToolCallID: "a"},
		{Role: "tool", ToolCallID: "b"},
		{Role: "tool", ToolCallID: "c"},
	}
	out, err := TrimHistory(context.Background(), msgs, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 4 || out[0].Role != "assistant" {
		t.Fatalf("expected the newest unit intact, got %+v", out)
	}
}

func TestTrimHistorySummarizesDropped(t *testing.T) {
	s := &fakeSummarizer{text: "listed things"}
	out, err := TrimHistory(context.Background(), conversation(6), 6, s)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) > 6 {
		t.Fatalf("got %d messages", len(out))
	}
	if out[1].Role != "system" || !strings.HasPrefix(out[1].Content, summaryPrefix) || !strings.HasSuffix(out[1].Content, "listed things") {
		t.Fatalf("expected summary after pinned system message, got %+v", out[1])
	}
	if len(s.got) == 0 || s.got[0].Content != "start" {
		t.Fatalf("summarizer should see the dropped user message, got %+v", s.got)
	}

	// A second trim folds the previous summary into the new one.
	s2 := &fakeSummarizer{text: "again"}
	next := append(out, conversation(3)[2:]...)
	out2, err := TrimHistory(context.Background(), next, 6, s2)
	if err != nil {
		t.Fatal(err)
	}
	summaries := 0
	for _, m := range out2 {
		if strings.HasPrefix(m.Content, summaryPrefix) {
			summaries++
		}
	}
	if summaries != 1 {
		t.Fatalf("expected exactly one summary, got %d", summaries)
	}
	if !strings.HasPrefix(s2.got[0].Content, summaryPrefix) {
		t.Fatalf("previous summary should be summarized again, got %+v", s2.got[0])
	}
}

func TestTrimHistorySummaryFailureDropsOnly(t *testing.T) {
	s := &fakeSummarizer{err: errors.New("model down")}
	out, err := TrimHistory(context.Background(), conversation(6), 6, s)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range out {
		if strings.HasPrefix(m.Content, summaryPrefix) {
			t.Fatal("no summary expected when the summarizer fails")
		}
	}
	if err := CheckPairing(out); err != nil {
		t.Fatal(err)
	}
}

func TestTrimHistoryRepairsPairing(t *testing.T) {
	msgs := []provider.Message{
		{Role: "tool", ToolCallID: "orphan", Content: "lost"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "trying", ToolCalls: []provider.ToolCall{{ID: "x"}, {ID: "y"}}},
		{Role: "tool", ToolCallID: "x", Content: "ok"},
		{Role: "assistant", ToolCalls: []provider.ToolCall{{ID: "z"}}},
	}
	if err := CheckPairing(msgs); err == nil {
		t.Fatal("expected pairing error")
	}
	out, err := TrimHistory(context.Background(), msgs, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := CheckPairing(out); err != nil {
		t.Fatalf("repair failed: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected user, assistant(x), tool(x), got %+v", out)
	}
	if len(out[1].ToolCalls) != 1 || out[1].ToolCalls[0].ID != "x" {
		t.Fatalf("unanswered call not stripped: %+v", out[1].ToolCalls)
	}
}

func TestCheckPairing(t *testing.T) {
	tests := []struct {
		name string
		msgs []provider.Message
		ok   bool
	}{
		{"empty", nil, true},
		{"paired", conversation(2), true},
		{"result before call", []provider.Message{
			{Role: "tool", ToolCallID: "a"},
			{Role: "assistant", ToolCalls: []provider.ToolCall{{ID: "a"}}},
		}, false},
		{"missing result", []provider.Message{
			{Role: "assistant", ToolCalls: []provider.ToolCall{{ID: "a"}}},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckPairing(tt.msgs)
			if (err == nil) != tt.ok {
				t.Fatalf("CheckPairing() err=%v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestProviderSummarizer(t *testing.T) {
	p := &scriptedProvider{fn: func(_ int, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		if !strings.Contains(req.Messages[1].Content, "called: list_dir") {
			t.Errorf("transcript missing tool call: %q", req.Messages[1].Content)
		}
		return &provider.ChatResponse{Content: "  - listed the workspace \n"}, nil
	}}
	s := &ProviderSummarizer{Provider: p}
	got, err := s.Summarize(context.Background(), conversation(1))
	if err != nil {
		t.Fatal(err)
	}
	if got != "- listed the workspace" {
		t.Fatalf("unexpected summary %q", got)
	}
	if p.requests[0].Model != "mock-model" {
		t.Fatalf("expected default model, got %q", p.requests[0].Model)
	}
}
