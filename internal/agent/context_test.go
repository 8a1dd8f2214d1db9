package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KafClaw/clawcore/internal/policy"
	"github.com/KafClaw/clawcore/internal/provider"
	"github.com/KafClaw/clawcore/internal/session"
	"github.com/KafClaw/clawcore/internal/tools"
)

type staticRecaller struct {
	snippets []string
	err      error
	queries  []string
}

func (r *staticRecaller) Recall(_ context.Context, query string) ([]string, error) {
	r.queries = append(r.queries, query)
	return r.snippets, r.err
}

func TestBuildSystemPrompt(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "AGENTS.md"), []byte("Prefer small diffs."), 0o644); err != nil {
		t.Fatal(err)
	}
	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg, ws); err != nil {
		t.Fatal(err)
	}
	b := NewContextBuilder(ws, reg, nil)

	prompt := b.BuildSystemPrompt(policy.ModeSupervised)
	for _, want := range []string{
		"Mode: supervised",
		"## AGENTS.md",
		"Prefer small diffs.",
		"- read_file (read-only):",
		"- exec:",
		`{"tool": "read_file"`,
		ws,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("system prompt missing %q", want)
		}
	}
	if !strings.Contains(b.BuildSystemPrompt(""), "Mode: read-only") {
		t.Error("empty mode should be described as read-only")
	}
}

func TestBuildMessagesInjectsRecallTransiently(t *testing.T) {
	r := &staticRecaller{snippets: []string{"deploys go through make release", " tests live next to code "}}
	b := NewContextBuilder(t.TempDir(), nil, r)
	sess := session.NewSession("cli", "u1", policy.ModeReadOnly)
	sess.AddMessage(provider.Message{Role: "user", Content: "how do I deploy?"})

	msgs := b.BuildMessages(context.Background(), sess, "how do I deploy?")
	if len(msgs) != 3 {
		t.Fatalf("expected system, notes, user; got %d messages", len(msgs))
	}
	if msgs[1].Role != "system" || !strings.Contains(msgs[1].Content, "- deploys go through make release") || !strings.Contains(msgs[1].Content, "- tests live next to code") {
		t.Fatalf("unexpected notes message: %+v", msgs[1])
	}
	if len(sess.History()) != 1 {
		t.Fatal("recalled notes must not be stored in the session")
	}
	if len(r.queries) != 1 || r.queries[0] != "how do I deploy?" {
		t.Fatalf("unexpected recall queries: %v", r.queries)
	}
}

func TestBuildMessagesRecallFailureIsIgnored(t *testing.T) {
	r := &staticRecaller{err: errors.New("index offline")}
	b := NewContextBuilder(t.TempDir(), nil, r)
	sess := session.NewSession("cli", "u1", policy.ModeReadOnly)
	sess.AddMessage(provider.Message{Role: "user", Content: "hi"})

	msgs := b.BuildMessages(context.Background(), sess, "hi")
	if len(msgs) != 2 {
		t.Fatalf("expected system and user only, got %+v", msgs)
	}
}
