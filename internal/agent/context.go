package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/KafClaw/clawcore/internal/policy"
	"github.com/KafClaw/clawcore/internal/provider"
	"github.com/KafClaw/clawcore/internal/session"
	"github.com/KafClaw/clawcore/internal/tools"
)

// BootstrapFiles are read from the workspace root into the system prompt when present.
var BootstrapFiles = []string{"AGENTS.md", "TOOLS.md"}

// Recaller looks up notes relevant to a query. It is read-only.
type Recaller interface {
	Recall(ctx context.Context, query string) ([]string, error)
}

// ContextBuilder assembles the system prompt and messages.
type ContextBuilder struct {
	workspace   string
	registry    *tools.Registry
	recaller    Recaller
	recallLimit int
}

// NewContextBuilder creates a new ContextBuilder. recaller may be nil.
func NewContextBuilder(workspace string, registry *tools.Registry, recaller Recaller) *ContextBuilder {
	return &ContextBuilder{
		workspace:   workspace,
		registry:    registry,
		recaller:    recaller,
		recallLimit: 5,
	}
}

// BuildSystemPrompt constructs the full system prompt for a session mode.
func (b *ContextBuilder) BuildSystemPrompt(mode policy.Mode) string {
	var parts []string

	// 1. Core Identity & Runtime Info
	parts = append(parts, b.getIdentity(mode))

	// 2. Bootstrap Files
	if bootstrap := b.loadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}

	// 3. Tools
	if summary := b.buildToolSummary(); summary != "" {
		parts = append(parts, "# Tools\n\n"+summary)
	}

	return strings.Join(parts, "\n\n---\n\n")
}

// BuildMessages returns the request messages for one model call: the system
// prompt, recalled notes for query (not stored in the session) and the history.
func (b *ContextBuilder) BuildMessages(ctx context.Context, sess *session.Session, query string) []provider.Message {
	history := sess.History()
	msgs := make([]provider.Message, 0, len(history)+2)
	msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: b.BuildSystemPrompt(sess.Mode)})
	if notes := b.recall(ctx, query); notes != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: notes})
	}
	return append(msgs, history...)
}

func (b *ContextBuilder) recall(ctx context.Context, query string) string {
	if b.recaller == nil || strings.TrimSpace(query) == "" {
		return ""
	}
	snippets, err := b.recaller.Recall(ctx, query)
	if err != nil {
		slog.Warn("Recall failed", "error", err)
		return ""
	}
	if len(snippets) == 0 {
		return ""
	}
	if len(snippets) > b.recallLimit {
		snippets = snippets[:b.recallLimit]
	}
	var sb strings.Builder
	sb.WriteString("# Relevant notes\n")
	for _, s := range snippets {
		sb.WriteString("- ")
		sb.WriteString(strings.TrimSpace(s))
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *ContextBuilder) getIdentity(mode policy.Mode) string {
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	runtimeInfo := fmt.Sprintf("%s %s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())

	return fmt.Sprintf(`# clawcore

You are clawcore, an assistant that works inside a workspace by calling tools.

## Current Time
%s

## Runtime
%s

## Workspace
Your workspace is at: %s
File and shell access outside it is refused.

## Autonomy
%s

## Calling tools
Use native function calls when they are available. Otherwise write one call per block, either as JSON:
{"tool": "read_file", "args": {"path": "README.md"}}
or as a tag:
<tool name="read_file"><arg name="path">README.md</arg></tool>
Each call gets a tool result. A result starting with "Policy denied:" means the call was refused; read the reason and change your approach instead of repeating it.
Shell commands must be a single command: pipes, redirects, command substitution and chaining with ; && || are refused.

When the task is done, reply with plain text and no tool calls.
`, now, runtimeInfo, b.workspacePath(), modeDescription(mode))
}

func modeDescription(mode policy.Mode) string {
	switch mode {
	case policy.ModeFull:
		return "Mode: full. Tool calls run without confirmation, subject to an hourly rate limit. Blocked commands are always refused."
	case policy.ModeSupervised:
		return "Mode: supervised. Read-only calls run directly. Anything else waits for a human to approve it."
	default:
		return "Mode: read-only. Only read-only calls are allowed. Writing files or running mutating commands is refused."
	}
}

func (b *ContextBuilder) workspacePath() string {
	wsPath := b.workspace
	if strings.HasPrefix(wsPath, "~") {
		home, _ := os.UserHomeDir()
		wsPath = filepath.Join(home, wsPath[1:])
	}
	if abs, err := filepath.Abs(wsPath); err == nil {
		wsPath = abs
	}
	return wsPath
}

func (b *ContextBuilder) loadBootstrapFiles() string {
	if b.workspace == "" {
		return ""
	}
	wsPath := b.workspacePath()

	var parts []string
	for _, filename := range BootstrapFiles {
		content, err := os.ReadFile(filepath.Join(wsPath, filename))
		if err == nil {
			parts = append(parts, fmt.Sprintf("## %s\n\n%s", filename, strings.TrimSpace(string(content))))
		}
	}
	return strings.Join(parts, "\n\n")
}

func (b *ContextBuilder) buildToolSummary() string {
	if b.registry == nil {
		return ""
	}
	handlers := b.registry.List()
	if len(handlers) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("You have the following tools available:\n")
	for _, h := range handlers {
		m := h.Manifest()
		tag := ""
		if m.ReadOnly {
			tag = " (read-only)"
		}
		sb.WriteString(fmt.Sprintf("- %s%s: %s\n", m.Name, tag, m.Description))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// toolDefinitions converts registry definitions into provider tool specs.
func toolDefinitions(r *tools.Registry) []provider.ToolDefinition {
	if r == nil {
		return nil
	}
	defs := r.Definitions()
	out := make([]provider.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, provider.ToolDefinition{
			Type: "function",
			Function: provider.FunctionDef{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}
