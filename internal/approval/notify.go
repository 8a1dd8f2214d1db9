package approval

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/KafClaw/clawcore/internal/tools"
	"github.com/fatih/color"
	"github.com/slack-go/slack"
	"golang.org/x/term"
)

// FormatPrompt renders a request the way chat channels show it.
func FormatPrompt(r Request) string {
	return fmt.Sprintf("Tool %q (%s risk) requires approval.\nArgs: %s\nReply approve:%s or deny:%s",
		r.Name, r.RiskTier, argsPreview(r.Arguments, 200), r.ID, r.ID)
}

func argsPreview(args map[string]any, limit int) string {
	if len(args) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	s := strings.Join(parts, ", ")
	if cut, ok := tools.Truncate(s, limit); ok {
		return cut + "..."
	}
	return s
}

// ParseChatResponse recognises "approve:<id>" and "deny:<id>" replies.
func ParseChatResponse(content string) (id string, approved bool, ok bool) {
	content = strings.TrimSpace(content)
	lower := strings.ToLower(content)
	switch {
	case strings.HasPrefix(lower, "approve:"):
		id = strings.TrimSpace(content[len("approve:"):])
		return id, true, id != ""
	case strings.HasPrefix(lower, "deny:"):
		id = strings.TrimSpace(content[len("deny:"):])
		return id, false, id != ""
	}
	return "", false, false
}

// SlackNotifier posts new approval requests to a Slack channel.
type SlackNotifier struct {
	api     *slack.Client
	channel string
}

// NewSlackNotifier builds a notifier from a bot token. apiBase may be empty.
func NewSlackNotifier(token, channel, apiBase string) (*SlackNotifier, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("missing slack bot token")
	}
	if strings.TrimSpace(channel) == "" {
		return nil, errors.New("missing slack channel")
	}
	opts := []slack.Option{}
	if base := strings.TrimSpace(apiBase); base != "" {
		opts = append(opts, slack.OptionAPIURL(strings.TrimRight(base, "/")+"/"))
	}
	return &SlackNotifier{api: slack.New(token, opts...), channel: channel}, nil
}

// Attach subscribes the notifier to m.
func (n *SlackNotifier) Attach(m *Manager) func() {
	return m.Subscribe(n.handle)
}

func (n *SlackNotifier) handle(r Request) {
	text := FormatPrompt(r)
	if r.Outcome != Pending {
		text = fmt.Sprintf("Approval %s for tool %q: %s", r.ID, r.Name, r.Outcome)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false)); err != nil {
		slog.Warn("Approval: slack notify failed", "id", r.ID, "error", err)
	}
}

// IsInteractive reports whether stdin is a terminal.
func IsInteractive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// TerminalPrompter asks on a terminal for each pending request.
type TerminalPrompter struct {
	m      *Manager
	reader *bufio.Reader
	out    io.Writer
}

// NewTerminalPrompter reads answers from in and writes prompts to out.
func NewTerminalPrompter(m *Manager, in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{m: m, reader: bufio.NewReader(in), out: out}
}

// Attach subscribes the prompter to its manager.
func (p *TerminalPrompter) Attach() func() {
	return p.m.Subscribe(p.handle)
}

func (p *TerminalPrompter) handle(r Request) {
	if r.Outcome != Pending {
		return
	}
	warn := color.New(color.FgYellow, color.Bold).SprintFunc()
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, warn("APPROVAL REQUIRED"))
	fmt.Fprintf(p.out, "Tool:    %s\n", r.Name)
	fmt.Fprintf(p.out, "Risk:    %s\n", r.RiskTier)
	fmt.Fprintf(p.out, "Args:    %s\n", argsPreview(r.Arguments, 400))
	if r.Reason != "" {
		fmt.Fprintf(p.out, "Reason:  %s\n", r.Reason)
	}
	fmt.Fprintf(p.out, "Expires: %s\n", r.ExpiresAt.Format(time.Kitchen))

	for {
		fmt.Fprint(p.out, "Your choice [a/d]: ")
		input, err := p.reader.ReadString('\n')
		if err != nil && strings.TrimSpace(input) == "" {
			_ = p.m.Resolve(r.ID, Denied)
			return
		}
		var approved bool
		switch strings.ToLower(strings.TrimSpace(input)) {
		case "a", "approve", "yes", "y":
			approved = true
		case "d", "deny", "no", "n":
			approved = false
		default:
			fmt.Fprintln(p.out, "Invalid input. Please enter 'a' to approve or 'd' to deny.")
			continue
		}
		if err := p.m.Respond(r.ID, approved); err != nil {
			fmt.Fprintln(p.out, color.RedString("Request already resolved."))
		}
		return
	}
}
