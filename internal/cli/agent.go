package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/KafClaw/clawcore/internal/agent"
	"github.com/KafClaw/clawcore/internal/approval"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	agentMessage string
	agentSession string
	agentMode    string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run one agent turn from the terminal",
	RunE:  runAgent,
}

func init() {
	agentCmd.Flags().StringVarP(&agentMessage, "message", "m", "", "Message to send to the agent")
	agentCmd.Flags().StringVarP(&agentSession, "session", "s", "cli:default", "Session as <channel>:<peer>")
	agentCmd.Flags().StringVar(&agentMode, "mode", "", "Autonomy mode for a new session (readonly, supervised, full)")
}

// splitSession parses "<channel>:<peer>". A bare value is a cli peer.
func splitSession(s string) (channel, peer string, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", errors.New("session is empty")
	}
	channel, peer, ok := strings.Cut(s, ":")
	if !ok {
		return "cli", s, nil
	}
	if channel == "" || peer == "" {
		return "", "", fmt.Errorf("invalid session %q, want <channel>:<peer>", s)
	}
	return channel, peer, nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(agentMessage) == "" {
		return errors.New("--message is required")
	}
	channel, peer, err := splitSession(agentSession)
	if err != nil {
		return err
	}

	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, agentMode)
	if err != nil {
		return err
	}
	defer rt.Close()

	out := cmd.OutOrStdout()
	if approval.IsInteractive() {
		detach := approval.NewTerminalPrompter(rt.approvals, os.Stdin, out).Attach()
		defer detach()
	} else {
		fmt.Fprintln(cmd.ErrOrStderr(), color.YellowString("stdin is not a terminal: approval requests will time out"))
	}

	fmt.Fprintf(out, "🤖 clawcore (%s, %s)\n", cfg.Model.Name, rt.mode)
	fmt.Fprintln(out, "Thinking...")

	res, err := rt.loop.ProcessRequest(ctx, agent.Request{Channel: channel, PeerID: peer, Content: agentMessage})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return errors.New("interrupted")
		}
		return err
	}

	fmt.Fprintln(out, "\n"+res.Content)
	if res.State != agent.StateCompleted {
		fmt.Fprintf(out, "\n%s after %d iterations\n", verdictStyle(string(res.State)).Render(string(res.State)), res.Iterations)
	}
	return nil
}
