package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/KafClaw/clawcore/internal/audit"
	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/policy"
	"github.com/KafClaw/clawcore/internal/tools"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	classifyMode string
	classifyTool string
	classifyArgs string
)

var classifyCmd = &cobra.Command{
	Use:   "classify [command...]",
	Short: "Show the risk tier and policy decision for a command or tool call",
	Long: "Runs the security policy on a proposed call without executing it.\n" +
		"With no --tool the arguments form a shell command for the exec tool.",
	RunE: runClassify,
}

func init() {
	classifyCmd.Flags().StringVar(&classifyMode, "mode", "", "Autonomy mode (defaults to the configured mode)")
	classifyCmd.Flags().StringVar(&classifyTool, "tool", "", "Tool name to evaluate instead of exec")
	classifyCmd.Flags().StringVar(&classifyArgs, "args", "", "Tool arguments as a JSON object")
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	mode, err := cfg.Agent.Mode()
	if err != nil {
		return err
	}
	if classifyMode != "" {
		if mode, err = policy.ParseMode(classifyMode); err != nil {
			return err
		}
	}

	call, err := classifyCall(classifyTool, classifyArgs, args)
	if err != nil {
		return err
	}

	reg, loader, err := newRegistry(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer loader.Close()

	// Nothing is audited and no approval is requested: the Nop sink
	// and the nil approval manager keep this a dry run.
	pol := policy.New(policy.Options{
		Workspace: cfg.Paths.Workspace,
		Manifests: reg,
		Audit:     audit.Nop{},
	})
	out := cmd.OutOrStdout()
	if !reg.Has(call.Name) {
		d := pol.Reject(context.Background(), "classify", call, "tool not found: "+call.Name)
		fmt.Fprintf(out, "Decision: %s (%s)\n", verdictStyle(string(d.Verdict)).Render(string(d.Verdict)), d.Reason)
		return nil
	}
	d := pol.Evaluate(context.Background(), policy.SessionRef{ID: "classify", Mode: mode}, call)

	fmt.Fprintf(out, "Tool:     %s\n", call.Name)
	fmt.Fprintf(out, "Args:     %s\n", call.ArgumentsJSON())
	fmt.Fprintf(out, "Mode:     %s\n", mode)
	fmt.Fprintf(out, "Tier:     %s\n", tierColor(d.Tier))
	fmt.Fprintf(out, "Decision: %s\n", verdictStyle(string(d.Verdict)).Render(string(d.Verdict)))
	if d.Reason != "" {
		fmt.Fprintf(out, "Reason:   %s\n", d.Reason)
	}
	return nil
}

func classifyCall(tool, rawArgs string, words []string) (*tools.Call, error) {
	call := &tools.Call{ID: "call_" + uuid.NewString()[:8], Syntax: tools.SyntaxNative}
	if tool == "" {
		command := strings.TrimSpace(strings.Join(words, " "))
		if command == "" {
			return nil, errors.New("a command or --tool is required")
		}
		call.Name = "exec"
		call.Arguments = map[string]any{"command": command}
		return call, nil
	}
	call.Name = tool
	call.Arguments = map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &call.Arguments); err != nil {
			return nil, fmt.Errorf("--args must be a JSON object: %w", err)
		}
	}
	return call, nil
}
