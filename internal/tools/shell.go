package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ShellToolNames lists the names treated as shell-style tools even when
// their manifest does not set Shell.
var ShellToolNames = []string{"exec", "shell", "bash", "run_command"}

// IsShellTool reports whether a call with this name and manifest runs a shell command line.
func IsShellTool(name string, m Manifest) bool {
	if m.Shell {
		return true
	}
	for _, n := range ShellToolNames {
		if n == name {
			return true
		}
	}
	return false
}

// ExecTool executes shell commands inside the workspace.
// Authorisation happens before dispatch; the tool only runs what it is given.
type ExecTool struct {
	ws      Workspace
	timeout time.Duration
}

// NewExecTool creates a new ExecTool. A zero timeout defers to the registry.
func NewExecTool(ws Workspace, timeout time.Duration) *ExecTool {
	return &ExecTool{ws: ws, timeout: timeout}
}

func (t *ExecTool) Origin() Origin { return OriginBuiltin }

func (t *ExecTool) Manifest() Manifest {
	return Manifest{
		Name:        "exec",
		Description: "Execute a shell command and return its output.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The shell command to execute",
				},
				"working_dir": map[string]any{
					"type":        "string",
					"description": "Optional working directory for the command",
				},
			},
			"required": []string{"command"},
		},
		TimeoutSeconds: int(t.timeout / time.Second),
		PathArgs:       []string{"working_dir"},
		Shell:          true,
	}
}

func (t *ExecTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	command := GetString(params, "command", "")
	if command == "" {
		return "", errors.New("command is required")
	}
	workingDir := t.ws.Root
	if wd := GetString(params, "working_dir", ""); wd != "" {
		resolved, err := t.ws.Resolve(wd)
		if err != nil {
			return "", err
		}
		workingDir = resolved
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = workingDir
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var result strings.Builder
	if stdout.Len() > 0 {
		result.WriteString(stdout.String())
	}
	if stderr.Len() > 0 {
		if result.Len() > 0 {
			result.WriteString("\n")
		}
		result.WriteString("STDERR:\n")
		result.WriteString(stderr.String())
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return result.String(), &ExitError{Code: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
		}
		return result.String(), fmt.Errorf("executing command: %w", err)
	}
	if result.Len() == 0 {
		return "(no output)", nil
	}
	return result.String(), nil
}
