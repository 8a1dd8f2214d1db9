package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ProcessHandler runs a native sidecar binary once per call. The call is
// written to stdin as JSON and stdout becomes the tool output.
type ProcessHandler struct {
	manifest Manifest
	command  []string
	env      []string
	dir      string
}

// NewProcessHandler creates a handler for command. env entries use KEY=VALUE form.
func NewProcessHandler(m Manifest, command []string, env []string, dir string) (*ProcessHandler, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("process tool %s: command is empty", m.Name)
	}
	return &ProcessHandler{manifest: m, command: command, env: env, dir: dir}, nil
}

func (h *ProcessHandler) Manifest() Manifest { return h.manifest }
func (h *ProcessHandler) Origin() Origin     { return OriginProcess }

type processRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

func (h *ProcessHandler) Execute(ctx context.Context, args map[string]any) (string, error) {
	payload, err := json.Marshal(processRequest{Tool: h.manifest.Name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("encoding arguments: %w", err)
	}

	cmd := exec.CommandContext(ctx, h.command[0], h.command[1:]...)
	cmd.Dir = h.dir
	cmd.Env = append(os.Environ(), h.env...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return stdout.String(), &ExitError{Code: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
		}
		return stdout.String(), fmt.Errorf("running %s: %w", h.command[0], err)
	}
	return stdout.String(), nil
}
