package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ContainerHandler runs a sidecar tool inside an already running container.
// The JSON-encoded arguments are passed as the final argv element.
type ContainerHandler struct {
	manifest  Manifest
	cli       *client.Client
	container string
	command   []string
	user      string
}

// NewDockerClient connects using the standard DOCKER_* environment.
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return cli, nil
}

// NewContainerHandler creates a handler that execs command in containerName.
func NewContainerHandler(m Manifest, cli *client.Client, containerName string, command []string, user string) (*ContainerHandler, error) {
	if containerName == "" {
		return nil, fmt.Errorf("container tool %s: container is empty", m.Name)
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("container tool %s: command is empty", m.Name)
	}
	return &ContainerHandler{manifest: m, cli: cli, container: containerName, command: command, user: user}, nil
}

func (h *ContainerHandler) Manifest() Manifest { return h.manifest }
func (h *ContainerHandler) Origin() Origin     { return OriginProcess }

func (h *ContainerHandler) Execute(ctx context.Context, args map[string]any) (string, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encoding arguments: %w", err)
	}
	cmd := append(append([]string{}, h.command...), string(payload))

	resp, err := h.cli.ContainerExecCreate(ctx, h.container, container.ExecOptions{
		Cmd:          cmd,
		User:         h.user,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("container %s is not running", h.container)
		}
		return "", fmt.Errorf("create exec: %w", err)
	}

	attachResp, err := h.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return "", fmt.Errorf("attach exec: %w", err)
	}
	defer attachResp.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("read exec output: %w", err)
		}
	case <-ctx.Done():
		attachResp.Close()
		return "", ctx.Err()
	}

	inspect, err := h.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return stdout.String(), fmt.Errorf("inspect exec: %w", err)
	}
	if inspect.ExitCode != 0 {
		return stdout.String(), &ExitError{Code: inspect.ExitCode, Stderr: strings.TrimSpace(stderr.String())}
	}
	return stdout.String(), nil
}
