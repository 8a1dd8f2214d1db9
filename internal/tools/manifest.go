package tools

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/docker/docker/client"
	"gopkg.in/yaml.v3"
)

// Module transports.
const (
	TransportProcess   = "process"
	TransportMCP       = "mcp"
	TransportContainer = "container"
)

// ModuleTool is one tool entry in a module manifest.
type ModuleTool struct {
	Manifest   `yaml:",inline"`
	RemoteName string `yaml:"remoteName"`
}

// ModuleManifest describes a sidecar module and the tools it exposes.
type ModuleManifest struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	Command   []string          `yaml:"command"`
	Env       map[string]string `yaml:"env"`
	Container string            `yaml:"container"`
	User      string            `yaml:"user"`
	// NetworkAllowed and TimeoutSeconds apply to tools that do not set their own.
	NetworkAllowed bool         `yaml:"networkAllowed"`
	TimeoutSeconds int          `yaml:"timeoutSeconds"`
	Tools          []ModuleTool `yaml:"tools"`
}

// ParseModuleManifest decodes and validates one manifest document.
func ParseModuleManifest(data []byte) (*ModuleManifest, error) {
	var m ModuleManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse module manifest: %w", err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("module manifest: name is required")
	}
	if m.Transport == "" {
		m.Transport = TransportProcess
	}
	switch m.Transport {
	case TransportProcess, TransportMCP, TransportContainer:
	default:
		return nil, fmt.Errorf("module %s: unknown transport %q", m.Name, m.Transport)
	}
	if len(m.Command) == 0 {
		return nil, fmt.Errorf("module %s: command is required", m.Name)
	}
	if m.Transport != TransportMCP && len(m.Tools) == 0 {
		return nil, fmt.Errorf("module %s: at least one tool is required", m.Name)
	}
	for i := range m.Tools {
		t := &m.Tools[i]
		if t.Name == "" {
			return nil, fmt.Errorf("module %s: tool %d has no name", m.Name, i)
		}
		if !t.NetworkAllowed {
			t.NetworkAllowed = m.NetworkAllowed
		}
		if t.TimeoutSeconds == 0 {
			t.TimeoutSeconds = m.TimeoutSeconds
		}
	}
	return &m, nil
}

func (m *ModuleManifest) envList() []string {
	keys := make([]string, 0, len(m.Env))
	for k := range m.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m.Env[k])
	}
	return out
}

// ModuleLoader registers sidecar modules into a registry.
type ModuleLoader struct {
	Registry  *Registry
	Workspace string
	// Docker is created lazily for container modules when nil.
	Docker *client.Client

	closers []io.Closer
}

// LoadDir registers every *.yaml / *.yml manifest in dir. A missing dir is not an error.
// Manifests that fail to load are logged and skipped.
func (l *ModuleLoader) LoadDir(ctx context.Context, dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	loaded := 0
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("Module manifest unreadable", "path", path, "error", err)
			continue
		}
		m, err := ParseModuleManifest(data)
		if err != nil {
			slog.Warn("Module manifest invalid", "path", path, "error", err)
			continue
		}
		n, err := l.Load(ctx, m)
		if err != nil {
			slog.Warn("Module failed to load", "module", m.Name, "error", err)
			continue
		}
		slog.Info("Module loaded", "module", m.Name, "transport", m.Transport, "tools", n)
		loaded += n
	}
	return loaded, nil
}

// Load registers the tools of a single module and returns how many were added.
func (l *ModuleLoader) Load(ctx context.Context, m *ModuleManifest) (int, error) {
	switch m.Transport {
	case TransportProcess:
		return l.loadProcess(m)
	case TransportMCP:
		return l.loadMCP(ctx, m)
	case TransportContainer:
		return l.loadContainer(m)
	}
	return 0, fmt.Errorf("unknown transport %q", m.Transport)
}

func (l *ModuleLoader) loadProcess(m *ModuleManifest) (int, error) {
	n := 0
	for _, t := range m.Tools {
		h, err := NewProcessHandler(t.Manifest, m.Command, m.envList(), l.Workspace)
		if err != nil {
			return n, err
		}
		if err := l.Registry.Register(h); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (l *ModuleLoader) loadMCP(ctx context.Context, m *ModuleManifest) (int, error) {
	c := NewMCPClient(m.Name, m.Command, m.envList())
	toolsToRegister := m.Tools
	if len(toolsToRegister) == 0 {
		remote, err := c.ListTools(ctx)
		if err != nil {
			_ = c.Close()
			return 0, fmt.Errorf("discover tools: %w", err)
		}
		for _, rt := range remote {
			toolsToRegister = append(toolsToRegister, ModuleTool{
				Manifest: Manifest{
					Name:           rt.Name,
					Description:    rt.Description,
					InputSchema:    rt.InputSchema,
					NetworkAllowed: m.NetworkAllowed,
					TimeoutSeconds: m.TimeoutSeconds,
				},
			})
		}
	}
	l.closers = append(l.closers, c)
	n := 0
	for _, t := range toolsToRegister {
		if err := l.Registry.Register(NewMCPHandler(t.Manifest, c, t.RemoteName)); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (l *ModuleLoader) loadContainer(m *ModuleManifest) (int, error) {
	if l.Docker == nil {
		cli, err := NewDockerClient()
		if err != nil {
			return 0, err
		}
		l.Docker = cli
		l.closers = append(l.closers, cli)
	}
	n := 0
	for _, t := range m.Tools {
		h, err := NewContainerHandler(t.Manifest, l.Docker, m.Container, m.Command, m.User)
		if err != nil {
			return n, err
		}
		if err := l.Registry.Register(h); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Close releases MCP server processes and the docker client.
func (l *ModuleLoader) Close() error {
	var first error
	for _, c := range l.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.closers = nil
	return first
}
