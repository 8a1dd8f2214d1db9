package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
)

// JSON-RPC envelope used by MCP servers over stdio.
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type mcpCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type mcpCallResult struct {
	Content []mcpContent `json:"content"`
	IsError bool         `json:"isError,omitempty"`
}

type mcpContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// MCPTool is one tool advertised by an MCP server's tools/list.
type MCPTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

const mcpProtocolVersion = "2024-11-05"

var errMCPClosed = errors.New("mcp server closed")

// MCPClient speaks JSON-RPC to one MCP server process over stdio.
// Requests may be issued concurrently; responses are matched by id.
type MCPClient struct {
	name    string
	command []string
	env     []string

	startMu sync.Mutex
	started bool
	cmd     *exec.Cmd
	stdin   io.WriteCloser

	writeMu sync.Mutex
	mu      sync.Mutex
	pending map[int64]chan rpcMessage
	nextID  atomic.Int64
	done    chan struct{}
	err     error
}

// NewMCPClient prepares a client; the server starts on first use.
func NewMCPClient(name string, command []string, env []string) *MCPClient {
	return &MCPClient{
		name:    name,
		command: command,
		env:     env,
		pending: make(map[int64]chan rpcMessage),
		done:    make(chan struct{}),
	}
}

// Start launches the server and performs the initialize handshake.
func (c *MCPClient) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return nil
	}
	if len(c.command) == 0 {
		return fmt.Errorf("mcp server %s: command is empty", c.name)
	}

	cmd := exec.Command(c.command[0], c.command[1:]...)
	cmd.Env = append(os.Environ(), c.env...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting mcp server %s: %w", c.name, err)
	}
	c.cmd = cmd
	c.stdin = stdin
	c.started = true
	go c.readLoop(stdout)

	initParams := map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "clawcore", "version": "1.0.0"},
	}
	if _, err := c.call(ctx, "initialize", initParams); err != nil {
		return fmt.Errorf("initializing mcp server %s: %w", c.name, err)
	}
	return c.notify("notifications/initialized", nil)
}

func (c *MCPClient) readLoop(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var msg rpcMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			slog.Debug("MCP: skipping non-JSON line", "server", c.name, "error", err)
			continue
		}
		if msg.ID == nil || msg.Method != "" {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[*msg.ID]
		delete(c.pending, *msg.ID)
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}

	c.mu.Lock()
	c.err = errMCPClosed
	if err := sc.Err(); err != nil {
		c.err = fmt.Errorf("%w: %v", errMCPClosed, err)
	}
	c.mu.Unlock()
	close(c.done)
}

func (c *MCPClient) write(msg rpcMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

func (c *MCPClient) notify(method string, params any) error {
	return c.write(rpcMessage{JSONRPC: "2.0", Method: method, Params: params})
}

func (c *MCPClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan rpcMessage, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(rpcMessage{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-c.done:
		c.forget(id)
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *MCPClient) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// ListTools returns the tools advertised by the server.
func (c *MCPClient) ListTools(ctx context.Context) ([]MCPTool, error) {
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	var res struct {
		Tools []MCPTool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decoding tools/list: %w", err)
	}
	return res.Tools, nil
}

// CallTool invokes a remote tool and flattens its text content.
func (c *MCPClient) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if err := c.Start(ctx); err != nil {
		return "", err
	}
	raw, err := c.call(ctx, "tools/call", mcpCallParams{Name: name, Arguments: args})
	if err != nil {
		return "", err
	}
	var res mcpCallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("decoding tools/call: %w", err)
	}
	var out strings.Builder
	for i, item := range res.Content {
		if item.Type != "text" {
			continue
		}
		if i > 0 && out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString(item.Text)
	}
	if res.IsError {
		return out.String(), fmt.Errorf("remote tool error: %s", out.String())
	}
	return out.String(), nil
}

// Close stops the server process.
func (c *MCPClient) Close() error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	_ = c.cmd.Wait()
	return nil
}

// MCPHandler proxies one tool name to an MCP server.
type MCPHandler struct {
	manifest   Manifest
	client     *MCPClient
	remoteName string
}

// NewMCPHandler exposes remoteName on client under the manifest name.
func NewMCPHandler(m Manifest, client *MCPClient, remoteName string) *MCPHandler {
	if remoteName == "" {
		remoteName = m.Name
	}
	return &MCPHandler{manifest: m, client: client, remoteName: remoteName}
}

func (h *MCPHandler) Manifest() Manifest { return h.manifest }
func (h *MCPHandler) Origin() Origin     { return OriginRemote }

func (h *MCPHandler) Execute(ctx context.Context, args map[string]any) (string, error) {
	return h.client.CallTool(ctx, h.remoteName, args)
}
