// Package tools provides the tool registry, handler variants and built-in tools for the agent.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"
)

var (
	// ErrToolNotFound is returned for calls to names that were never registered.
	ErrToolNotFound = errors.New("tool not found")
	// ErrDuplicateTool is returned when a name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

// DefaultTimeout bounds a dispatch when the manifest does not set one.
const DefaultTimeout = 60 * time.Second

// Origin tags where a handler executes. Dispatch never branches on it.
type Origin string

const (
	OriginBuiltin Origin = "builtin"
	OriginProcess Origin = "process"
	OriginRemote  Origin = "remote"
)

// Manifest is what a tool declares about itself at registration.
type Manifest struct {
	Name           string         `yaml:"name" json:"name"`
	Description    string         `yaml:"description" json:"description"`
	ReadOnly       bool           `yaml:"readOnly" json:"readOnly"`
	InputSchema    map[string]any `yaml:"inputSchema" json:"inputSchema,omitempty"`
	AllowedPaths   []string       `yaml:"allowedPaths" json:"allowedPaths,omitempty"`
	NetworkAllowed bool           `yaml:"networkAllowed" json:"networkAllowed"`
	TimeoutSeconds int            `yaml:"timeoutSeconds" json:"timeoutSeconds,omitempty"`
	// PathArgs names the arguments that hold filesystem paths.
	PathArgs []string `yaml:"pathArgs" json:"pathArgs,omitempty"`
	// Shell marks tools whose arguments end up on a shell command line.
	Shell bool `yaml:"shell" json:"shell,omitempty"`
}

// Timeout returns the manifest timeout or the given fallback.
func (m Manifest) Timeout(fallback time.Duration) time.Duration {
	if m.TimeoutSeconds > 0 {
		return time.Duration(m.TimeoutSeconds) * time.Second
	}
	return fallback
}

// Handler is the single capability every tool exposes, whatever backs it.
type Handler interface {
	Manifest() Manifest
	Origin() Origin
	// Execute runs the tool. A non-nil error marks the result as failed;
	// the returned output is still kept when present.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Result is the structured outcome of a dispatch.
type Result struct {
	Success  bool          `json:"success"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
	ExitCode int           `json:"exitCode,omitempty"`
	Duration time.Duration `json:"durationNs"`
}

// ExitError reports a non-zero exit from a process-backed handler.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("exit code %d: %s", e.Code, e.Stderr)
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// Definition is the provider-facing description of a tool.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Registry maps tool names to handlers. It is safe for concurrent use.
type Registry struct {
	mu             sync.RWMutex
	handlers       map[string]Handler
	defaultTimeout time.Duration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:       make(map[string]Handler),
		defaultTimeout: DefaultTimeout,
	}
}

// SetDefaultTimeout changes the timeout used for manifests without one.
func (r *Registry) SetDefaultTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	r.defaultTimeout = d
	r.mu.Unlock()
}

// Register adds a handler under its manifest name.
func (r *Registry) Register(h Handler) error {
	name := h.Manifest().Name
	if name == "" {
		return errors.New("tool manifest has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.handlers[name] = h
	return nil
}

// Get returns a handler by name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Has reports whether a name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Manifest returns the manifest for a registered tool.
func (r *Registry) Manifest(name string) (Manifest, bool) {
	h, ok := r.Get(name)
	if !ok {
		return Manifest{}, false
	}
	return h.Manifest(), true
}

// List returns all handlers sorted by name.
func (r *Registry) List() []Handler {
	r.mu.RLock()
	result := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		result = append(result, h)
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		return result[i].Manifest().Name < result[j].Manifest().Name
	})
	return result
}

// Definitions returns provider tool specs for every registered tool.
func (r *Registry) Definitions() []Definition {
	handlers := r.List()
	defs := make([]Definition, 0, len(handlers))
	for _, h := range handlers {
		m := h.Manifest()
		params := m.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		defs = append(defs, Definition{Name: m.Name, Description: m.Description, Parameters: params})
	}
	return defs
}

// Dispatch executes an already-authorized call. Every failure mode comes
// back as a Result with Success false; Dispatch itself never fails.
func (r *Registry) Dispatch(ctx context.Context, call *Call) (res Result) {
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
	}()

	h, ok := r.Get(call.Name)
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("%v: %s", ErrToolNotFound, call.Name)}
	}

	r.mu.RLock()
	timeout := h.Manifest().Timeout(r.defaultTimeout)
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := r.execute(ctx, h, call.Arguments)
	if ctx.Err() == context.DeadlineExceeded {
		slog.Warn("Tool timed out", "tool", call.Name, "id", call.ID, "timeout", timeout)
		return Result{Success: false, Output: output, Error: fmt.Sprintf("timed out after %v", timeout)}
	}
	if err != nil {
		slog.Warn("Tool failed", "tool", call.Name, "id", call.ID, "error", err)
		res := Result{Success: false, Output: output, Error: err.Error()}
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.Code
		}
		return res
	}
	return Result{Success: true, Output: output}
}

func (r *Registry) execute(ctx context.Context, h Handler, args map[string]any) (output string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool panicked: %v", p)
		}
	}()
	if args == nil {
		args = map[string]any{}
	}
	return h.Execute(ctx, args)
}

// Truncate returns at most n bytes of s, cut back to the nearest rune
// boundary so the result stays valid UTF-8. The second result reports
// whether anything was dropped.
func Truncate(s string, n int) (string, bool) {
	if n < 0 {
		n = 0
	}
	if len(s) <= n {
		return s, false
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n], true
}

// GetString extracts a string parameter with a default value.
func GetString(params map[string]any, key string, defaultVal string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return defaultVal
}

// GetInt extracts an int parameter with a default value.
func GetInt(params map[string]any, key string, defaultVal int) int {
	if v, ok := params[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return defaultVal
}

// GetBool extracts a bool parameter with a default value.
func GetBool(params map[string]any, key string, defaultVal bool) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return defaultVal
}
