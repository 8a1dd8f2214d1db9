package tools

import "context"

// BuiltinFunc is the in-process implementation of a built-in tool.
type BuiltinFunc func(ctx context.Context, args map[string]any) (string, error)

// BuiltinHandler runs a Go function in-process.
type BuiltinHandler struct {
	manifest Manifest
	fn       BuiltinFunc
}

// NewBuiltin wraps fn as a handler with the given manifest.
func NewBuiltin(m Manifest, fn BuiltinFunc) *BuiltinHandler {
	return &BuiltinHandler{manifest: m, fn: fn}
}

func (h *BuiltinHandler) Manifest() Manifest { return h.manifest }
func (h *BuiltinHandler) Origin() Origin     { return OriginBuiltin }

func (h *BuiltinHandler) Execute(ctx context.Context, args map[string]any) (string, error) {
	return h.fn(ctx, args)
}

// RegisterBuiltins registers the file and shell tools rooted at workspace.
func RegisterBuiltins(r *Registry, workspace string) error {
	ws := NewWorkspace(workspace)
	for _, h := range []Handler{
		ws.ReadFileTool(),
		ws.ListDirTool(),
		ws.WriteFileTool(),
		ws.EditFileTool(),
		NewExecTool(ws, 0),
	} {
		if err := r.Register(h); err != nil {
			return err
		}
	}
	return nil
}
