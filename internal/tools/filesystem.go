package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrHomeReference rejects tilde forms such as ~user or ~+ that only a shell
// knows how to expand.
var ErrHomeReference = errors.New("unsupported home reference")

// ExpandHome expands a leading "~" or "~/" to the home directory. The path
// guard and the filesystem tools both resolve through it.
func ExpandHome(p string) (string, error) {
	if !strings.HasPrefix(p, "~") {
		return p, nil
	}
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return "", fmt.Errorf("%w: %s", ErrHomeReference, p)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home: %w", err)
	}
	return filepath.Join(home, p[1:]), nil
}

// Workspace resolves tool paths the same way the path guard does:
// relative paths are joined onto the root, ~ expands to the home directory.
type Workspace struct {
	Root string
}

// NewWorkspace returns a workspace rooted at the absolute form of root.
func NewWorkspace(root string) Workspace {
	return Workspace{Root: normalizeRoot(root)}
}

// Resolve maps a tool-supplied path to an absolute path.
func (w Workspace) Resolve(path string) (string, error) {
	path, err := ExpandHome(path)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(path) && w.Root != "" {
		path = filepath.Join(w.Root, path)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return path, nil
}

func pathSchema(desc string, extra map[string]any, required ...string) map[string]any {
	props := map[string]any{
		"path": map[string]any{"type": "string", "description": desc},
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   append([]string{"path"}, required...),
	}
}

// ReadFileTool reads the contents of a file.
func (w Workspace) ReadFileTool() *BuiltinHandler {
	return NewBuiltin(Manifest{
		Name:        "read_file",
		Description: "Read the contents of a file at the specified path.",
		ReadOnly:    true,
		InputSchema: pathSchema("The path to the file to read", nil),
		PathArgs:    []string{"path"},
	}, func(ctx context.Context, params map[string]any) (string, error) {
		path := GetString(params, "path", "")
		if path == "" {
			return "", errors.New("path is required")
		}
		path, err := w.Resolve(path)
		if err != nil {
			return "", err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fileError("reading file", path, err)
		}
		return string(content), nil
	})
}

// WriteFileTool writes content to a file, creating parent directories.
func (w Workspace) WriteFileTool() *BuiltinHandler {
	return NewBuiltin(Manifest{
		Name:        "write_file",
		Description: "Write content to a file at the specified path. Creates parent directories if needed.",
		InputSchema: pathSchema("The path to the file to write", map[string]any{
			"content": map[string]any{"type": "string", "description": "The content to write to the file"},
		}, "content"),
		PathArgs: []string{"path"},
	}, func(ctx context.Context, params map[string]any) (string, error) {
		path := GetString(params, "path", "")
		content := GetString(params, "content", "")
		if path == "" {
			return "", errors.New("path is required")
		}
		path, err := w.Resolve(path)
		if err != nil {
			return "", err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", fmt.Errorf("creating directory: %w", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return "", fileError("writing file", path, err)
		}
		return fmt.Sprintf("Successfully wrote %d bytes to %s", len(content), path), nil
	})
}

// EditFileTool replaces the first occurrence of old_text with new_text.
func (w Workspace) EditFileTool() *BuiltinHandler {
	return NewBuiltin(Manifest{
		Name:        "edit_file",
		Description: "Edit a file by replacing text. Useful for making targeted changes.",
		InputSchema: pathSchema("The path to the file to edit", map[string]any{
			"old_text": map[string]any{"type": "string", "description": "The text to find and replace"},
			"new_text": map[string]any{"type": "string", "description": "The replacement text"},
		}, "old_text", "new_text"),
		PathArgs: []string{"path"},
	}, func(ctx context.Context, params map[string]any) (string, error) {
		path := GetString(params, "path", "")
		oldText := GetString(params, "old_text", "")
		newText := GetString(params, "new_text", "")
		if path == "" {
			return "", errors.New("path is required")
		}
		if oldText == "" {
			return "", errors.New("old_text is required")
		}
		path, err := w.Resolve(path)
		if err != nil {
			return "", err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return "", fileError("reading file", path, err)
		}
		contentStr := string(content)
		if !strings.Contains(contentStr, oldText) {
			return "", fmt.Errorf("text not found in file: %s", path)
		}
		newContent := strings.Replace(contentStr, oldText, newText, 1)
		if err := os.WriteFile(path, []byte(newContent), 0644); err != nil {
			return "", fileError("writing file", path, err)
		}
		return fmt.Sprintf("Successfully edited %s", path), nil
	})
}

// ListDirTool lists directory contents.
func (w Workspace) ListDirTool() *BuiltinHandler {
	return NewBuiltin(Manifest{
		Name:        "list_dir",
		Description: "List the contents of a directory.",
		ReadOnly:    true,
		InputSchema: pathSchema("The directory path to list", nil),
		PathArgs:    []string{"path"},
	}, func(ctx context.Context, params map[string]any) (string, error) {
		path, err := w.Resolve(GetString(params, "path", "."))
		if err != nil {
			return "", err
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return "", fileError("reading directory", path, err)
		}

		var result strings.Builder
		fmt.Fprintf(&result, "Contents of %s:\n", path)
		for _, entry := range entries {
			info, _ := entry.Info()
			switch {
			case entry.IsDir():
				fmt.Fprintf(&result, "  [DIR]  %s/\n", entry.Name())
			case info != nil:
				fmt.Fprintf(&result, "  [FILE] %s (%d bytes)\n", entry.Name(), info.Size())
			default:
				fmt.Fprintf(&result, "  [FILE] %s\n", entry.Name())
			}
		}
		return result.String(), nil
	})
}

func fileError(op, path string, err error) error {
	switch {
	case os.IsNotExist(err):
		return fmt.Errorf("not found: %s", path)
	case os.IsPermission(err):
		return fmt.Errorf("permission denied: %s", path)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func normalizeRoot(root string) string {
	if root == "" {
		return ""
	}
	if expanded, err := ExpandHome(root); err == nil {
		root = expanded
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return root
}
