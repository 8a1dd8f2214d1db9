package policy

import (
	"path/filepath"
	"strings"

	"github.com/KafClaw/clawcore/internal/tools"
	"mvdan.cc/sh/v3/syntax"
)

// PathVerdict is the outcome of a path check.
type PathVerdict struct {
	Allowed bool
	// Path is the canonical absolute path that was checked.
	Path   string
	Reason string
}

// Directories that hold credentials anywhere in a path.
var sensitiveDirs = map[string]bool{
	".ssh": true, ".gnupg": true, ".aws": true, ".kube": true,
	".azure": true, ".password-store": true,
}

// Files that hold credentials wherever they live.
var sensitiveFiles = map[string]bool{
	".netrc": true, ".npmrc": true, ".pypirc": true, ".git-credentials": true,
	".pgpass": true, "id_rsa": true, "id_ed25519": true, "id_ecdsa": true,
}

// Two-component sequences for credentials inside otherwise ordinary directories.
var sensitivePairs = [][2]string{
	{".config", "gcloud"},
	{".config", "gh"},
	{".docker", "config.json"},
	{".cargo", "credentials"},
	{".cargo", "credentials.toml"},
	{".m2", "settings.xml"},
	{".gradle", "gradle.properties"},
}

var sensitiveAbs = []string{
	"/etc/shadow",
	"/etc/gshadow",
	"/etc/sudoers",
	"/etc/sudoers.d",
	"/etc/ssl/private",
}

// CheckPath canonicalises path against workspaceRoot and denies it when it
// escapes the root or touches a credential store.
func CheckPath(path, workspaceRoot string) PathVerdict {
	return CheckPathIn(path, workspaceRoot, nil)
}

// CheckPathIn is CheckPath with extra allowed roots, as declared by a
// tool's manifest. The sensitive list applies inside every root.
func CheckPathIn(path, workspaceRoot string, extraRoots []string) PathVerdict {
	if strings.TrimSpace(path) == "" {
		return PathVerdict{Reason: "empty path"}
	}
	if strings.ContainsRune(path, 0) {
		return PathVerdict{Reason: "invalid path"}
	}
	expanded, err := tools.ExpandHome(path)
	if err != nil {
		return PathVerdict{Reason: err.Error()}
	}
	root := canonical(expandHome(workspaceRoot), "")
	p := canonical(expanded, root)

	if reason := sensitiveReason(p); reason != "" {
		return PathVerdict{Path: p, Reason: reason}
	}

	roots := []string{root}
	for _, r := range extraRoots {
		if strings.TrimSpace(r) != "" {
			roots = append(roots, canonical(expandHome(r), root))
		}
	}
	for _, r := range roots {
		if r != "" && within(p, r) {
			return PathVerdict{Allowed: true, Path: p}
		}
	}
	return PathVerdict{Path: p, Reason: "outside workspace: " + p}
}

// expandHome is for configured roots, which keep their raw form when the
// home directory cannot be resolved.
func expandHome(p string) string {
	if expanded, err := tools.ExpandHome(p); err == nil {
		return expanded
	}
	return p
}

// canonical returns the absolute, cleaned form of p with symlinks resolved
// for the longest existing prefix. Relative paths are joined onto base.
func canonical(p, base string) string {
	if p == "" {
		return ""
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	p = filepath.Clean(p)

	existing, rest := p, ""
	for {
		if resolved, err := filepath.EvalSymlinks(existing); err == nil {
			if rest == "" {
				return resolved
			}
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return p
		}
		rest = filepath.Join(filepath.Base(existing), rest)
		existing = parent
	}
}

func within(p, root string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func sensitiveReason(p string) string {
	for _, a := range sensitiveAbs {
		if p == a || strings.HasPrefix(p, a+"/") {
			return "sensitive path: " + a
		}
	}
	parts := strings.Split(filepath.ToSlash(p), "/")
	for i, part := range parts {
		if sensitiveDirs[part] || sensitiveFiles[part] {
			return "sensitive path: " + part
		}
		if i+1 < len(parts) {
			for _, pair := range sensitivePairs {
				if part == pair[0] && parts[i+1] == pair[1] {
					return "sensitive path: " + pair[0] + "/" + pair[1]
				}
			}
		}
	}
	return ""
}

// ShellPaths returns the words of a shell command line that look like
// filesystem paths: arguments containing a slash or starting with "~" or
// ".", plus redirect targets. URLs are skipped. Words whose value is only
// known after shell expansion, such as $HOME/x or ~user/x, go to unresolved
// whether or not they look like paths.
func ShellPaths(command string) (paths, unresolved []string) {
	parser := syntax.NewParser(syntax.KeepComments(false), syntax.Variant(syntax.LangBash))
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return fallbackPaths(command)
	}
	check := func(w *syntax.Word) {
		raw := wordToString(w)
		if expands(w) {
			unresolved = append(unresolved, raw)
			return
		}
		if p, ok := pathLike(raw); ok {
			paths = append(paths, p)
		}
	}
	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.CallExpr:
			for i, w := range n.Args {
				if i > 0 {
					check(w)
				}
			}
		case *syntax.Redirect:
			if n.Word != nil {
				check(n.Word)
			}
		}
		return true
	})
	return paths, unresolved
}

// expands reports whether the shell would rewrite w before the command sees
// it: parameter, command or arithmetic expansion anywhere in the word, or a
// leading tilde other than a bare ~ or ~/.
func expands(w *syntax.Word) bool {
	if len(w.Parts) > 0 {
		if lit, ok := w.Parts[0].(*syntax.Lit); ok && strings.HasPrefix(lit.Value, "~") {
			if lit.Value == "~" && len(w.Parts) > 1 {
				return true
			}
			if lit.Value != "~" && !strings.HasPrefix(lit.Value, "~/") {
				return true
			}
		}
	}
	found := false
	syntax.Walk(w, func(node syntax.Node) bool {
		switch node.(type) {
		case *syntax.ParamExp, *syntax.CmdSubst, *syntax.ArithmExp, *syntax.ProcSubst:
			found = true
		}
		return !found
	})
	return found
}

func fallbackPaths(command string) (paths, unresolved []string) {
	for i, w := range strings.Fields(command) {
		if i == 0 {
			continue
		}
		w = unquote(w)
		if strings.Contains(w, "$") || (strings.HasPrefix(w, "~") && w != "~" && !strings.HasPrefix(w, "~/")) {
			unresolved = append(unresolved, w)
			continue
		}
		if p, ok := pathLike(w); ok {
			paths = append(paths, p)
		}
	}
	return paths, unresolved
}

func pathLike(w string) (string, bool) {
	if strings.HasPrefix(w, "-") {
		eq := strings.IndexByte(w, '=')
		if eq < 0 {
			return "", false
		}
		w = w[eq+1:]
	}
	if w == "" || strings.Contains(w, "://") {
		return "", false
	}
	if strings.ContainsRune(w, '/') || strings.HasPrefix(w, "~") || strings.HasPrefix(w, ".") {
		return w, true
	}
	return "", false
}
