package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".clawcore"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "CLAWCORE"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("CLAWCORE_CONFIG")); explicit != "" {
		return expandHome(explicit), nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("CLAWCORE_HOME")); h != "" {
		return expandHome(h), nil
	}
	return os.UserHomeDir()
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults. Env files are loaded first and
// never override variables that are already set.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}

	data, err := loadResolvedConfig(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	// If file doesn't exist, continue with defaults

	// Override with environment variables for each group
	groups := []struct {
		name   string
		target any
	}{
		{"PATHS", &cfg.Paths},
		{"MODEL", &cfg.Model},
		{"PROVIDER", &cfg.Provider},
		{"AGENT", &cfg.Agent},
		{"AUDIT", &cfg.Audit},
		{"APPROVALS", &cfg.Approvals},
		{"GATEWAY", &cfg.Gateway},
		{"LOGGING", &cfg.Logging},
	}
	for _, g := range groups {
		if err := envconfig.Process(EnvPrefix+"_"+g.name, g.target); err != nil {
			return nil, fmt.Errorf("env overrides: %w", err)
		}
	}

	// Fallback for API Key
	if cfg.Provider.APIKey == "" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.Provider.APIKey = key
		} else if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
			cfg.Provider.APIKey = key
		}
	}

	cfg.Paths.Workspace = expandHome(cfg.Paths.Workspace)
	cfg.Paths.DataDir = expandHome(cfg.Paths.DataDir)
	cfg.Paths.ModulesDir = expandHome(cfg.Paths.ModulesDir)
	cfg.Audit.Path = expandHome(cfg.Audit.Path)
	cfg.Logging.File = expandHome(cfg.Logging.File)
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = filepath.Join(cfg.Paths.DataDir, "audit.jsonl")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the agent cannot run with.
func (c *Config) Validate() error {
	if _, err := c.Agent.Mode(); err != nil {
		return err
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.maxIterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Agent.ApprovalTimeoutSeconds <= 0 {
		return fmt.Errorf("agent.approvalTimeoutSeconds must be positive, got %d", c.Agent.ApprovalTimeoutSeconds)
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port)
	}
	return nil
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0700)
}

// EnsureWorkspace creates the workspace directory when it is missing.
func EnsureWorkspace(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("workspace path is empty")
	}
	return os.MkdirAll(path, 0755)
}

// envPattern matches ${VAR} and ${VAR:-fallback}.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// loadResolvedConfig reads path with its $include files merged in and
// ${VAR} references substituted from the environment. An unset variable
// without a fallback is left as written.
func loadResolvedConfig(path string) ([]byte, error) {
	obj, err := loadConfigObject(path, map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

func loadConfigObject(path string, visited map[string]struct{}) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, seen := visited[absPath]; seen {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visited[absPath] = struct{}{}
	defer delete(visited, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}

	merged := map[string]any{}
	if includeRaw, ok := raw["$include"]; ok {
		includeFiles, err := parseIncludes(includeRaw)
		if err != nil {
			return nil, err
		}
		baseDir := filepath.Dir(absPath)
		for _, includePath := range includeFiles {
			resolvedPath := includePath
			if !filepath.IsAbs(includePath) {
				resolvedPath = filepath.Join(baseDir, includePath)
			}
			child, err := loadConfigObject(resolvedPath, visited)
			if err != nil {
				return nil, err
			}
			deepMerge(merged, child)
		}
	}
	delete(raw, "$include")
	substituteEnvValues(raw)
	deepMerge(merged, raw)
	return merged, nil
}

func parseIncludes(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			if strings.TrimSpace(s) == "" {
				continue
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
}

// deepMerge overlays src onto dst. Objects merge key by key; any other
// value replaces what was there.
func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, ok := val.(map[string]any)
		if !ok {
			dst[key] = val
			continue
		}
		dstMap, ok := dst[key].(map[string]any)
		if !ok {
			dstMap = map[string]any{}
			dst[key] = dstMap
		}
		deepMerge(dstMap, srcMap)
	}
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			parts := envPattern.FindStringSubmatch(match)
			if value, ok := os.LookupEnv(parts[1]); ok && value != "" {
				return value
			}
			if parts[2] != "" {
				return parts[3]
			}
			return match
		})
	default:
		return v
	}
}
