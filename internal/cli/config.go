package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/KafClaw/clawcore/internal/config"
	"github.com/spf13/cobra"
)

var configShowSecrets bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read and edit clawcore configuration values",
}

var configGetCmd = &cobra.Command{
	Use:   "get [path]",
	Short: "Print the effective config, or one value by dotted path (e.g. agent.autonomyMode)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		m, err := toMap(cfg)
		if err != nil {
			return err
		}
		if !configShowSecrets {
			maskSecrets(m)
		}
		var val any = m
		if len(args) == 1 {
			v, ok := lookupPath(m, splitPath(args[0]))
			if !ok {
				return fmt.Errorf("path not found: %s", args[0])
			}
			val = v
		}
		switch v := val.(type) {
		case map[string]any, []any:
			out, _ := json.MarshalIndent(v, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
		default:
			fmt.Fprintln(cmd.OutOrStdout(), v)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <path> <value>",
	Short: "Set a value in the config file (JSON or plain string)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editConfigFile(func(m map[string]any) error {
			return setPath(m, splitPath(args[0]), parseValue(args[1]))
		})
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <path>",
	Short: "Remove a value from the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editConfigFile(func(m map[string]any) error {
			if !unsetPath(m, splitPath(args[0])) {
				return fmt.Errorf("path not found: %s", args[0])
			}
			return nil
		})
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := config.ConfigPath()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), p)
		return nil
	},
}

func init() {
	configGetCmd.Flags().BoolVar(&configShowSecrets, "show-secrets", false, "Print API keys and tokens unmasked")
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// editConfigFile applies fn to the raw config file and saves it only if the
// result still decodes and validates.
func editConfigFile(fn func(map[string]any) error) error {
	p, err := config.ConfigPath()
	if err != nil {
		return err
	}
	m := map[string]any{}
	data, err := os.ReadFile(p)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("parse %s: %w", p, err)
		}
		if m == nil {
			m = map[string]any{}
		}
	case !os.IsNotExist(err):
		return err
	}
	if err := fn(m); err != nil {
		return err
	}

	out, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	check := config.DefaultConfig()
	if err := json.Unmarshal(out, check); err != nil {
		return fmt.Errorf("invalid value: %w", err)
	}
	if err := check.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	return os.WriteFile(p, out, 0o600)
}

func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	return m, json.Unmarshal(data, &m)
}

var secretKeys = map[string]bool{"apikey": true, "authtoken": true, "slackbottoken": true}

func maskSecrets(m map[string]any) {
	for k, v := range m {
		switch x := v.(type) {
		case map[string]any:
			maskSecrets(x)
		case string:
			if secretKeys[strings.ToLower(k)] && x != "" {
				m[k] = "********"
			}
		}
	}
}

func splitPath(p string) []string {
	var out []string
	for _, part := range strings.Split(strings.TrimSpace(p), ".") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func lookupPath(m map[string]any, keys []string) (any, bool) {
	var cur any = m
	for _, k := range keys {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[k]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(m map[string]any, keys []string, value any) error {
	if len(keys) == 0 {
		return fmt.Errorf("path is empty")
	}
	cur := m
	for _, k := range keys[:len(keys)-1] {
		next, ok := cur[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[k] = next
		}
		cur = next
	}
	cur[keys[len(keys)-1]] = value
	return nil
}

func unsetPath(m map[string]any, keys []string) bool {
	if len(keys) == 0 {
		return false
	}
	cur := m
	for _, k := range keys[:len(keys)-1] {
		next, ok := cur[k].(map[string]any)
		if !ok {
			return false
		}
		cur = next
	}
	last := keys[len(keys)-1]
	if _, ok := cur[last]; !ok {
		return false
	}
	delete(cur, last)
	return true
}
