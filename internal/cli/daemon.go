package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strconv"
	"strings"

	"github.com/KafClaw/clawcore/internal/config"
	"github.com/spf13/cobra"
)

const gatewayUnit = "clawcore-gateway.service"

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the gateway as a systemd user service",
}

var daemonInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Write the systemd user unit and optionally enable it (Linux)",
	RunE:  runDaemonInstall,
}

var daemonUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Disable and remove the systemd user unit (Linux)",
	RunE:  runDaemonUninstall,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show systemd service status (Linux)",
	RunE:  runDaemonStatus,
}

var (
	daemonBinary   string
	daemonUnitDir  string
	daemonActivate bool
	daemonJSON     bool
)

var daemonExecFn = func(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}
var daemonOS = goruntime.GOOS

func init() {
	daemonInstallCmd.Flags().StringVar(&daemonBinary, "binary", "", "clawcore binary path for ExecStart (default: this executable)")
	daemonInstallCmd.Flags().StringVar(&daemonUnitDir, "unit-dir", "", "Directory for the unit file (default: ~/.config/systemd/user)")
	daemonInstallCmd.Flags().BoolVar(&daemonActivate, "activate", true, "Run daemon-reload and enable --now after install")
	_ = daemonInstallCmd.Flags().MarkHidden("unit-dir")

	for _, c := range []*cobra.Command{daemonInstallCmd, daemonUninstallCmd, daemonStatusCmd} {
		c.Flags().BoolVar(&daemonJSON, "json", false, "Output machine-readable JSON")
	}
	for _, action := range []string{"start", "stop", "restart"} {
		daemonCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: strings.ToUpper(action[:1]) + action[1:] + " the gateway service (Linux)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runDaemonSystemctl(cmd, action)
			},
		})
	}
	daemonCmd.AddCommand(daemonInstallCmd, daemonUninstallCmd, daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

func unitDir() (string, error) {
	if daemonUnitDir != "" {
		return daemonUnitDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "systemd", "user"), nil
}

func runDaemonInstall(cmd *cobra.Command, args []string) error {
	if daemonOS != "linux" {
		return daemonResult(cmd, "error", "install", map[string]any{"os": daemonOS}, "daemon install currently supports Linux systemd only")
	}
	cfg, err := config.Load()
	if err != nil {
		return daemonResult(cmd, "error", "install", nil, fmt.Sprintf("load config: %v", err))
	}
	configPath, err := config.ConfigPath()
	if err != nil {
		return daemonResult(cmd, "error", "install", nil, err.Error())
	}
	bin := daemonBinary
	if bin == "" {
		if bin, err = os.Executable(); err != nil {
			return daemonResult(cmd, "error", "install", nil, err.Error())
		}
	}
	dir, err := unitDir()
	if err != nil {
		return daemonResult(cmd, "error", "install", nil, err.Error())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return daemonResult(cmd, "error", "install", nil, err.Error())
	}

	unitPath := filepath.Join(dir, gatewayUnit)
	envPath := filepath.Join(filepath.Dir(configPath), "env")
	unit := renderGatewayUnit(bin, configPath, envPath, cfg.Gateway.Port)
	if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
		return daemonResult(cmd, "error", "install", nil, err.Error())
	}
	if _, err := os.Stat(envPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(envPath), 0o700); err != nil {
			return daemonResult(cmd, "error", "install", nil, err.Error())
		}
		if err := os.WriteFile(envPath, []byte(renderEnvFile(configPath)), 0o600); err != nil {
			return daemonResult(cmd, "error", "install", nil, err.Error())
		}
	}

	if daemonActivate {
		for _, args := range [][]string{{"--user", "daemon-reload"}, {"--user", "enable", "--now", gatewayUnit}} {
			if out, err := daemonExecFn("systemctl", args...); err != nil {
				return daemonResult(cmd, "error", "install", map[string]any{"unitPath": unitPath, "output": strings.TrimSpace(string(out))}, err.Error())
			}
		}
	}
	return daemonResult(cmd, "ok", "install", map[string]any{
		"unitPath":  unitPath,
		"envPath":   envPath,
		"activated": daemonActivate,
	}, "")
}

func runDaemonUninstall(cmd *cobra.Command, args []string) error {
	if daemonOS != "linux" {
		return daemonResult(cmd, "error", "uninstall", map[string]any{"os": daemonOS}, "daemon uninstall currently supports Linux systemd only")
	}
	dir, err := unitDir()
	if err != nil {
		return daemonResult(cmd, "error", "uninstall", nil, err.Error())
	}
	_, _ = daemonExecFn("systemctl", "--user", "disable", "--now", gatewayUnit)
	_ = os.Remove(filepath.Join(dir, gatewayUnit))
	_, _ = daemonExecFn("systemctl", "--user", "daemon-reload")
	return daemonResult(cmd, "ok", "uninstall", nil, "")
}

func runDaemonSystemctl(cmd *cobra.Command, action string) error {
	if daemonOS != "linux" {
		return daemonResult(cmd, "error", action, map[string]any{"os": daemonOS}, "daemon actions currently support Linux systemd only")
	}
	out, err := daemonExecFn("systemctl", "--user", action, gatewayUnit)
	if err != nil {
		return daemonResult(cmd, "error", action, map[string]any{"output": strings.TrimSpace(string(out))}, err.Error())
	}
	return daemonResult(cmd, "ok", action, map[string]any{"output": strings.TrimSpace(string(out))}, "")
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	if daemonOS != "linux" {
		return daemonResult(cmd, "error", "status", map[string]any{"os": daemonOS}, "daemon status currently supports Linux systemd only")
	}
	enabledOut, enabledErr := daemonExecFn("systemctl", "--user", "is-enabled", gatewayUnit)
	activeOut, activeErr := daemonExecFn("systemctl", "--user", "is-active", gatewayUnit)
	result := map[string]any{
		"enabled": strings.TrimSpace(string(enabledOut)),
		"active":  strings.TrimSpace(string(activeOut)),
	}
	if enabledErr != nil || activeErr != nil {
		return daemonResult(cmd, "error", "status", result, "service not enabled/active")
	}
	return daemonResult(cmd, "ok", "status", result, "")
}

func daemonResult(cmd *cobra.Command, status, action string, result map[string]any, errMsg string) error {
	if daemonJSON {
		payload := map[string]any{
			"status":  status,
			"command": "daemon",
			"action":  action,
		}
		if len(result) > 0 {
			payload["result"] = result
		}
		if errMsg != "" {
			payload["error"] = errMsg
		}
		b, _ := json.MarshalIndent(payload, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(b))
		if status == "error" {
			return fmt.Errorf("%s", errMsg)
		}
		return nil
	}
	if status == "error" {
		return fmt.Errorf("daemon %s: %s", action, errMsg)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "daemon %s: ok\n", action)
	for k, v := range result {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s: %v\n", k, v)
	}
	return nil
}

// renderGatewayUnit emits a user unit whose logs reach journald; the gateway
// detects the service cgroup and switches to the journal handler.
func renderGatewayUnit(bin, configPath, envPath string, port int) string {
	return strings.Join([]string{
		"[Unit]",
		fmt.Sprintf("Description=clawcore gateway (v%s)", version),
		"After=network-online.target",
		"Wants=network-online.target",
		"",
		"[Service]",
		fmt.Sprintf("ExecStart=%s gateway", shellEscape(filepath.Clean(bin))),
		"Restart=always",
		"RestartSec=5",
		"Environment=CLAWCORE_CONFIG=" + configPath,
		"Environment=CLAWCORE_GATEWAY_PORT=" + strconv.Itoa(port),
		"EnvironmentFile=-" + envPath,
		"",
		"[Install]",
		"WantedBy=default.target",
		"",
	}, "\n")
}

func renderEnvFile(configPath string) string {
	return strings.Join([]string{
		"# clawcore runtime environment",
		"# Loaded via systemd EnvironmentFile; uncomment to override config.json",
		"# CLAWCORE_GATEWAY_AUTH_TOKEN=",
		"# OPENAI_API_KEY=",
		"CLAWCORE_CONFIG=" + configPath,
		"",
	}, "\n")
}

func shellEscape(v string) string {
	if v == "" {
		return "''"
	}
	if strings.IndexFunc(v, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '"' || r == '\'' || r == '\\'
	}) == -1 {
		return v
	}
	return strconv.Quote(v)
}
