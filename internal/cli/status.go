package cli

import (
	"fmt"
	"os"

	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/session"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "clawcore %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and session status",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		printHeader(out, "📊 clawcore status")
		fmt.Fprintf(out, "Version:   %s\n", version)

		if configPath, err := config.ConfigPath(); err == nil {
			if _, err := os.Stat(configPath); err == nil {
				fmt.Fprintln(out, "Config:    ✓ "+configPath)
			} else {
				fmt.Fprintln(out, "Config:    ✗ not found, using defaults ("+configPath+")")
			}
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(out, "Config:    ✗ %v\n", err)
			return
		}
		if cfg.Provider.APIKey != "" {
			fmt.Fprintln(out, "API key:   ✓ set")
		} else {
			fmt.Fprintln(out, "API key:   ✗ not set")
		}
		mode, _ := cfg.Agent.Mode()
		fmt.Fprintf(out, "Mode:      %s\n", mode)
		fmt.Fprintf(out, "Model:     %s\n", cfg.Model.Name)
		fmt.Fprintf(out, "Workspace: %s\n", cfg.Paths.Workspace)
		fmt.Fprintf(out, "Audit log: %s\n", cfg.Audit.Path)
		if len(cfg.Audit.KafkaBrokers) > 0 {
			fmt.Fprintf(out, "Kafka:     %v topic=%s\n", cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic)
		}

		infos := session.NewManager(cfg.Paths.SessionsDir()).List()
		fmt.Fprintf(out, "Sessions:  %d\n", len(infos))
		for i, info := range infos {
			if i == 5 {
				fmt.Fprintf(out, "  ... %d more\n", len(infos)-i)
				break
			}
			fmt.Fprintf(out, "  %s %s %s (%d messages, %s)\n",
				idStyle.Render(info.Key), info.Mode,
				verdictStyle(string(info.Status)).Render(string(info.Status)),
				info.Messages, shortTime(info.UpdatedAt))
		}
	},
}
