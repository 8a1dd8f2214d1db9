package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/clawcore/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"       _                                    \n" +
		"   ___| | __ ___      _____ ___  _ __ ___   \n" +
		"  / __| |/ _` \\ \\ /\\ / / __/ _ \\| '__/ _ \\  \n" +
		" | (__| | (_| |\\ V  V / (_| (_) | | |  __/  \n" +
		"  \\___|_|\\__,_| \\_/\\_/ \\___\\___/|_|  \\___|  \n"
)

var rootCmd = &cobra.Command{
	Use:           "clawcore",
	Short:         "clawcore - policy-gated agent execution core",
	Long:          color.CyanString(logo) + "\nRuns an LLM agent whose tool calls pass a security policy, human approval and an audit trail.",
	SilenceUsage:  true,
	SilenceErrors: false,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(toolsCmd)
}
