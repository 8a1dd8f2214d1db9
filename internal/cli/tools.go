package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/tools"
	"github.com/spf13/cobra"
)

var toolsJSON bool

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect registered tools",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List builtin and module tools with their manifests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		reg, loader, err := newRegistry(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer loader.Close()

		if toolsJSON {
			manifests := make([]tools.Manifest, 0)
			for _, h := range reg.List() {
				manifests = append(manifests, h.Manifest())
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(manifests)
		}
		renderTools(cmd.OutOrStdout(), reg.List())
		return nil
	},
}

func init() {
	toolsListCmd.Flags().BoolVar(&toolsJSON, "json", false, "Print manifests as JSON")
	toolsCmd.AddCommand(toolsListCmd)
}

func renderTools(out io.Writer, handlers []tools.Handler) {
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("🧰 %d tool(s)", len(handlers))))
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join([]string{
		titleStyle.Render("Name"),
		titleStyle.Render("Origin"),
		titleStyle.Render("Flags"),
		titleStyle.Render("Description"),
	}, "\t"))
	for _, h := range handlers {
		m := h.Manifest()
		fmt.Fprintln(w, strings.Join([]string{
			m.Name,
			idStyle.Render(string(h.Origin())),
			manifestFlags(m),
			clip(m.Description, 70),
		}, "\t"))
	}
	_ = w.Flush()
}

func manifestFlags(m tools.Manifest) string {
	var flags []string
	if m.ReadOnly {
		flags = append(flags, "read-only")
	}
	if m.Shell {
		flags = append(flags, "shell")
	}
	if m.NetworkAllowed {
		flags = append(flags, "network")
	}
	if len(m.AllowedPaths) > 0 {
		flags = append(flags, fmt.Sprintf("paths:%d", len(m.AllowedPaths)))
	}
	if m.TimeoutSeconds > 0 {
		flags = append(flags, fmt.Sprintf("timeout:%ds", m.TimeoutSeconds))
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}
