package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/KafClaw/clawcore/internal/audit"
	"github.com/KafClaw/clawcore/internal/config"
	"github.com/spf13/cobra"
)

var (
	auditSession string
	auditKind    string
	auditLimit   int
	auditFile    string
	auditJSON    bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit trail",
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := auditFile
		if path == "" {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			path = cfg.Audit.Path
		}
		entries, err := audit.ReadFile(path, audit.Filter{SessionID: auditSession, Kind: auditKind, Limit: auditLimit})
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), headerStyle.Render("No audit log at "+path))
				return nil
			}
			return err
		}
		if auditJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
			return nil
		}
		renderAuditEntries(cmd.OutOrStdout(), entries)
		return nil
	},
}

func init() {
	auditTailCmd.Flags().StringVar(&auditSession, "session", "", "Only entries for this session id")
	auditTailCmd.Flags().StringVar(&auditKind, "kind", "", "Only entries of this kind (decision, approval, execution)")
	auditTailCmd.Flags().IntVarP(&auditLimit, "lines", "n", 20, "Number of entries to show")
	auditTailCmd.Flags().StringVar(&auditFile, "file", "", "Audit log to read (defaults to the configured path)")
	auditTailCmd.Flags().BoolVar(&auditJSON, "json", false, "Print raw JSON lines")
	auditCmd.AddCommand(auditTailCmd)
}

func renderAuditEntries(out io.Writer, entries []audit.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, headerStyle.Render("📋 No audit entries"))
		return
	}
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("📋 %d audit entries", len(entries))))
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join([]string{
		titleStyle.Render("Time"),
		titleStyle.Render("Kind"),
		titleStyle.Render("Session"),
		titleStyle.Render("Tool"),
		titleStyle.Render("Tier"),
		titleStyle.Render("Decision"),
		titleStyle.Render("Detail"),
	}, "\t"))
	for _, e := range entries {
		fmt.Fprintln(w, strings.Join([]string{
			dateStyle.Render(shortTime(e.Timestamp)),
			e.Kind,
			idStyle.Render(clip(e.SessionID, 12)),
			e.Name,
			orDash(e.RiskTier),
			verdictStyle(e.Decision).Render(orDash(e.Decision)),
			clip(auditDetail(e), 60),
		}, "\t"))
	}
	_ = w.Flush()
}

func auditDetail(e audit.Entry) string {
	if r := e.ExecutionResult; r != nil {
		if !r.Success {
			return fmt.Sprintf("failed in %dms: %s", r.DurationMs, r.Error)
		}
		return fmt.Sprintf("ok in %dms", r.DurationMs)
	}
	if e.Reason != "" {
		return e.Reason
	}
	if len(e.Arguments) > 0 {
		data, _ := json.Marshal(e.Arguments)
		return string(data)
	}
	return ""
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
