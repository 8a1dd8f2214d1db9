package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/KafClaw/clawcore/internal/policy"
	"github.com/KafClaw/clawcore/internal/tools"
	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	allowStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	denyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	approvalStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
)

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

// verdictStyle colours a decision or approval outcome.
func verdictStyle(v string) lipgloss.Style {
	switch v {
	case string(policy.Allow), "approved", "completed":
		return allowStyle
	case string(policy.Deny), "denied", "timed_out", "cancelled", "failed":
		return denyStyle
	case string(policy.RequiresApproval), "pending", "exhausted":
		return approvalStyle
	}
	return lipgloss.NewStyle()
}

// tierColor colours a risk tier for plain terminal output.
func tierColor(t tools.RiskTier) string {
	switch t {
	case tools.RiskLow:
		return color.GreenString(t.String())
	case tools.RiskMedium:
		return color.YellowString(t.String())
	case tools.RiskHigh:
		return color.New(color.FgRed, color.Bold).Sprint(t.String())
	case tools.RiskBlocked:
		return color.New(color.FgWhite, color.BgRed, color.Bold).Sprint(t.String())
	}
	return t.String()
}

func shortTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	t = t.Local()
	if time.Since(t) < 24*time.Hour {
		return t.Format("15:04:05")
	}
	return t.Format("Jan 02 15:04")
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		cut, _ := tools.Truncate(s, n)
		return cut
	}
	cut, _ := tools.Truncate(s, n-3)
	return cut + "..."
}
