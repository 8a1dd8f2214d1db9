package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/KafClaw/clawcore/internal/approval"
	"github.com/KafClaw/clawcore/internal/config"
	"github.com/spf13/cobra"
)

var (
	approvalsGateway string
	approvalsToken   string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List and answer pending approval requests on a running gateway",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approval requests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newGatewayClient()
		if err != nil {
			return err
		}
		var pending []approval.Request
		if err := c.do(cmd.Context(), http.MethodGet, "/api/approvals", nil, &pending); err != nil {
			return err
		}
		renderApprovals(cmd.OutOrStdout(), pending)
		return nil
	},
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return answerApproval(cmd, args[0], true)
	},
}

var approvalsDenyCmd = &cobra.Command{
	Use:   "deny <id>",
	Short: "Deny a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return answerApproval(cmd, args[0], false)
	},
}

func init() {
	approvalsCmd.PersistentFlags().StringVar(&approvalsGateway, "gateway", "", "Gateway base URL (defaults to the configured host and port)")
	approvalsCmd.PersistentFlags().StringVar(&approvalsToken, "token", "", "Gateway auth token (defaults to the configured token)")
	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsApproveCmd)
	approvalsCmd.AddCommand(approvalsDenyCmd)
}

func answerApproval(cmd *cobra.Command, id string, approved bool) error {
	c, err := newGatewayClient()
	if err != nil {
		return err
	}
	var req approval.Request
	if err := c.do(cmd.Context(), http.MethodPost, "/api/approvals/"+id, map[string]bool{"approved": approved}, &req); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", verdictStyle(string(req.Outcome)).Render(string(req.Outcome)), req.ID, req.Name)
	return nil
}

func renderApprovals(out io.Writer, pending []approval.Request) {
	if len(pending) == 0 {
		fmt.Fprintln(out, headerStyle.Render("✅ No pending approvals"))
		return
	}
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("⏳ %d pending approval(s)", len(pending))))
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join([]string{
		titleStyle.Render("ID"),
		titleStyle.Render("Tool"),
		titleStyle.Render("Tier"),
		titleStyle.Render("Expires"),
		titleStyle.Render("Arguments"),
	}, "\t"))
	for _, r := range pending {
		args, _ := json.Marshal(r.Arguments)
		fmt.Fprintln(w, strings.Join([]string{
			idStyle.Render(r.ID),
			r.Name,
			tierColor(r.RiskTier),
			dateStyle.Render(shortTime(r.ExpiresAt)),
			clip(string(args), 60),
		}, "\t"))
	}
	_ = w.Flush()
}

// gatewayClient talks to the gateway HTTP API.
type gatewayClient struct {
	base   string
	token  string
	client *http.Client
}

func newGatewayClient() (*gatewayClient, error) {
	base, token := approvalsGateway, approvalsToken
	if base == "" || token == "" {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		if base == "" {
			base = fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
		}
		if token == "" {
			token = cfg.Gateway.AuthToken
		}
	}
	return &gatewayClient{
		base:   strings.TrimRight(base, "/"),
		token:  token,
		client: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (c *gatewayClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("gateway: %s", e.Error)
		}
		return fmt.Errorf("gateway: %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
