package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/KafClaw/clawcore/internal/agent"
	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/gateway"
	"github.com/spf13/cobra"
)

var gatewayMode string

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the agent scheduler and the HTTP/websocket gateway",
	RunE:  runGateway,
}

func init() {
	gatewayCmd.Flags().StringVar(&gatewayMode, "mode", "", "Autonomy mode for new sessions (readonly, supervised, full)")
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, gatewayMode)
	if err != nil {
		return err
	}
	defer rt.Close()

	printHeader(cmd.OutOrStdout(), "🌐 clawcore gateway")

	msgBus := bus.NewMessageBus()
	msgBus.SubscribeAll(func(m *bus.OutboundMessage) {
		slog.Info("Outbound", "channel", m.Channel, "chat", m.ChatID, "session", m.SessionID, "state", m.State)
	})
	sched := agent.NewScheduler(rt.loop, msgBus, rt.approvals)

	opts := gateway.Options{
		Scheduler: sched,
		Bus:       msgBus,
		Sessions:  rt.sessions,
		Approvals: rt.approvals,
		AuthToken: cfg.Gateway.AuthToken,
	}
	if rt.timeline != nil {
		opts.Audit = rt.timeline
	}
	srv := gateway.New(opts)
	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)

	fmt.Fprintf(cmd.OutOrStdout(), "Mode:      %s\n", rt.mode)
	fmt.Fprintf(cmd.OutOrStdout(), "Workspace: %s\n", cfg.Paths.Workspace)
	fmt.Fprintf(cmd.OutOrStdout(), "API:       http://%s\n", addr)

	go msgBus.DispatchOutbound(ctx)

	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(ctx) }()

	err = srv.ListenAndServe(ctx, addr)
	// A listen failure must also stop the scheduler.
	stop()
	if schedErr := <-schedDone; err == nil {
		err = schedErr
	}
	slog.Info("Gateway stopped")
	return err
}
