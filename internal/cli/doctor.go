package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/tools"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
)

type doctorStatus string

const (
	doctorPass doctorStatus = "PASS"
	doctorWarn doctorStatus = "WARN"
	doctorFail doctorStatus = "FAIL"
)

type doctorCheck struct {
	Name    string
	Status  doctorStatus
	Message string
}

var doctorGenerateGatewayToken bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run config and setup diagnostics",
	RunE: func(cmd *cobra.Command, args []string) error {
		if doctorGenerateGatewayToken {
			token := strings.ReplaceAll(uuid.NewString(), "-", "")
			if err := editConfigFile(func(m map[string]any) error {
				return setPath(m, []string{"gateway", "authToken"}, token)
			}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Generated a new gateway auth token.")
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "[%s] config: %v\n", doctorFail, err)
			return fmt.Errorf("doctor found 1 failing check(s)")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		return printDoctor(cmd.OutOrStdout(), runDoctor(ctx, cfg))
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorGenerateGatewayToken, "generate-gateway-token", false, "Generate and persist a new gateway auth token")
	rootCmd.AddCommand(doctorCmd)
}

func printDoctor(out io.Writer, checks []doctorCheck) error {
	failures := 0
	for _, c := range checks {
		status := string(c.Status)
		switch c.Status {
		case doctorPass:
			status = allowStyle.Render(status)
		case doctorWarn:
			status = approvalStyle.Render(status)
		case doctorFail:
			status = denyStyle.Render(status)
			failures++
		}
		fmt.Fprintf(out, "[%s] %s: %s\n", status, c.Name, c.Message)
	}
	if failures > 0 {
		return fmt.Errorf("doctor found %d failing check(s)", failures)
	}
	return nil
}

func runDoctor(ctx context.Context, cfg *config.Config) []doctorCheck {
	checks := []doctorCheck{
		checkAPIKey(cfg),
		checkWritableDir("workspace", cfg.Paths.Workspace),
		checkWritableDir("data dir", cfg.Paths.DataDir),
		checkGateway(cfg),
	}
	checks = append(checks, checkModules(cfg.Paths.ModulesDir)...)
	for _, b := range cfg.Audit.KafkaBrokers {
		checks = append(checks, checkKafka(ctx, b))
	}
	return checks
}

func checkAPIKey(cfg *config.Config) doctorCheck {
	if cfg.Provider.APIKey == "" {
		return doctorCheck{"provider", doctorFail, "no API key (set provider.apiKey or OPENAI_API_KEY)"}
	}
	return doctorCheck{"provider", doctorPass, cfg.Provider.APIBase}
}

func checkWritableDir(name, dir string) doctorCheck {
	if dir == "" {
		return doctorCheck{name, doctorFail, "path is empty"}
	}
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return doctorCheck{name, doctorWarn, dir + " does not exist yet, it is created on first run"}
	}
	if err != nil {
		return doctorCheck{name, doctorFail, err.Error()}
	}
	if !info.IsDir() {
		return doctorCheck{name, doctorFail, dir + " is not a directory"}
	}
	tmp, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return doctorCheck{name, doctorFail, "not writable: " + err.Error()}
	}
	tmp.Close()
	os.Remove(tmp.Name())
	return doctorCheck{name, doctorPass, dir}
}

func checkGateway(cfg *config.Config) doctorCheck {
	host := cfg.Gateway.Host
	loopback := host == "localhost"
	if ip := net.ParseIP(host); ip != nil {
		loopback = ip.IsLoopback()
	}
	if !loopback && cfg.Gateway.AuthToken == "" {
		return doctorCheck{"gateway", doctorFail, fmt.Sprintf("listening on %s without an auth token (run doctor --generate-gateway-token)", host)}
	}
	if cfg.Gateway.AuthToken == "" {
		return doctorCheck{"gateway", doctorWarn, "no auth token, only loopback clients can reach it"}
	}
	return doctorCheck{"gateway", doctorPass, fmt.Sprintf("%s:%d with auth token", host, cfg.Gateway.Port)}
}

func checkModules(dir string) []doctorCheck {
	matches, _ := filepath.Glob(filepath.Join(dir, "*.y*ml"))
	var out []doctorCheck
	for _, p := range matches {
		data, err := os.ReadFile(p)
		if err != nil {
			out = append(out, doctorCheck{"module " + filepath.Base(p), doctorFail, err.Error()})
			continue
		}
		m, err := tools.ParseModuleManifest(data)
		if err != nil {
			out = append(out, doctorCheck{"module " + filepath.Base(p), doctorFail, err.Error()})
			continue
		}
		out = append(out, doctorCheck{"module " + m.Name, doctorPass, fmt.Sprintf("%s, %d tool(s)", m.Transport, len(m.Tools))})
	}
	return out
}

func checkKafka(ctx context.Context, broker string) doctorCheck {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return doctorCheck{"kafka " + broker, doctorFail, err.Error()}
	}
	defer conn.Close()
	if _, err := conn.Brokers(); err != nil {
		return doctorCheck{"kafka " + broker, doctorFail, err.Error()}
	}
	return doctorCheck{"kafka " + broker, doctorPass, "reachable"}
}
