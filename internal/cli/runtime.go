package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/KafClaw/clawcore/internal/agent"
	"github.com/KafClaw/clawcore/internal/approval"
	"github.com/KafClaw/clawcore/internal/audit"
	"github.com/KafClaw/clawcore/internal/config"
	"github.com/KafClaw/clawcore/internal/logging"
	"github.com/KafClaw/clawcore/internal/policy"
	"github.com/KafClaw/clawcore/internal/provider"
	"github.com/KafClaw/clawcore/internal/session"
	"github.com/KafClaw/clawcore/internal/timeline"
	"github.com/KafClaw/clawcore/internal/tools"
)

// runtime holds the wired components shared by agent and gateway.
type runtime struct {
	cfg       *config.Config
	mode      policy.Mode
	registry  *tools.Registry
	approvals *approval.Manager
	timeline  *timeline.TimelineService
	sessions  *session.Manager
	loop      *agent.Loop

	closers []func() error
}

// loadConfig loads the config and installs the process logger.
func loadConfig() (*config.Config, func() error, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, closeLog, err := logging.Setup(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, closeLog, nil
}

// newRegistry registers the builtin tools and every module in ModulesDir.
func newRegistry(ctx context.Context, cfg *config.Config) (*tools.Registry, *tools.ModuleLoader, error) {
	reg := tools.NewRegistry()
	reg.SetDefaultTimeout(cfg.Agent.ToolTimeout())
	if err := tools.RegisterBuiltins(reg, cfg.Paths.Workspace); err != nil {
		return nil, nil, err
	}
	loader := &tools.ModuleLoader{Registry: reg, Workspace: cfg.Paths.Workspace}
	if _, err := loader.LoadDir(ctx, cfg.Paths.ModulesDir); err != nil {
		_ = loader.Close()
		return nil, nil, fmt.Errorf("load modules: %w", err)
	}
	return reg, loader, nil
}

// buildRuntime wires registry, audit sinks, approvals, policy and loop
// from cfg. Callers must Close the result.
func buildRuntime(ctx context.Context, cfg *config.Config, modeOverride string) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	if err := config.EnsureWorkspace(cfg.Paths.Workspace); err != nil {
		return nil, err
	}
	if err := config.EnsureDir(cfg.Paths.DataDir); err != nil {
		return nil, err
	}

	rt.mode, err = cfg.Agent.Mode()
	if err != nil {
		return nil, err
	}
	if modeOverride != "" {
		if rt.mode, err = policy.ParseMode(modeOverride); err != nil {
			return nil, err
		}
	}

	reg, loader, err := newRegistry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.registry = reg
	rt.closers = append(rt.closers, loader.Close)

	var sinks []audit.Sink
	fileSink, err := audit.OpenFile(cfg.Audit.Path)
	if err != nil {
		return nil, err
	}
	sinks = append(sinks, fileSink)
	rt.closers = append(rt.closers, fileSink.Close)

	var store approval.Store
	if cfg.Audit.SQLite {
		tl, err := timeline.NewTimelineService(filepath.Join(cfg.Paths.DataDir, "timeline.db"))
		if err != nil {
			return nil, err
		}
		rt.timeline = tl
		rt.closers = append(rt.closers, tl.Close)
		sinks = append(sinks, tl)
		store = tl
	}
	if len(cfg.Audit.KafkaBrokers) > 0 {
		ks, err := audit.NewKafkaSink(cfg.Audit.KafkaBrokers, cfg.Audit.KafkaTopic)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, ks.Close)
		sinks = append(sinks, ks)
	}

	rt.approvals = approval.NewManager(store, cfg.Agent.ApprovalTimeout())
	if cfg.Approvals.SlackBotToken != "" && cfg.Approvals.SlackChannel != "" {
		notifier, err := approval.NewSlackNotifier(cfg.Approvals.SlackBotToken, cfg.Approvals.SlackChannel, cfg.Approvals.SlackAPIBase)
		if err != nil {
			return nil, err
		}
		detach := notifier.Attach(rt.approvals)
		rt.closers = append(rt.closers, func() error { detach(); return nil })
	}

	prov := provider.NewOpenAIProvider(cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Model.Name).
		WithRetries(cfg.Provider.MaxRetries, time.Second)

	pol := policy.New(policy.Options{
		Workspace: cfg.Paths.Workspace,
		Manifests: reg,
		Limiter:   policy.NewRateLimiter(cfg.Agent.RateLimitPerHour),
		Audit:     audit.NewMulti(sinks...),
		Approvals: rt.approvals,
	})

	var summarizer agent.Summarizer
	if cfg.Agent.SummarizeHistory {
		summarizer = &agent.ProviderSummarizer{Provider: prov, Model: cfg.Model.Name}
	}

	rt.sessions = session.NewManager(cfg.Paths.SessionsDir())
	mode := rt.mode
	rt.loop = agent.NewLoop(agent.LoopOptions{
		Provider:      prov,
		Registry:      reg,
		Policy:        pol,
		Sessions:      rt.sessions,
		Summarizer:    summarizer,
		Workspace:     cfg.Paths.Workspace,
		Mode:          func() policy.Mode { return mode },
		Model:         cfg.Model.Name,
		MaxTokens:     cfg.Model.MaxTokens,
		Temperature:   cfg.Model.Temperature,
		MaxIterations: cfg.Agent.MaxIterations,
		HistoryBudget: cfg.Agent.HistoryBudget,
		OnState: func(key string, st agent.State) {
			slog.Debug("Session state", "session", key, "state", st)
		},
	})
	return rt, nil
}

// Close releases sinks, stores and module processes in reverse order.
func (rt *runtime) Close() error {
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	rt.closers = nil
	return first
}
