// Package agent runs the tool-calling loop for a session.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/KafClaw/clawcore/internal/policy"
	"github.com/KafClaw/clawcore/internal/provider"
	"github.com/KafClaw/clawcore/internal/session"
	"github.com/KafClaw/clawcore/internal/toolparse"
	"github.com/KafClaw/clawcore/internal/tools"
)

// State is a step of the loop's state machine.
type State string

const (
	StateAwaitingModelResponse State = "awaiting_model_response"
	StateProcessingToolCalls   State = "processing_tool_calls"
	StateAwaitingApproval      State = "awaiting_approval"
	StateCompleted             State = "completed"
	StateExhausted             State = "exhausted"
	StateFailed                State = "failed"
)

// Terminal reports whether no further transition can happen in this turn.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateExhausted || s == StateFailed
}

// ErrProviderFailure wraps errors from the LLM provider after it gave up.
var ErrProviderFailure = errors.New("provider failure")

const (
	defaultMaxIterations = 20
	defaultHistoryBudget = 60
	defaultMaxTokens     = 4096
	maxToolOutputChars   = 16000
)

// LoopOptions contains configuration for the agent loop.
type LoopOptions struct {
	Provider provider.LLMProvider
	Registry *tools.Registry
	Policy   *policy.Policy
	Sessions *session.Manager
	// Parser extracts text tool calls. Defaults to one keyed on Registry.
	Parser     *toolparse.Parser
	Summarizer Summarizer
	Recaller   Recaller
	Workspace  string
	// Mode returns the autonomy mode for new sessions. It is read once per
	// session, never mid-session. Nil means read-only.
	Mode          func() policy.Mode
	Model         string
	MaxTokens     int
	Temperature   float64
	MaxIterations int
	// HistoryBudget is the message count history is trimmed to before each model call.
	HistoryBudget int
	// OnState observes every state transition.
	OnState func(sessionKey string, s State)
}

// Loop drives sessions from a user message to a terminal state.
type Loop struct {
	provider      provider.LLMProvider
	registry      *tools.Registry
	policy        *policy.Policy
	sessions      *session.Manager
	parser        *toolparse.Parser
	summarizer    Summarizer
	contextB      *ContextBuilder
	mode          func() policy.Mode
	model         string
	maxTokens     int
	temperature   float64
	maxIterations int
	historyBudget int
	onState       func(string, State)
}

// NewLoop creates a new agent loop.
func NewLoop(opts LoopOptions) *Loop {
	registry := opts.Registry
	if registry == nil {
		registry = tools.NewRegistry()
	}
	parser := opts.Parser
	if parser == nil {
		parser = toolparse.New(registry.Has)
	}
	pol := opts.Policy
	if pol == nil {
		pol = policy.New(policy.Options{Workspace: opts.Workspace, Manifests: registry})
	}
	mode := opts.Mode
	if mode == nil {
		mode = func() policy.Mode { return policy.ModeReadOnly }
	}
	model := opts.Model
	if model == "" && opts.Provider != nil {
		model = opts.Provider.DefaultModel()
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}
	budget := opts.HistoryBudget
	if budget == 0 {
		budget = defaultHistoryBudget
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = session.NewManager("")
	}

	return &Loop{
		provider:      opts.Provider,
		registry:      registry,
		policy:        pol,
		sessions:      sessions,
		parser:        parser,
		summarizer:    opts.Summarizer,
		contextB:      NewContextBuilder(opts.Workspace, registry, opts.Recaller),
		mode:          mode,
		model:         model,
		maxTokens:     maxTokens,
		temperature:   opts.Temperature,
		maxIterations: maxIter,
		historyBudget: budget,
		onState:       opts.OnState,
	}
}

// Sessions returns the session manager the loop works on.
func (l *Loop) Sessions() *session.Manager { return l.sessions }

// Request is one inbound user message.
type Request struct {
	Channel string
	PeerID  string
	Content string
	// Mode narrows the configured mode when the session is created. A mode
	// with more autonomy than the configured one is ignored, and it has no
	// effect on an existing session.
	Mode policy.Mode
}

// Result is the terminal outcome of a turn.
type Result struct {
	SessionKey string
	SessionID  string
	State      State
	Content    string
	Iterations int
}

// Process runs one user message through the loop until it reaches a terminal state.
func (l *Loop) Process(ctx context.Context, channel, peer, content string) (Result, error) {
	return l.ProcessRequest(ctx, Request{Channel: channel, PeerID: peer, Content: content})
}

// ProcessRequest is Process with a per-request mode for new sessions.
func (l *Loop) ProcessRequest(ctx context.Context, req Request) (Result, error) {
	modeFn := l.mode
	if req.Mode != "" {
		modeFn = func() policy.Mode {
			configured := l.mode()
			mode := configured.Restrict(req.Mode)
			if mode != req.Mode {
				slog.Warn("Requested mode exceeds configured mode", "requested", req.Mode, "configured", configured)
			}
			return mode
		}
	}
	sess := l.sessions.GetOrCreate(req.Channel, req.PeerID, modeFn)
	sess.BeginTurn()
	sess.AddMessage(provider.Message{Role: provider.RoleUser, Content: req.Content})

	res, err := l.run(ctx, sess, req.Content)
	res.SessionKey = sess.Key
	res.SessionID = sess.ID
	res.Iterations = sess.IterationCount

	switch res.State {
	case StateCompleted:
		sess.SetStatus(session.StatusCompleted)
	case StateExhausted:
		sess.SetStatus(session.StatusExhausted)
	case StateFailed:
		// A closed session is already cancelled.
		if sess.CurrentStatus() != session.StatusCancelled {
			sess.SetStatus(session.StatusFailed)
		}
	}
	if saveErr := l.sessions.Save(sess); saveErr != nil {
		slog.Warn("Failed to save session", "session", sess.Key, "error", saveErr)
	}
	return res, err
}

func (l *Loop) run(ctx context.Context, sess *session.Session, query string) (Result, error) {
	tooldefs := toolDefinitions(l.registry)

	for {
		l.setState(sess, StateAwaitingModelResponse)

		history, err := TrimHistory(ctx, sess.History(), l.historyBudget, l.summarizer)
		if err != nil {
			return l.fail(sess, err)
		}
		sess.ReplaceHistory(history)

		resp, err := l.provider.Chat(ctx, &provider.ChatRequest{
			Messages:    l.contextB.BuildMessages(ctx, sess, query),
			Tools:       tooldefs,
			Model:       l.model,
			MaxTokens:   l.maxTokens,
			Temperature: l.temperature,
		})
		if err != nil {
			if ctx.Err() != nil {
				return l.fail(sess, ctx.Err())
			}
			return l.fail(sess, fmt.Errorf("%w: %v", ErrProviderFailure, err))
		}

		calls, err := l.extractCalls(resp)
		if err != nil {
			return l.fail(sess, err)
		}
		if len(calls) == 0 {
			sess.AddMessage(provider.Message{Role: provider.RoleAssistant, Content: resp.Content})
			l.setState(sess, StateCompleted)
			return Result{State: StateCompleted, Content: resp.Content}, nil
		}

		l.setState(sess, StateProcessingToolCalls)
		sess.AddMessage(provider.Message{Role: provider.RoleAssistant, Content: resp.Content, ToolCalls: providerCalls(calls)})

		for i, call := range calls {
			if ctx.Err() != nil {
				// Answer the rest so the history stays paired.
				for _, rest := range calls[i:] {
					sess.AddMessage(toolMessage(rest, "Error: session cancelled"))
				}
				return l.fail(sess, ctx.Err())
			}
			sess.AddMessage(toolMessage(call, l.handleCall(ctx, sess, call)))
		}

		n := sess.IncrementIterations()
		if n >= l.maxIterations {
			summary := exhaustedSummary(n, calls)
			sess.AddMessage(provider.Message{Role: provider.RoleAssistant, Content: summary})
			l.setState(sess, StateExhausted)
			slog.Info("Max iterations reached", "session", sess.Key, "iterations", n)
			return Result{State: StateExhausted, Content: summary}, nil
		}
	}
}

// extractCalls merges native provider calls with calls parsed from the text.
func (l *Loop) extractCalls(resp *provider.ChatResponse) ([]*tools.Call, error) {
	calls := make([]*tools.Call, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		id := tc.ID
		if id == "" {
			id = toolparse.NewCallID()
		}
		args := tc.Arguments
		if args == nil {
			args = map[string]any{}
		}
		calls = append(calls, &tools.Call{
			ID:        id,
			Name:      tc.Name,
			Arguments: args,
			Syntax:    tools.SyntaxNative,
			Unknown:   !l.registry.Has(tc.Name),
		})
	}
	parsed, err := l.parser.Parse(resp.Content)
	if err != nil {
		return nil, err
	}
	return append(calls, parsed...), nil
}

// handleCall takes one call through policy and dispatch and returns the
// content of the tool message fed back to the model.
func (l *Loop) handleCall(ctx context.Context, sess *session.Session, call *tools.Call) string {
	if call.Unknown || !l.registry.Has(call.Name) {
		d := l.policy.Reject(ctx, sess.ID, call, "tool not found: "+call.Name)
		return "Policy denied: " + d.Reason
	}

	d := l.policy.Evaluate(ctx, policy.SessionRef{ID: sess.ID, Mode: sess.Mode}, call)
	if d.Verdict == policy.RequiresApproval {
		l.setState(sess, StateAwaitingApproval)
		d = l.policy.AwaitApproval(ctx, sess.ID, call, d)
		l.setState(sess, StateProcessingToolCalls)
	}
	if !d.Allowed() {
		slog.Info("Tool call denied", "session", sess.Key, "tool", call.Name, "id", call.ID, "reason", d.Reason)
		return "Policy denied: " + d.Reason
	}

	slog.Info("Tool call", "session", sess.Key, "tool", call.Name, "id", call.ID, "tier", call.Tier())
	res := l.registry.Dispatch(ctx, call)
	if err := l.policy.RecordOutcome(ctx, sess.ID, call, res); err != nil {
		slog.Error("Failed to audit tool outcome", "session", sess.Key, "tool", call.Name, "error", err)
	}
	return formatResult(res)
}

func (l *Loop) fail(sess *session.Session, err error) (Result, error) {
	l.setState(sess, StateFailed)
	slog.Error("Agent loop failed", "session", sess.Key, "error", err)
	return Result{State: StateFailed, Content: "Error: " + err.Error()}, err
}

func (l *Loop) setState(sess *session.Session, s State) {
	slog.Debug("Agent state", "session", sess.Key, "state", s)
	if l.onState != nil {
		l.onState(sess.Key, s)
	}
}

func providerCalls(calls []*tools.Call) []provider.ToolCall {
	out := make([]provider.ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, provider.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments})
	}
	return out
}

func toolMessage(call *tools.Call, content string) provider.Message {
	return provider.Message{Role: provider.RoleTool, Content: content, ToolCallID: call.ID}
}

func formatResult(res tools.Result) string {
	var out string
	switch {
	case res.Success && res.Output == "":
		out = "(no output)"
	case res.Success:
		out = res.Output
	case res.Output != "":
		out = fmt.Sprintf("Error: %s\n%s", res.Error, res.Output)
	default:
		out = "Error: " + res.Error
	}
	if cut, ok := tools.Truncate(out, maxToolOutputChars); ok {
		out = cut + "\n... (output truncated)"
	}
	return out
}

func exhaustedSummary(iterations int, last []*tools.Call) string {
	names := make([]string, 0, len(last))
	for _, c := range last {
		names = append(names, c.Name)
	}
	return fmt.Sprintf("Stopped after %d iterations without a final answer. Last tool calls: %s.",
		iterations, strings.Join(names, ", "))
}
