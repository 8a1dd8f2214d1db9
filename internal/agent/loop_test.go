package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/KafClaw/clawcore/internal/approval"
	"github.com/KafClaw/clawcore/internal/audit"
	"github.com/KafClaw/clawcore/internal/policy"
	"github.com/KafClaw/clawcore/internal/provider"
	"github.com/KafClaw/clawcore/internal/session"
	"github.com/KafClaw/clawcore/internal/tools"
)

// scriptedProvider answers each Chat call with fn(n, req), n counting from 0.
type scriptedProvider struct {
	mu       sync.Mutex
	fn       func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error)
	requests []*provider.ChatRequest
}

func (p *scriptedProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	p.mu.Lock()
	n := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	return p.fn(n, req)
}

func (p *scriptedProvider) DefaultModel() string { return "mock-model" }

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// replies returns a provider that plays the given contents in order and
// then keeps answering "done".
func replies(contents ...string) *scriptedProvider {
	return &scriptedProvider{fn: func(n int, _ *provider.ChatRequest) (*provider.ChatResponse, error) {
		if n < len(contents) {
			return &provider.ChatResponse{Content: contents[n]}, nil
		}
		return &provider.ChatResponse{Content: "done"}, nil
	}}
}

type testEnv struct {
	loop      *Loop
	audit     *audit.Memory
	approvals *approval.Manager
	workspace string
	states    *stateLog
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (s *stateLog) add(_ string, st State) {
	s.mu.Lock()
	s.states = append(s.states, st)
	s.mu.Unlock()
}

func (s *stateLog) seen(st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.states {
		if x == st {
			return true
		}
	}
	return false
}

func newTestEnv(t *testing.T, mode policy.Mode, p provider.LLMProvider, tweak func(*LoopOptions)) *testEnv {
	t.Helper()
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "a.txt"), []byte("alpha"), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg, ws); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	mem := &audit.Memory{}
	approvals := approval.NewManager(nil, 2*time.Second)
	pol := policy.New(policy.Options{
		Workspace: ws,
		Manifests: reg,
		Limiter:   policy.NewRateLimiter(100),
		Audit:     mem,
		Approvals: approvals,
	})
	states := &stateLog{}
	opts := LoopOptions{
		Provider:      p,
		Registry:      reg,
		Policy:        pol,
		Sessions:      session.NewManager(filepath.Join(t.TempDir(), "sessions")),
		Workspace:     ws,
		Mode:          func() policy.Mode { return mode },
		MaxIterations: 10,
		OnState:       states.add,
	}
	if tweak != nil {
		tweak(&opts)
	}
	return &testEnv{loop: NewLoop(opts), audit: mem, approvals: approvals, workspace: ws, states: states}
}

func toolMessages(sess *session.Session) []provider.Message {
	var out []provider.Message
	for _, m := range sess.History() {
		if m.Role == "tool" {
			out = append(out, m)
		}
	}
	return out
}

func sessionFor(t *testing.T, env *testEnv, res Result) *session.Session {
	t.Helper()
	sess, ok := env.loop.Sessions().Get(res.SessionKey)
	if !ok {
		t.Fatalf("session %q not cached", res.SessionKey)
	}
	return sess
}

func TestLoopCompletesOnPlainText(t *testing.T) {
	p := replies("hello there")
	env := newTestEnv(t, policy.ModeReadOnly, p, nil)

	res, err := env.loop.Process(context.Background(), "cli", "u1", "hi")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.State != StateCompleted || res.Content != "hello there" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if p.calls() != 1 {
		t.Fatalf("expected 1 provider call, got %d", p.calls())
	}
	sess := sessionFor(t, env, res)
	hist := sess.History()
	if len(hist) != 2 || hist[0].Role != "user" || hist[1].Role != "assistant" {
		t.Fatalf("unexpected history: %+v", hist)
	}
	if sess.CurrentStatus() != session.StatusCompleted {
		t.Fatalf("expected completed status, got %s", sess.CurrentStatus())
	}
}

func TestLoopExhaustsAfterExactlyMaxIterations(t *testing.T) {
	p := &scriptedProvider{fn: func(int, *provider.ChatRequest) (*provider.ChatResponse, error) {
		return &provider.ChatResponse{Content: `{"tool": "read_file", "args": {"path": "a.txt"}}`}, nil
	}}
	env := newTestEnv(t, policy.ModeReadOnly, p, func(o *LoopOptions) { o.MaxIterations = 5 })

	res, err := env.loop.Process(context.Background(), "cli", "u1", "loop forever")
	if err != nil {
		t.Fatalf("exhaustion is not an error, got %v", err)
	}
	if res.State != StateExhausted {
		t.Fatalf("expected exhausted, got %s", res.State)
	}
	if p.calls() != 5 {
		t.Fatalf("expected exactly 5 provider calls, got %d", p.calls())
	}
	if res.Iterations != 5 {
		t.Fatalf("expected 5 iterations, got %d", res.Iterations)
	}
	hist := sessionFor(t, env, res).History()
	last := hist[len(hist)-1]
	if last.Role != "assistant" || !strings.Contains(last.Content, "Stopped after 5 iterations") {
		t.Fatalf("expected summary message, got %+v", last)
	}
	if err := CheckPairing(hist); err != nil {
		t.Fatalf("pairing broken: %v", err)
	}
}

func TestLoopIterationBudgetResetsPerMessage(t *testing.T) {
	p := &scriptedProvider{fn: func(n int, _ *provider.ChatRequest) (*provider.ChatResponse, error) {
		if n%3 == 2 {
			return &provider.ChatResponse{Content: "ok"}, nil
		}
		return &provider.ChatResponse{Content: `{"tool": "list_dir", "args": {}}`}, nil
	}}
	env := newTestEnv(t, policy.ModeReadOnly, p, func(o *LoopOptions) { o.MaxIterations = 3 })

	for i := 0; i < 2; i++ {
		res, err := env.loop.Process(context.Background(), "cli", "u1", "go")
		if err != nil {
			t.Fatalf("Process %d: %v", i, err)
		}
		if res.State != StateCompleted || res.Iterations != 2 {
			t.Fatalf("turn %d: unexpected result %+v", i, res)
		}
	}
}

func TestLoopDispatchesInDocumentOrder(t *testing.T) {
	p := replies(`<tool name="list_dir"/> then {"tool":"read_file","args":{"path":"a.txt"}}`)
	env := newTestEnv(t, policy.ModeReadOnly, p, nil)

	res, err := env.loop.Process(context.Background(), "cli", "u1", "look around")
	if err != nil || res.State != StateCompleted {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
	sess := sessionFor(t, env, res)
	var assistant provider.Message
	for _, m := range sess.History() {
		if len(m.ToolCalls) > 0 {
			assistant = m
		}
	}
	if len(assistant.ToolCalls) != 2 || assistant.ToolCalls[0].Name != "list_dir" || assistant.ToolCalls[1].Name != "read_file" {
		t.Fatalf("unexpected tool calls: %+v", assistant.ToolCalls)
	}
	results := toolMessages(sess)
	if len(results) != 2 || results[0].ToolCallID != assistant.ToolCalls[0].ID || results[1].Content != "alpha" {
		t.Fatalf("unexpected tool results: %+v", results)
	}

	decisions := env.audit.Filter(func(e audit.Entry) bool { return e.Kind == audit.KindDecision })
	if len(decisions) != 2 || decisions[0].Name != "list_dir" || decisions[1].Name != "read_file" {
		t.Fatalf("unexpected audit order: %+v", decisions)
	}
	executions := env.audit.Filter(func(e audit.Entry) bool { return e.Kind == audit.KindExecution })
	if len(executions) != 2 {
		t.Fatalf("expected 2 execution entries, got %d", len(executions))
	}
}

func TestLoopContinuesAfterDenial(t *testing.T) {
	p := replies(`{"tool":"write_file","args":{"path":"b.txt","content":"x"}}
{"tool":"exec","args":{"command":"ls | wc -l"}}
{"tool":"read_file","args":{"path":"a.txt"}}`)
	env := newTestEnv(t, policy.ModeReadOnly, p, nil)

	res, err := env.loop.Process(context.Background(), "cli", "u1", "try things")
	if err != nil || res.State != StateCompleted {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
	results := toolMessages(sessionFor(t, env, res))
	if len(results) != 3 {
		t.Fatalf("expected 3 tool results, got %d", len(results))
	}
	if results[0].Content != "Policy denied: read-only mode: medium risk" {
		t.Fatalf("unexpected first result: %q", results[0].Content)
	}
	if !strings.HasPrefix(results[1].Content, "Policy denied: injection detected") {
		t.Fatalf("unexpected second result: %q", results[1].Content)
	}
	if results[2].Content != "alpha" {
		t.Fatalf("read after denial should run, got %q", results[2].Content)
	}
	if _, err := os.Stat(filepath.Join(env.workspace, "b.txt")); !os.IsNotExist(err) {
		t.Fatal("denied write must not touch the filesystem")
	}
}

func TestLoopFeedsToolFailureBack(t *testing.T) {
	p := replies(`{"tool":"read_file","args":{"path":"missing.txt"}}`)
	env := newTestEnv(t, policy.ModeReadOnly, p, nil)

	res, err := env.loop.Process(context.Background(), "cli", "u1", "read it")
	if err != nil || res.State != StateCompleted {
		t.Fatalf("tool failure must not fail the session: %+v err=%v", res, err)
	}
	results := toolMessages(sessionFor(t, env, res))
	if len(results) != 1 || !strings.HasPrefix(results[0].Content, "Error: ") {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestLoopRejectsUnknownTool(t *testing.T) {
	p := replies(`{"tool":"launch_rocket","args":{}}`)
	env := newTestEnv(t, policy.ModeFull, p, nil)

	res, err := env.loop.Process(context.Background(), "cli", "u1", "go")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	results := toolMessages(sessionFor(t, env, res))
	if len(results) != 1 || results[0].Content != "Policy denied: tool not found: launch_rocket" {
		t.Fatalf("unexpected results: %+v", results)
	}
	entries := env.audit.Entries()
	if len(entries) != 1 || entries[0].Decision != string(policy.Deny) || entries[0].Name != "launch_rocket" {
		t.Fatalf("expected one audited denial, got %+v", entries)
	}
}

func TestLoopProviderFailureFailsSession(t *testing.T) {
	boom := errors.New("upstream 503")
	p := &scriptedProvider{fn: func(int, *provider.ChatRequest) (*provider.ChatResponse, error) {
		return nil, boom
	}}
	env := newTestEnv(t, policy.ModeReadOnly, p, nil)

	res, err := env.loop.Process(context.Background(), "cli", "u1", "hi")
	if !errors.Is(err, ErrProviderFailure) {
		t.Fatalf("expected ErrProviderFailure, got %v", err)
	}
	if res.State != StateFailed {
		t.Fatalf("expected failed, got %s", res.State)
	}
	if got := sessionFor(t, env, res).CurrentStatus(); got != session.StatusFailed {
		t.Fatalf("expected failed status, got %s", got)
	}
}

func TestLoopNativeToolCalls(t *testing.T) {
	p := &scriptedProvider{fn: func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		if n == 0 {
			if len(req.Tools) == 0 {
				t.Error("expected tool definitions in the request")
			}
			return &provider.ChatResponse{ToolCalls: []provider.ToolCall{
				{ID: "native_1", Name: "read_file", Arguments: map[string]any{"path": "a.txt"}},
			}}, nil
		}
		last := req.Messages[len(req.Messages)-1]
		if last.Role != "tool" || last.ToolCallID != "native_1" || last.Content != "alpha" {
			t.Errorf("unexpected last message: %+v", last)
		}
		return &provider.ChatResponse{Content: "read it"}, nil
	}}
	env := newTestEnv(t, policy.ModeReadOnly, p, nil)

	res, err := env.loop.Process(context.Background(), "cli", "u1", "read a")
	if err != nil || res.State != StateCompleted || res.Content != "read it" {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
}

func autoRespond(m *approval.Manager, approved bool) func() {
	return m.Subscribe(func(r approval.Request) {
		if r.Outcome == approval.Pending {
			_ = m.Respond(r.ID, approved)
		}
	})
}

func TestLoopSupervisedApproval(t *testing.T) {
	p := replies(`{"tool":"write_file","args":{"path":"b.txt","content":"beta"}}`)
	env := newTestEnv(t, policy.ModeSupervised, p, nil)
	defer autoRespond(env.approvals, true)()

	res, err := env.loop.Process(context.Background(), "cli", "u1", "write b")
	if err != nil || res.State != StateCompleted {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
	if !env.states.seen(StateAwaitingApproval) {
		t.Fatal("expected the loop to pass through awaiting approval")
	}
	data, err := os.ReadFile(filepath.Join(env.workspace, "b.txt"))
	if err != nil || string(data) != "beta" {
		t.Fatalf("approved write did not happen: %q %v", data, err)
	}
	approvals := env.audit.Filter(func(e audit.Entry) bool { return e.Kind == audit.KindApproval })
	if len(approvals) != 1 || approvals[0].Decision != string(policy.Allow) {
		t.Fatalf("unexpected approval entries: %+v", approvals)
	}
}

func TestLoopSupervisedDenial(t *testing.T) {
	p := replies(`{"tool":"write_file","args":{"path":"b.txt","content":"beta"}}`)
	env := newTestEnv(t, policy.ModeSupervised, p, nil)
	defer autoRespond(env.approvals, false)()

	res, err := env.loop.Process(context.Background(), "cli", "u1", "write b")
	if err != nil || res.State != StateCompleted {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
	results := toolMessages(sessionFor(t, env, res))
	if len(results) != 1 || results[0].Content != "Policy denied: "+policy.ReasonApprovalDenied {
		t.Fatalf("unexpected results: %+v", results)
	}
	if _, err := os.Stat(filepath.Join(env.workspace, "b.txt")); !os.IsNotExist(err) {
		t.Fatal("denied write must not happen")
	}
}

func TestLoopCancelledDuringApproval(t *testing.T) {
	p := replies(`{"tool":"write_file","args":{"path":"b.txt","content":"beta"}}
{"tool":"read_file","args":{"path":"a.txt"}}`)
	env := newTestEnv(t, policy.ModeSupervised, p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	unsubscribe := env.approvals.Subscribe(func(r approval.Request) {
		if r.Outcome == approval.Pending {
			cancel()
		}
	})
	defer unsubscribe()

	res, err := env.loop.Process(ctx, "cli", "u1", "write b")
	if !errors.Is(err, context.Canceled) || res.State != StateFailed {
		t.Fatalf("expected cancellation, got %+v err=%v", res, err)
	}
	if n := len(env.approvals.Pending()); n != 0 {
		t.Fatalf("expected no pending approvals, got %d", n)
	}
	hist := sessionFor(t, env, res).History()
	if err := CheckPairing(hist); err != nil {
		t.Fatalf("cancelled turn left history unpaired: %v", err)
	}
}

func TestLoopTrimsHistoryBeforeEachCall(t *testing.T) {
	const budget = 6
	p := &scriptedProvider{fn: func(n int, req *provider.ChatRequest) (*provider.ChatResponse, error) {
		history := req.Messages[1:]
		if len(history) > budget {
			t.Errorf("call %d: history has %d messages, budget %d", n, len(history), budget)
		}
		if err := CheckPairing(history); err != nil {
			t.Errorf("call %d: %v", n, err)
		}
		if n < 6 {
			return &provider.ChatResponse{Content: `{"tool":"list_dir","args":{}}`}, nil
		}
		return &provider.ChatResponse{Content: "done"}, nil
	}}
	env := newTestEnv(t, policy.ModeReadOnly, p, func(o *LoopOptions) { o.HistoryBudget = budget })

	res, err := env.loop.Process(context.Background(), "cli", "u1", "list a lot")
	if err != nil || res.State != StateCompleted {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
	if p.calls() != 7 {
		t.Fatalf("expected 7 provider calls, got %d", p.calls())
	}
}

func TestLoopModeFixedAtSessionCreation(t *testing.T) {
	mode := policy.ModeReadOnly
	p := replies("one", "two")
	env := newTestEnv(t, mode, p, nil)
	env.loop.mode = func() policy.Mode { return mode }

	res, err := env.loop.Process(context.Background(), "cli", "u1", "first")
	if err != nil {
		t.Fatal(err)
	}
	mode = policy.ModeFull
	if _, err := env.loop.Process(context.Background(), "cli", "u1", "second"); err != nil {
		t.Fatal(err)
	}
	if got := sessionFor(t, env, res).Mode; got != policy.ModeReadOnly {
		t.Fatalf("mode changed mid-session to %s", got)
	}
}

func TestFormatResultKeepsValidUTF8(t *testing.T) {
	out := formatResult(tools.Result{Success: true, Output: "a" + strings.Repeat("ü", maxToolOutputChars)})
	if !strings.HasSuffix(out, "... (output truncated)") {
		t.Fatal("long output was not truncated")
	}
	if !utf8.ValidString(out) {
		t.Error("truncated tool output is not valid UTF-8")
	}
}
