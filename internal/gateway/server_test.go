package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/clawcore/internal/agent"
	"github.com/KafClaw/clawcore/internal/approval"
	"github.com/KafClaw/clawcore/internal/audit"
	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/policy"
	"github.com/KafClaw/clawcore/internal/provider"
	"github.com/KafClaw/clawcore/internal/session"
	"github.com/KafClaw/clawcore/internal/timeline"
	"github.com/KafClaw/clawcore/internal/tools"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type playbackProvider struct {
	mu       sync.Mutex
	contents []string
	n        int
}

func (p *playbackProvider) Chat(_ context.Context, _ *provider.ChatRequest) (*provider.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	content := "done"
	if p.n < len(p.contents) {
		content = p.contents[p.n]
	}
	p.n++
	return &provider.ChatResponse{Content: content}, nil
}

func (p *playbackProvider) DefaultModel() string { return "mock-model" }

type fakeAudit struct {
	filters []timeline.AuditFilter
	records []timeline.AuditRecord
}

func (f *fakeAudit) ListAudit(filter timeline.AuditFilter) ([]timeline.AuditRecord, error) {
	f.filters = append(f.filters, filter)
	return f.records, nil
}

type harness struct {
	srv       *httptest.Server
	sched     *agent.Scheduler
	bus       *bus.MessageBus
	sessions  *session.Manager
	approvals *approval.Manager
	audit     *fakeAudit
	workspace string
}

func newHarness(t *testing.T, mode policy.Mode, token string, contents ...string) *harness {
	t.Helper()
	ws := t.TempDir()
	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg, ws); err != nil {
		t.Fatal(err)
	}
	approvals := approval.NewManager(nil, 5*time.Second)
	pol := policy.New(policy.Options{
		Workspace: ws,
		Manifests: reg,
		Limiter:   policy.NewRateLimiter(100),
		Audit:     &audit.Memory{},
		Approvals: approvals,
	})
	sessions := session.NewManager("")
	loop := agent.NewLoop(agent.LoopOptions{
		Provider:  &playbackProvider{contents: contents},
		Registry:  reg,
		Policy:    pol,
		Sessions:  sessions,
		Workspace: ws,
		Mode:      func() policy.Mode { return mode },
	})
	msgBus := bus.NewMessageBus()
	sched := agent.NewScheduler(loop, msgBus, approvals)
	t.Cleanup(sched.Stop)

	fa := &fakeAudit{}
	gw := New(Options{Scheduler: sched, Bus: msgBus, Sessions: sessions, Approvals: approvals, Audit: fa, AuthToken: token})
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, sched: sched, bus: msgBus, sessions: sessions, approvals: approvals, audit: fa, workspace: ws}
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		rd = bytes.NewReader(data)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (h *harness) waitPending(t *testing.T) approval.Request {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p := h.approvals.Pending(); len(p) == 1 {
			return p[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no pending approval appeared")
	return approval.Request{}
}

func TestPostMessageRunsTurn(t *testing.T) {
	h := newHarness(t, policy.ModeReadOnly, "", "hello there")
	resp, body := h.do(t, http.MethodPost, "/api/sessions/http/u1/messages", messageRequest{Content: "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var out turnResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Content != "hello there" || out.State != string(agent.StateCompleted) || out.SessionKey != "http:u1" {
		t.Fatalf("unexpected response %+v", out)
	}

	resp, body = h.do(t, http.MethodGet, "/api/sessions", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"key":"http:u1"`) {
		t.Fatalf("session listing missing http:u1: %d %s", resp.StatusCode, body)
	}
}

func TestPostMessageValidation(t *testing.T) {
	h := newHarness(t, policy.ModeReadOnly, "")
	if resp, _ := h.do(t, http.MethodPost, "/api/sessions/http/u1/messages", messageRequest{Content: "  "}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty content, got %d", resp.StatusCode)
	}
}

func TestAuthToken(t *testing.T) {
	h := newHarness(t, policy.ModeReadOnly, "s3cret")
	if resp, _ := h.do(t, http.MethodGet, "/api/approvals", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if resp, _ := h.do(t, http.MethodGet, "/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("health check should not need a token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/api/approvals", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}
}

func TestApprovalOverHTTP(t *testing.T) {
	h := newHarness(t, policy.ModeSupervised, "",
		`{"tool":"write_file","args":{"path":"b.txt","content":"beta"}}`, "written")

	type result struct {
		status int
		body   []byte
	}
	done := make(chan result, 1)
	go func() {
		resp, body := h.do(t, http.MethodPost, "/api/sessions/http/u1/messages", messageRequest{Content: "write b"})
		done <- result{resp.StatusCode, body}
	}()

	pending := h.waitPending(t)
	resp, body := h.do(t, http.MethodGet, "/api/approvals", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), pending.ID) {
		t.Fatalf("pending list missing request: %s", body)
	}
	if resp, _ := h.do(t, http.MethodPost, "/api/approvals/"+pending.ID, map[string]string{"approved": "yes"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", resp.StatusCode)
	}
	if resp, body := h.do(t, http.MethodPost, "/api/approvals/"+pending.ID, map[string]bool{"approved": true}); resp.StatusCode != http.StatusOK {
		t.Fatalf("approve failed: %d %s", resp.StatusCode, body)
	}
	if resp, _ := h.do(t, http.MethodPost, "/api/approvals/"+pending.ID, map[string]bool{"approved": true}); resp.StatusCode != http.StatusConflict {
		t.Fatalf("second answer should conflict, got %d", resp.StatusCode)
	}

	select {
	case r := <-done:
		if r.status != http.StatusOK || !strings.Contains(string(r.body), `"content":"written"`) {
			t.Fatalf("unexpected turn result %d %s", r.status, r.body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("turn did not finish after approval")
	}
	if data, err := os.ReadFile(filepath.Join(h.workspace, "b.txt")); err != nil || string(data) != "beta" {
		t.Fatalf("approved write missing: %q %v", data, err)
	}
}

func TestPostMessageModeOnlyNarrows(t *testing.T) {
	tests := []struct {
		name       string
		configured policy.Mode
		requested  string
		want       policy.Mode
	}{
		{"cannot raise readonly", policy.ModeReadOnly, "full", policy.ModeReadOnly},
		{"cannot raise supervised", policy.ModeSupervised, "full", policy.ModeSupervised},
		{"may narrow full", policy.ModeFull, "readonly", policy.ModeReadOnly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.configured, "", `{"tool":"write_file","args":{"path":"b.txt","content":"beta"}}`, "done")
			// Supervised asks for approval; deny it so the turn finishes.
			unsubscribe := h.approvals.Subscribe(func(r approval.Request) {
				if r.Outcome == approval.Pending {
					_ = h.approvals.Respond(r.ID, false)
				}
			})
			defer unsubscribe()

			resp, body := h.do(t, http.MethodPost, "/api/sessions/http/u1/messages", messageRequest{Content: "write b", Mode: tt.requested})
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status %d: %s", resp.StatusCode, body)
			}
			sess, ok := h.sessions.Get(session.Key("http", "u1"))
			if !ok || sess.Mode != tt.want {
				t.Fatalf("expected session mode %s, got %+v", tt.want, sess)
			}
			if _, err := os.Stat(filepath.Join(h.workspace, "b.txt")); !os.IsNotExist(err) {
				t.Fatal("write_file ran beyond the configured mode")
			}
		})
	}
}

func TestChatApprovalThroughPostMessage(t *testing.T) {
	h := newHarness(t, policy.ModeSupervised, "",
		`{"tool":"write_file","args":{"path":"b.txt","content":"beta"}}`, "written")

	done := make(chan []byte, 1)
	go func() {
		_, body := h.do(t, http.MethodPost, "/api/sessions/http/u1/messages", messageRequest{Content: "write b"})
		done <- body
	}()
	pending := h.waitPending(t)

	_, body := h.do(t, http.MethodPost, "/api/sessions/http/u2/messages", messageRequest{Content: "approve:" + pending.ID})
	if !strings.Contains(string(body), "No pending approval") {
		t.Fatalf("foreign conversation should be refused, got %s", body)
	}

	resp, body := h.do(t, http.MethodPost, "/api/sessions/http/u1/messages", messageRequest{Content: "approve:" + pending.ID})
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "Approved "+pending.ID) {
		t.Fatalf("unexpected approval reply %d %s", resp.StatusCode, body)
	}

	select {
	case body := <-done:
		if !strings.Contains(string(body), `"content":"written"`) {
			t.Fatalf("unexpected turn result %s", body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("turn still blocked after chat approval")
	}
	if data, err := os.ReadFile(filepath.Join(h.workspace, "b.txt")); err != nil || string(data) != "beta" {
		t.Fatalf("approved write missing: %q %v", data, err)
	}
}

func TestInboxRunsThroughBus(t *testing.T) {
	h := newHarness(t, policy.ModeReadOnly, "", "hello there")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replies := make(chan *bus.OutboundMessage, 4)
	h.bus.SubscribeAll(func(m *bus.OutboundMessage) { replies <- m })
	go h.bus.DispatchOutbound(ctx)
	go h.sched.Run(ctx)

	resp, body := h.do(t, http.MethodPost, "/api/sessions/http/u1/inbox", messageRequest{Content: "hi"})
	if resp.StatusCode != http.StatusAccepted || !strings.Contains(string(body), `"sessionKey":"http:u1"`) {
		t.Fatalf("unexpected inbox response %d %s", resp.StatusCode, body)
	}
	select {
	case m := <-replies:
		if m.ChatID != "u1" || m.Content != "hello there" || m.State != string(agent.StateCompleted) {
			t.Fatalf("unexpected reply %+v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reply dispatched")
	}

	if resp, _ := h.do(t, http.MethodPost, "/api/sessions/http/u1/inbox", messageRequest{Content: " "}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty content, got %d", resp.StatusCode)
	}
}

func TestCloseSession(t *testing.T) {
	h := newHarness(t, policy.ModeReadOnly, "", "hi")
	if resp, _ := h.do(t, http.MethodDelete, "/api/sessions/http/nobody", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", resp.StatusCode)
	}
	h.do(t, http.MethodPost, "/api/sessions/http/u1/messages", messageRequest{Content: "hi"})
	if resp, body := h.do(t, http.MethodDelete, "/api/sessions/http/u1", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("close failed: %d %s", resp.StatusCode, body)
	}
}

func TestListAudit(t *testing.T) {
	h := newHarness(t, policy.ModeReadOnly, "")
	h.audit.records = []timeline.AuditRecord{{ID: 1, Kind: "decision", SessionID: "s1", Name: "exec"}}

	resp, body := h.do(t, http.MethodGet, "/api/audit?session=s1&limit=5", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"name":"exec"`) {
		t.Fatalf("unexpected audit response %d %s", resp.StatusCode, body)
	}
	if f := h.audit.filters[0]; f.SessionID != "s1" || f.Limit != 5 {
		t.Fatalf("filter not passed through: %+v", f)
	}
	if resp, _ := h.do(t, http.MethodGet, "/api/audit?limit=lots", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestApprovalStream(t *testing.T) {
	h := newHarness(t, policy.ModeSupervised, "",
		`{"tool":"write_file","args":{"path":"b.txt","content":"beta"}}`, "written")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/approvals"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	done := make(chan []byte, 1)
	go func() {
		_, body := h.do(t, http.MethodPost, "/api/sessions/http/u1/messages", messageRequest{Content: "write b"})
		done <- body
	}()

	var ev streamEvent
	if err := wsjson.Read(ctx, conn, &ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != "approval_request" || ev.Request == nil || ev.Request.Name != "write_file" {
		t.Fatalf("unexpected first event %+v", ev)
	}
	if err := wsjson.Write(ctx, conn, streamReply{ID: ev.Request.ID, Approved: true}); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The request can arrive twice when it is raised while the stream is
	// taking its pending snapshot.
	for ev.Type == "approval_request" {
		ev = streamEvent{}
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if ev.Type != "approval_resolved" || ev.Request.Outcome != approval.Approved {
		t.Fatalf("unexpected resolution event %+v", ev)
	}

	select {
	case body := <-done:
		if !strings.Contains(string(body), `"content":"written"`) {
			t.Fatalf("unexpected turn result %s", body)
		}
	case <-ctx.Done():
		t.Fatal("turn did not finish")
	}
}
