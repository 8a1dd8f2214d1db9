package approval

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/clawcore/internal/tools"
)

func submitAsync(m *Manager, ctx context.Context, req Request) <-chan Request {
	out := make(chan Request, 1)
	go func() {
		r, _ := m.Submit(ctx, req)
		out <- r
	}()
	return out
}

// waitPending returns the approval id of the pending request for toolCallID.
func waitPending(t *testing.T, m *Manager, toolCallID string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, r := range m.Pending() {
			if r.ToolCallID == toolCallID {
				return r.ID
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("request for %s never became pending", toolCallID)
	return ""
}

func TestApproved(t *testing.T) {
	m := NewManager(nil, time.Second)
	done := submitAsync(m, context.Background(), Request{ToolCallID: "c1", SessionID: "s1", Name: "exec", RiskTier: tools.RiskHigh})
	id := waitPending(t, m, "c1")
	if !strings.HasPrefix(id, "apr_") {
		t.Fatalf("expected a minted approval id, got %q", id)
	}

	if err := m.Respond(id, true); err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	r := <-done
	if r.Outcome != Approved || r.ID != id || r.ToolCallID != "c1" {
		t.Fatalf("expected approved c1, got %+v", r)
	}
	if r.ExpiresAt.Sub(r.CreatedAt) != time.Second {
		t.Errorf("unexpected expiry window %v", r.ExpiresAt.Sub(r.CreatedAt))
	}
}

func TestDenied(t *testing.T) {
	m := NewManager(nil, time.Second)
	done := submitAsync(m, context.Background(), Request{ToolCallID: "c1", Name: "exec"})
	id := waitPending(t, m, "c1")

	if err := m.Resolve(id, Denied); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if r := <-done; r.Outcome != Denied {
		t.Fatalf("expected denied, got %s", r.Outcome)
	}
}

func TestTimeout(t *testing.T) {
	m := NewManager(nil, 50*time.Millisecond)
	r, err := m.Submit(context.Background(), Request{ToolCallID: "c1", Name: "exec"})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if r.Outcome != TimedOut || r.Note != NoteTimeout {
		t.Fatalf("expected timed out, got %s (%s)", r.Outcome, r.Note)
	}
	if len(m.Pending()) != 0 {
		t.Fatal("timed out request must not stay pending")
	}
}

func TestCancellationDenies(t *testing.T) {
	m := NewManager(nil, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	done := submitAsync(m, ctx, Request{ToolCallID: "c1", Name: "exec"})
	waitPending(t, m, "c1")
	cancel()

	r := <-done
	if r.Outcome != Denied || r.Note != NoteCancelled {
		t.Fatalf("expected cancelled denial, got %s (%s)", r.Outcome, r.Note)
	}
	if len(m.Pending()) != 0 {
		t.Fatal("cancelled request left dangling")
	}
}

func TestResolveIsTerminalOnce(t *testing.T) {
	m := NewManager(nil, time.Second)
	done := submitAsync(m, context.Background(), Request{ToolCallID: "c1", Name: "exec"})
	id := waitPending(t, m, "c1")

	if err := m.Resolve(id, Approved); err != nil {
		t.Fatalf("first resolve failed: %v", err)
	}
	err := m.Resolve(id, Denied)
	if !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending on second resolve, got %v", err)
	}
	<-done
	r, ok := m.Get(id)
	if !ok || r.Outcome != Approved {
		t.Fatalf("first outcome must stick, got %+v", r)
	}
}

func TestConcurrentResolversPickOneOutcome(t *testing.T) {
	m := NewManager(nil, time.Second)
	done := submitAsync(m, context.Background(), Request{ToolCallID: "c1", Name: "exec"})
	id := waitPending(t, m, "c1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if m.Respond(id, i%2 == 0) == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	<-done
	if wins != 1 {
		t.Fatalf("expected exactly one successful resolve, got %d", wins)
	}
}

func TestResolveRejectsInvalid(t *testing.T) {
	m := NewManager(nil, time.Second)
	if err := m.Resolve("missing", Approved); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
	if err := m.Resolve("missing", Pending); err == nil {
		t.Fatal("expected error for non-terminal outcome")
	}
}

func TestSubmitRejectsPendingDuplicate(t *testing.T) {
	m := NewManager(nil, time.Second)
	if _, err := m.Submit(context.Background(), Request{}); err == nil {
		t.Fatal("expected error without tool call id")
	}
	done := submitAsync(m, context.Background(), Request{ToolCallID: "c1", SessionID: "s1"})
	id := waitPending(t, m, "c1")
	if _, err := m.Submit(context.Background(), Request{ToolCallID: "c1", SessionID: "s1"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	m.Respond(id, true)
	<-done
}

func TestToolCallIDsMayRepeat(t *testing.T) {
	m := NewManager(nil, time.Second)
	first := submitAsync(m, context.Background(), Request{ToolCallID: "call_0", SessionID: "s1"})
	firstID := waitPending(t, m, "call_0")
	m.Respond(firstID, true)
	<-first

	// A later turn, or another session, reuses the provider's id.
	for _, sess := range []string{"s1", "s2"} {
		done := submitAsync(m, context.Background(), Request{ToolCallID: "call_0", SessionID: sess})
		id := waitPending(t, m, "call_0")
		if id == firstID {
			t.Fatalf("%s: approval id reused", sess)
		}
		if err := m.Respond(id, true); err != nil {
			t.Fatalf("%s: respond failed: %v", sess, err)
		}
		if r := <-done; r.Outcome != Approved {
			t.Fatalf("%s: expected approved, got %s (%s)", sess, r.Outcome, r.Note)
		}
	}
	if r, ok := m.Get(firstID); !ok || r.Outcome != Approved || r.SessionID != "s1" {
		t.Fatalf("first request must keep its outcome, got %+v", r)
	}
}

func TestCancelSession(t *testing.T) {
	m := NewManager(nil, time.Minute)
	a := submitAsync(m, context.Background(), Request{ToolCallID: "a", SessionID: "s1"})
	b := submitAsync(m, context.Background(), Request{ToolCallID: "b", SessionID: "s2"})
	waitPending(t, m, "a")
	bID := waitPending(t, m, "b")

	if n := m.CancelSession("s1"); n != 1 {
		t.Fatalf("expected 1 cancelled, got %d", n)
	}
	if r := <-a; r.Outcome != Denied || r.Note != NoteClosed {
		t.Fatalf("unexpected outcome %+v", r)
	}
	if pending := m.Pending(); len(pending) != 1 || pending[0].ToolCallID != "b" {
		t.Fatalf("other session must be untouched, got %+v", pending)
	}
	m.Respond(bID, true)
	<-b
}

func TestSubscribersSeeLifecycleInOrder(t *testing.T) {
	m := NewManager(nil, time.Second)
	events := make(chan Request, 4)
	unsubscribe := m.Subscribe(func(r Request) { events <- r })
	defer unsubscribe()

	done := submitAsync(m, context.Background(), Request{ToolCallID: "c1", Name: "write_file"})
	first := <-events
	if first.Outcome != Pending || first.Name != "write_file" {
		t.Fatalf("expected pending event first, got %+v", first)
	}
	m.Respond(first.ID, false)
	second := <-events
	if second.Outcome != Denied {
		t.Fatalf("expected denied event, got %+v", second)
	}
	<-done
}

type fakeStore struct {
	mu       sync.Mutex
	inserted []string
	statuses map[string]string
	stale    []string
}

func (s *fakeStore) InsertApprovalRequest(id, sessionID, tool, tier, argsJSON string, createdAt, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, id)
	s.statuses[id] = string(Pending)
	return nil
}

func (s *fakeStore) UpdateApprovalStatus(id, status, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	return nil
}

func (s *fakeStore) PendingApprovalIDs() ([]string, error) {
	return s.stale, nil
}

func TestStorePersistenceAndStaleExpiry(t *testing.T) {
	store := &fakeStore{statuses: map[string]string{}, stale: []string{"old"}}
	m := NewManager(store, time.Second)
	if store.statuses["old"] != string(TimedOut) {
		t.Fatalf("stale request not expired: %v", store.statuses)
	}

	done := submitAsync(m, context.Background(), Request{ToolCallID: "c1"})
	id := waitPending(t, m, "c1")
	m.Respond(id, true)
	<-done

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.inserted) != 1 || store.inserted[0] != id || store.statuses[id] != string(Approved) {
		t.Fatalf("unexpected store state: %+v", store)
	}
}

func TestParseChatResponse(t *testing.T) {
	cases := []struct {
		in       string
		id       string
		approved bool
		ok       bool
	}{
		{"approve:abc", "abc", true, true},
		{"  Deny: xyz ", "xyz", false, true},
		{"approve:", "", true, false},
		{"hello", "", false, false},
	}
	for _, tc := range cases {
		id, approved, ok := ParseChatResponse(tc.in)
		if id != tc.id || approved != tc.approved || ok != tc.ok {
			t.Errorf("%q: got (%q, %v, %v)", tc.in, id, approved, ok)
		}
	}
}

func TestFormatPrompt(t *testing.T) {
	msg := FormatPrompt(Request{ID: "apr_9", ToolCallID: "c9", Name: "exec", RiskTier: tools.RiskHigh, Arguments: map[string]any{"command": "curl x"}})
	for _, want := range []string{`"exec"`, "high risk", "command=curl x", "approve:apr_9", "deny:apr_9"} {
		if !strings.Contains(msg, want) {
			t.Errorf("prompt missing %q:\n%s", want, msg)
		}
	}
}

func TestTerminalPrompter(t *testing.T) {
	m := NewManager(nil, time.Second)
	var out bytes.Buffer
	var outMu sync.Mutex
	p := NewTerminalPrompter(m, strings.NewReader("maybe\na\n"), &lockedWriter{w: &out, mu: &outMu})
	unsubscribe := p.Attach()
	defer unsubscribe()

	r, _ := m.Submit(context.Background(), Request{ToolCallID: "c1", Name: "exec", RiskTier: tools.RiskMedium})
	if r.Outcome != Approved {
		t.Fatalf("expected approval from terminal input, got %s", r.Outcome)
	}
	outMu.Lock()
	defer outMu.Unlock()
	if !strings.Contains(out.String(), "Invalid input") {
		t.Errorf("expected invalid input notice, got:\n%s", out.String())
	}
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
