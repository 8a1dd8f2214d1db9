// Package approval provides the human-in-the-loop gate for tool calls that
// need explicit consent before they run.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/KafClaw/clawcore/internal/tools"
	"github.com/google/uuid"
)

// Outcome is the state of an approval request.
type Outcome string

const (
	Pending  Outcome = "pending"
	Approved Outcome = "approved"
	Denied   Outcome = "denied"
	TimedOut Outcome = "timed_out"
)

// Terminal reports whether o is a final outcome.
func (o Outcome) Terminal() bool {
	return o == Approved || o == Denied || o == TimedOut
}

// Notes attached to outcomes the manager produces itself.
const (
	NoteTimeout   = "approval timed out"
	NoteCancelled = "approval cancelled"
	NoteClosed    = "session closed"
)

var (
	// ErrNotPending is returned when resolving a request that is unknown or already final.
	ErrNotPending = errors.New("no pending approval")
	// ErrDuplicate is returned when a session submits a tool call that is
	// already waiting for a decision.
	ErrDuplicate = errors.New("approval already requested for tool call")
)

// DefaultTimeout bounds how long a request waits for a human.
const DefaultTimeout = 2 * time.Minute

// Request is one pending human decision about a tool call. ID is minted by
// the manager; tool call ids are only unique within a turn.
type Request struct {
	ID         string         `json:"id"`
	ToolCallID string         `json:"toolCallId"`
	SessionID  string         `json:"sessionId"`
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments"`
	RiskTier   tools.RiskTier `json:"riskTier"`
	Reason     string         `json:"reason,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	ExpiresAt  time.Time      `json:"expiresAt"`
	Outcome    Outcome        `json:"outcome"`
	ResolvedAt time.Time      `json:"resolvedAt,omitempty"`
	Note       string         `json:"note,omitempty"`
}

// Store persists approval requests. Implementations must be safe for concurrent use.
type Store interface {
	InsertApprovalRequest(id, sessionID, tool, tier, argsJSON string, createdAt, expiresAt time.Time) error
	UpdateApprovalStatus(id, status, note string) error
	PendingApprovalIDs() ([]string, error)
}

type entry struct {
	req  Request
	done chan struct{}
}

// Manager tracks approval requests and fans them out to subscribers.
// Every request moves from Pending to exactly one terminal outcome.
type Manager struct {
	mu       sync.Mutex
	pending  map[string]*entry
	resolved map[string]Request
	order    []string
	subs     map[int]*subscriber
	nextSub  int

	store   Store
	timeout time.Duration
	now     func() time.Time
}

const maxResolved = 1024

// NewManager creates a manager. store may be nil. A non-positive timeout
// uses DefaultTimeout. Requests left pending in the store by a previous
// process are marked timed out.
func NewManager(store Store, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m := &Manager{
		pending:  make(map[string]*entry),
		resolved: make(map[string]Request),
		subs:     make(map[int]*subscriber),
		store:    store,
		timeout:  timeout,
		now:      time.Now,
	}
	m.expireStale()
	return m
}

// Timeout returns the configured wait bound.
func (m *Manager) Timeout() time.Duration { return m.timeout }

func (m *Manager) expireStale() {
	if m.store == nil {
		return
	}
	ids, err := m.store.PendingApprovalIDs()
	if err != nil {
		slog.Warn("Approval: failed to load stale requests", "error", err)
		return
	}
	for _, id := range ids {
		_ = m.store.UpdateApprovalStatus(id, string(TimedOut), "stale after restart")
	}
	if len(ids) > 0 {
		slog.Info("Approval: expired stale requests", "count", len(ids))
	}
}

// Submit registers req, publishes it and blocks until it reaches a terminal
// outcome: an explicit Resolve, expiry, or cancellation of ctx (which
// resolves to Denied). The final request is returned.
func (m *Manager) Submit(ctx context.Context, req Request) (Request, error) {
	if req.ToolCallID == "" {
		return req, errors.New("approval request needs a tool call id")
	}

	now := m.now()
	req.ID = "apr_" + uuid.NewString()
	req.CreatedAt = now
	req.ExpiresAt = now.Add(m.timeout)
	req.Outcome = Pending
	req.ResolvedAt = time.Time{}
	req.Note = ""

	e := &entry{req: req, done: make(chan struct{})}
	m.mu.Lock()
	for _, other := range m.pending {
		if other.req.SessionID == req.SessionID && other.req.ToolCallID == req.ToolCallID {
			m.mu.Unlock()
			return req, fmt.Errorf("%w: %s", ErrDuplicate, req.ToolCallID)
		}
	}
	m.pending[req.ID] = e
	m.mu.Unlock()

	if m.store != nil {
		argsJSON, _ := json.Marshal(req.Arguments)
		if err := m.store.InsertApprovalRequest(req.ID, req.SessionID, req.Name, req.RiskTier.String(), string(argsJSON), req.CreatedAt, req.ExpiresAt); err != nil {
			slog.Warn("Approval: persist failed", "id", req.ID, "error", err)
		}
	}
	m.publish(req)

	timer := time.NewTimer(req.ExpiresAt.Sub(now))
	defer timer.Stop()

	select {
	case <-e.done:
	case <-timer.C:
		_ = m.resolve(req.ID, TimedOut, NoteTimeout)
	case <-ctx.Done():
		_ = m.resolve(req.ID, Denied, NoteCancelled)
	}

	final, _ := m.Get(req.ID)
	return final, nil
}

// Resolve moves a pending request to outcome. Resolving an unknown or
// already-final request returns ErrNotPending and changes nothing.
func (m *Manager) Resolve(id string, outcome Outcome) error {
	if !outcome.Terminal() {
		return fmt.Errorf("invalid approval outcome %q", outcome)
	}
	return m.resolve(id, outcome, "")
}

// Respond is the yes/no form of Resolve.
func (m *Manager) Respond(id string, approved bool) error {
	if approved {
		return m.Resolve(id, Approved)
	}
	return m.Resolve(id, Denied)
}

func (m *Manager) resolve(id string, outcome Outcome, note string) error {
	m.mu.Lock()
	e, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotPending, id)
	}
	delete(m.pending, id)
	e.req.Outcome = outcome
	e.req.ResolvedAt = m.now()
	e.req.Note = note
	m.remember(e.req)
	final := e.req
	close(e.done)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.UpdateApprovalStatus(id, string(outcome), note); err != nil {
			slog.Warn("Approval: status update failed", "id", id, "error", err)
		}
	}
	slog.Info("Approval resolved", "id", id, "tool_call", final.ToolCallID, "session", final.SessionID, "tool", final.Name, "outcome", outcome, "note", note)
	m.publish(final)
	return nil
}

// remember keeps a bounded history of final requests. Caller holds mu.
func (m *Manager) remember(r Request) {
	m.resolved[r.ID] = r
	m.order = append(m.order, r.ID)
	if len(m.order) > maxResolved {
		evict := m.order[0]
		m.order = m.order[1:]
		delete(m.resolved, evict)
	}
}

// Get returns the current state of a request.
func (m *Manager) Get(id string) (Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.pending[id]; ok {
		return e.req, true
	}
	r, ok := m.resolved[id]
	return r, ok
}

// Pending lists requests still waiting for a decision, oldest first.
func (m *Manager) Pending() []Request {
	m.mu.Lock()
	out := make([]Request, 0, len(m.pending))
	for _, e := range m.pending {
		out = append(out, e.req)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CancelSession denies every pending request belonging to sessionID and
// returns how many were cancelled.
func (m *Manager) CancelSession(sessionID string) int {
	m.mu.Lock()
	var ids []string
	for id, e := range m.pending {
		if e.req.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, id := range ids {
		if m.resolve(id, Denied, NoteClosed) == nil {
			n++
		}
	}
	return n
}
