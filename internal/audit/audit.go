// Package audit records every security decision and execution outcome.
// Entries are only ever appended; nothing in this package rewrites or
// deletes a record once written.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/KafClaw/clawcore/internal/tools"
)

// Entry kinds.
const (
	KindDecision  = "decision"
	KindApproval  = "approval"
	KindExecution = "execution"
)

// Entry is one audit record.
type Entry struct {
	Timestamp       time.Time        `json:"timestamp"`
	Kind            string           `json:"kind"`
	SessionID       string           `json:"sessionId"`
	ToolCallID      string           `json:"toolCallId"`
	Name            string           `json:"name"`
	Arguments       map[string]any   `json:"arguments"`
	Decision        string           `json:"decision"`
	Reason          string           `json:"reason"`
	RiskTier        string           `json:"riskTier,omitempty"`
	ExecutionResult *ExecutionResult `json:"executionResult"`
}

// ExecutionResult is the outcome of a dispatched call.
type ExecutionResult struct {
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	ExitCode   int    `json:"exitCode,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// MaxOutputBytes caps the tool output kept in an entry.
const MaxOutputBytes = 4096

// Sink appends entries. Implementations must be safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// Prepare fills the timestamp, redacts secrets and truncates output.
// Every sink in this package calls it before writing.
func Prepare(e Entry) Entry {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Arguments = RedactArgs(e.Arguments)
	if e.ExecutionResult != nil {
		r := *e.ExecutionResult
		r.Output = truncate(Redact(r.Output), MaxOutputBytes)
		r.Error = truncate(Redact(r.Error), MaxOutputBytes)
		e.ExecutionResult = &r
	}
	return e
}

func truncate(s string, n int) string {
	if cut, ok := tools.Truncate(s, n); ok {
		return cut + "...(truncated)"
	}
	return s
}

// Multi writes each entry to every sink while holding one lock, so all
// sinks observe the same global order.
type Multi struct {
	mu    sync.Mutex
	sinks []Sink
}

// NewMulti fans out to sinks. Nil sinks are skipped.
func NewMulti(sinks ...Sink) *Multi {
	m := &Multi{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Write(ctx context.Context, e Entry) error {
	e = Prepare(e)
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards entries.
type Nop struct{}

func (Nop) Write(context.Context, Entry) error { return nil }

// Memory keeps entries in memory, in write order.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *Memory) Write(_ context.Context, e Entry) error {
	e = Prepare(e)
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

// Entries returns a copy of everything written so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Filter returns the entries matching fn.
func (m *Memory) Filter(fn func(Entry) bool) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if fn(e) {
			out = append(out, e)
		}
	}
	return out
}
