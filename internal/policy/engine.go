// Package policy decides whether a proposed tool call may run.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/KafClaw/clawcore/internal/approval"
	"github.com/KafClaw/clawcore/internal/audit"
	"github.com/KafClaw/clawcore/internal/tools"
)

// Verdict is the outcome of an evaluation.
type Verdict string

const (
	Allow            Verdict = "allow"
	Deny             Verdict = "deny"
	RequiresApproval Verdict = "requires_approval"
)

// Stable denial reasons.
const (
	ReasonRateLimited      = "rate limit exceeded"
	ReasonApprovalDenied   = "approval denied"
	ReasonApprovalTimeout  = "approval timed out"
	ReasonApprovalCanceled = "approval cancelled"
	ReasonAuditFailed      = "audit write failed"
	ReasonNoApprover       = "no approval channel"
)

// Decision is the result of a policy evaluation.
type Decision struct {
	Verdict Verdict
	Reason  string
	Tier    tools.RiskTier
	Ts      time.Time
}

// Allowed reports whether the call may be dispatched.
func (d Decision) Allowed() bool { return d.Verdict == Allow }

// SessionRef identifies the session a call belongs to and the mode it
// was created with.
type SessionRef struct {
	ID   string
	Mode Mode
}

// Options configures a Policy.
type Options struct {
	// Workspace is the root PathGuard confines file access to.
	Workspace string
	Manifests ManifestSource
	// Limiter is shared by all Full-mode sessions. Nil means unlimited.
	Limiter   *RateLimiter
	Audit     audit.Sink
	Approvals *approval.Manager
}

// Policy evaluates tool calls and writes every decision to the audit sink
// before returning it.
type Policy struct {
	workspace  string
	manifests  ManifestSource
	classifier *Classifier
	limiter    *RateLimiter
	audit      audit.Sink
	approvals  *approval.Manager
}

// New builds a policy. A nil audit sink discards entries.
func New(opts Options) *Policy {
	sink := opts.Audit
	if sink == nil {
		sink = audit.Nop{}
	}
	return &Policy{
		workspace:  opts.Workspace,
		manifests:  opts.Manifests,
		classifier: NewClassifier(opts.Manifests),
		limiter:    opts.Limiter,
		audit:      sink,
		approvals:  opts.Approvals,
	}
}

// Evaluate decides on call under the session's mode. Exactly one decision
// entry is audited per call to Evaluate.
func (p *Policy) Evaluate(ctx context.Context, s SessionRef, call *tools.Call) Decision {
	d := p.evaluate(s, call)
	return p.record(ctx, s.ID, call, d)
}

func (p *Policy) evaluate(s SessionRef, call *tools.Call) Decision {
	m, _ := p.manifest(call.Name)

	if tools.IsShellTool(call.Name, m) {
		for _, key := range sortedKeys(call.Arguments) {
			raw, ok := call.Arguments[key].(string)
			if !ok {
				continue
			}
			if pattern, found := DetectInjection(raw); found {
				call.AssignTier(tools.RiskBlocked)
				return p.deny(call, "injection detected: "+pattern)
			}
		}
	}

	paths, unresolved := p.pathsOf(call, m)
	if len(unresolved) > 0 {
		return p.denyPath(call, "unresolvable path: "+unresolved[0])
	}
	for _, path := range paths {
		if v := CheckPathIn(path, p.workspace, m.AllowedPaths); !v.Allowed {
			return p.denyPath(call, v.Reason)
		}
	}

	tier, reason := p.classifier.Classify(call)
	call.AssignTier(tier)
	tier = call.Tier()

	if tier == tools.RiskBlocked {
		return p.deny(call, reason)
	}

	switch s.Mode {
	case ModeSupervised:
		if tier == tools.RiskLow {
			return p.allow(call, reason)
		}
		return Decision{Verdict: RequiresApproval, Reason: fmt.Sprintf("%s risk: %s", tier, reason), Tier: tier, Ts: time.Now()}
	case ModeFull:
		if p.limiter != nil && !p.limiter.Allow() {
			return p.deny(call, ReasonRateLimited)
		}
		return p.allow(call, reason)
	default:
		if tier == tools.RiskLow {
			return p.allow(call, reason)
		}
		return p.deny(call, fmt.Sprintf("read-only mode: %s risk", tier))
	}
}

// pathsOf collects the filesystem paths a call would touch. Shell words
// whose target depends on expansion are returned as unresolved.
func (p *Policy) pathsOf(call *tools.Call, m tools.Manifest) (paths, unresolved []string) {
	for _, key := range m.PathArgs {
		if v, ok := call.Arguments[key].(string); ok && v != "" {
			paths = append(paths, v)
		}
	}
	if tools.IsShellTool(call.Name, m) {
		shellPaths, shellUnresolved := ShellPaths(tools.GetString(call.Arguments, "command", ""))
		paths = append(paths, shellPaths...)
		unresolved = shellUnresolved
	}
	return paths, unresolved
}

func (p *Policy) denyPath(call *tools.Call, reason string) Decision {
	if call.Tier() == tools.RiskUnassigned {
		tier, _ := p.classifier.Classify(call)
		call.AssignTier(tier)
	}
	return p.deny(call, "path denied: "+reason)
}

func (p *Policy) manifest(name string) (tools.Manifest, bool) {
	if p.manifests == nil {
		return tools.Manifest{}, false
	}
	return p.manifests.Manifest(name)
}

func (p *Policy) allow(call *tools.Call, reason string) Decision {
	return Decision{Verdict: Allow, Reason: reason, Tier: call.Tier(), Ts: time.Now()}
}

func (p *Policy) deny(call *tools.Call, reason string) Decision {
	return Decision{Verdict: Deny, Reason: reason, Tier: call.Tier(), Ts: time.Now()}
}

// Reject denies a call without evaluating it, for calls the loop cannot
// dispatch at all such as unknown tools. The denial is audited like any other.
func (p *Policy) Reject(ctx context.Context, sessionID string, call *tools.Call, reason string) Decision {
	call.AssignTier(tools.RiskHigh)
	return p.record(ctx, sessionID, call, p.deny(call, reason))
}

// AwaitApproval runs the approval sub-protocol for a call that evaluated to
// RequiresApproval and blocks until a human, the timeout or ctx decides it.
// Anything other than an explicit approval is a denial.
func (p *Policy) AwaitApproval(ctx context.Context, sessionID string, call *tools.Call, pending Decision) Decision {
	if p.approvals == nil {
		return p.recordApproval(ctx, sessionID, call, p.deny(call, ReasonNoApprover))
	}
	req, err := p.approvals.Submit(ctx, approval.Request{
		ToolCallID: call.ID,
		SessionID:  sessionID,
		Name:       call.Name,
		Arguments:  audit.RedactArgs(call.Arguments),
		RiskTier:   call.Tier(),
		Reason:     pending.Reason,
	})
	if err != nil {
		return p.recordApproval(ctx, sessionID, call, p.deny(call, "approval failed: "+err.Error()))
	}

	var d Decision
	switch {
	case req.Outcome == approval.Approved:
		d = p.allow(call, "approved")
	case req.Outcome == approval.TimedOut:
		d = p.deny(call, ReasonApprovalTimeout)
	case req.Note == approval.NoteCancelled || req.Note == approval.NoteClosed:
		d = p.deny(call, ReasonApprovalCanceled)
	default:
		d = p.deny(call, ReasonApprovalDenied)
	}
	return p.recordApproval(ctx, sessionID, call, d)
}

// RecordOutcome audits the result of a dispatched call.
func (p *Policy) RecordOutcome(ctx context.Context, sessionID string, call *tools.Call, res tools.Result) error {
	return p.audit.Write(ctx, audit.Entry{
		Kind:       audit.KindExecution,
		SessionID:  sessionID,
		ToolCallID: call.ID,
		Name:       call.Name,
		Arguments:  call.Arguments,
		Decision:   string(Allow),
		RiskTier:   call.Tier().String(),
		ExecutionResult: &audit.ExecutionResult{
			Success:    res.Success,
			Output:     res.Output,
			Error:      res.Error,
			ExitCode:   res.ExitCode,
			DurationMs: res.Duration.Milliseconds(),
		},
	})
}

func (p *Policy) record(ctx context.Context, sessionID string, call *tools.Call, d Decision) Decision {
	return p.write(ctx, audit.KindDecision, sessionID, call, d)
}

func (p *Policy) recordApproval(ctx context.Context, sessionID string, call *tools.Call, d Decision) Decision {
	return p.write(ctx, audit.KindApproval, sessionID, call, d)
}

func (p *Policy) write(ctx context.Context, kind, sessionID string, call *tools.Call, d Decision) Decision {
	err := p.audit.Write(context.WithoutCancel(ctx), audit.Entry{
		Timestamp:  d.Ts.UTC(),
		Kind:       kind,
		SessionID:  sessionID,
		ToolCallID: call.ID,
		Name:       call.Name,
		Arguments:  call.Arguments,
		Decision:   string(d.Verdict),
		Reason:     d.Reason,
		RiskTier:   d.Tier.String(),
	})
	if err != nil {
		slog.Error("Policy: audit write failed", "session", sessionID, "tool", call.Name, "id", call.ID, "error", err)
		return Decision{Verdict: Deny, Reason: ReasonAuditFailed, Tier: d.Tier, Ts: d.Ts}
	}

	switch d.Verdict {
	case Allow:
		slog.Debug("Policy decision", "session", sessionID, "tool", call.Name, "id", call.ID, "verdict", d.Verdict, "tier", d.Tier, "reason", d.Reason)
	default:
		slog.Info("Policy decision", "session", sessionID, "tool", call.Name, "id", call.ID, "verdict", d.Verdict, "tier", d.Tier, "reason", d.Reason)
	}
	return d
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
