package timeline

import (
	"time"
)

// AuditRecord is one row of the audit mirror.
type AuditRecord struct {
	ID         int64     `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Kind       string    `json:"kind"`
	SessionID  string    `json:"sessionId"`
	ToolCallID string    `json:"toolCallId"`
	Name       string    `json:"name"`
	Arguments  string    `json:"arguments"`
	Decision   string    `json:"decision"`
	Reason     string    `json:"reason"`
	RiskTier   string    `json:"riskTier,omitempty"`
	// Result is the JSON-encoded execution result, empty for decisions.
	Result string `json:"result,omitempty"`
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	SessionID  string
	ToolCallID string
	Kind       string
	Limit      int
}

// ApprovalRecord represents a tool approval request stored in the database.
type ApprovalRecord struct {
	ID          int64      `json:"id"`
	ApprovalID  string     `json:"approval_id"`
	SessionID   string     `json:"session_id"`
	Tool        string     `json:"tool"`
	Tier        string     `json:"tier"`
	Arguments   string     `json:"arguments"`
	Status      string     `json:"status"`
	Note        string     `json:"note,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	kind TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	tool_call_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	arguments TEXT NOT NULL DEFAULT '{}',
	decision TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	risk_tier TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_entries(session_id);
CREATE INDEX IF NOT EXISTS idx_audit_call ON audit_entries(tool_call_id);

-- No UPDATE or DELETE is ever issued against audit_entries.
CREATE TRIGGER IF NOT EXISTS audit_entries_no_update
BEFORE UPDATE ON audit_entries
BEGIN
	SELECT RAISE(ABORT, 'audit entries are append-only');
END;

CREATE TRIGGER IF NOT EXISTS audit_entries_no_delete
BEFORE DELETE ON audit_entries
BEGIN
	SELECT RAISE(ABORT, 'audit entries are append-only');
END;

CREATE TABLE IF NOT EXISTS approval_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	approval_id TEXT UNIQUE NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	tool TEXT NOT NULL,
	tier TEXT NOT NULL DEFAULT '',
	arguments TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'pending',
	note TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	responded_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_approval_status ON approval_requests(status);
CREATE INDEX IF NOT EXISTS idx_approval_session ON approval_requests(session_id);
`
