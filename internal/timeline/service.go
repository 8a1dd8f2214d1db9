// Package timeline keeps a queryable SQLite mirror of the audit trail and
// of approval requests.
package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/KafClaw/clawcore/internal/audit"
	_ "modernc.org/sqlite"
)

type TimelineService struct {
	db *sql.DB
}

func NewTimelineService(dbPath string) (*TimelineService, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create timeline dir: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	// Best-effort migration for dbs created before notes were kept.
	_, _ = db.Exec(`ALTER TABLE approval_requests ADD COLUMN note TEXT NOT NULL DEFAULT ''`)

	return &TimelineService{db: db}, nil
}

func (s *TimelineService) DB() *sql.DB { return s.db }

func (s *TimelineService) Close() error {
	return s.db.Close()
}

// --- Audit mirror ---

// Write appends an audit entry. It implements audit.Sink.
func (s *TimelineService) Write(ctx context.Context, e audit.Entry) error {
	e = audit.Prepare(e)
	args, err := json.Marshal(e.Arguments)
	if err != nil {
		args = []byte("{}")
	}
	result := ""
	if e.ExecutionResult != nil {
		if data, err := json.Marshal(e.ExecutionResult); err == nil {
			result = string(data)
		}
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_entries
		(timestamp, kind, session_id, tool_call_id, name, arguments, decision, reason, risk_tier, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UTC(), e.Kind, e.SessionID, e.ToolCallID, e.Name, string(args), e.Decision, e.Reason, e.RiskTier, result)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAudit returns matching entries, newest first.
func (s *TimelineService) ListAudit(filter AuditFilter) ([]AuditRecord, error) {
	query := `SELECT id, timestamp, kind, session_id, tool_call_id, name, arguments, decision, reason, risk_tier, result
		FROM audit_entries`
	var where []string
	var args []any
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.ToolCallID != "" {
		where = append(where, "tool_call_id = ?")
		args = append(args, filter.ToolCallID)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.Kind, &r.SessionID, &r.ToolCallID, &r.Name,
			&r.Arguments, &r.Decision, &r.Reason, &r.RiskTier, &r.Result); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Approval Requests ---

// InsertApprovalRequest persists a new approval request.
func (s *TimelineService) InsertApprovalRequest(approvalID, sessionID, tool, tier, arguments string, createdAt, expiresAt time.Time) error {
	_, err := s.db.Exec(`INSERT INTO approval_requests
		(approval_id, session_id, tool, tier, arguments, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)`,
		approvalID, sessionID, tool, tier, arguments, createdAt.UTC(), expiresAt.UTC())
	return err
}

// UpdateApprovalStatus records a terminal status. Rows that are no longer
// pending are left alone.
func (s *TimelineService) UpdateApprovalStatus(approvalID, status, note string) error {
	_, err := s.db.Exec(`UPDATE approval_requests SET status = ?, note = ?, responded_at = ?
		WHERE approval_id = ? AND status = 'pending'`,
		status, note, time.Now().UTC(), approvalID)
	return err
}

// PendingApprovalIDs lists the ids still marked pending.
func (s *TimelineService) PendingApprovalIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT approval_id FROM approval_requests WHERE status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListApprovals returns approval records, optionally filtered by status, newest first.
func (s *TimelineService) ListApprovals(status string, limit int) ([]ApprovalRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, approval_id, session_id, tool, tier, arguments, status, note, created_at, expires_at, responded_at
		FROM approval_requests`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApprovalRecord
	for rows.Next() {
		var r ApprovalRecord
		var respondedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.ApprovalID, &r.SessionID, &r.Tool, &r.Tier, &r.Arguments,
			&r.Status, &r.Note, &r.CreatedAt, &r.ExpiresAt, &respondedAt); err != nil {
			return nil, err
		}
		if respondedAt.Valid {
			r.RespondedAt = &respondedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetApproval returns one approval record by id.
func (s *TimelineService) GetApproval(approvalID string) (*ApprovalRecord, error) {
	var r ApprovalRecord
	var respondedAt sql.NullTime
	err := s.db.QueryRow(`SELECT id, approval_id, session_id, tool, tier, arguments, status, note, created_at, expires_at, responded_at
		FROM approval_requests WHERE approval_id = ?`, approvalID).Scan(
		&r.ID, &r.ApprovalID, &r.SessionID, &r.Tool, &r.Tier, &r.Arguments,
		&r.Status, &r.Note, &r.CreatedAt, &r.ExpiresAt, &respondedAt)
	if err != nil {
		return nil, err
	}
	if respondedAt.Valid {
		r.RespondedAt = &respondedAt.Time
	}
	return &r, nil
}
