// Package session provides conversation session management.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/clawcore/internal/policy"
	"github.com/KafClaw/clawcore/internal/provider"
	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusExhausted Status = "exhausted"
	StatusFailed    Status = "failed"
)

// Session represents a conversation session. The autonomy mode is fixed
// when the session is created.
type Session struct {
	Key            string             `json:"key"`
	ID             string             `json:"id"`
	Channel        string             `json:"channel"`
	PeerID         string             `json:"peer_id"`
	Mode           policy.Mode        `json:"mode"`
	Messages       []provider.Message `json:"messages"`
	IterationCount int                `json:"iteration_count"`
	Status         Status             `json:"status"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	mu             sync.RWMutex
}

// Key builds the session key for a channel and peer.
func Key(channel, peer string) string {
	return channel + ":" + peer
}

// NewSession creates an active session.
func NewSession(channel, peer string, mode policy.Mode) *Session {
	now := time.Now()
	return &Session{
		Key:       Key(channel, peer),
		ID:        uuid.NewString(),
		Channel:   channel,
		PeerID:    peer,
		Mode:      mode,
		Messages:  []provider.Message{},
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddMessage appends a message to the history.
func (s *Session) AddMessage(msg provider.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = time.Now()
}

// History returns a copy of the message history.
func (s *Session) History() []provider.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]provider.Message, len(s.Messages))
	copy(out, s.Messages)
	return out
}

// ReplaceHistory swaps in a trimmed history.
func (s *Session) ReplaceHistory(msgs []provider.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append([]provider.Message(nil), msgs...)
	s.UpdatedAt = time.Now()
}

// SetStatus records a lifecycle transition.
func (s *Session) SetStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = st
	s.UpdatedAt = time.Now()
}

// CurrentStatus returns the status.
func (s *Session) CurrentStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status
}

// BeginTurn resets the iteration counter for a new inbound message and
// marks the session active again.
func (s *Session) BeginTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.IterationCount = 0
	s.Status = StatusActive
	s.UpdatedAt = time.Now()
}

// IncrementIterations bumps the counter and returns the new value.
func (s *Session) IncrementIterations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.IterationCount++
	s.UpdatedAt = time.Now()
	return s.IterationCount
}

// Manager manages session persistence.
type Manager struct {
	sessionsDir string
	cache       map[string]*Session
	mu          sync.RWMutex
}

// NewManager creates a session manager persisting under sessionsDir.
// An empty sessionsDir keeps sessions in memory only.
func NewManager(sessionsDir string) *Manager {
	if sessionsDir != "" {
		os.MkdirAll(sessionsDir, 0o700)
	}
	return &Manager{
		sessionsDir: sessionsDir,
		cache:       make(map[string]*Session),
	}
}

// GetOrCreate returns an existing session or creates a new one. mode is
// only consulted for new sessions.
func (m *Manager) GetOrCreate(channel, peer string, mode func() policy.Mode) *Session {
	key := Key(channel, peer)
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.cache[key]; ok {
		return session
	}

	session := m.load(key)
	if session == nil || session.Status == StatusCancelled {
		session = NewSession(channel, peer, mode())
	}
	m.cache[key] = session
	return session
}

// Get returns a cached session.
func (m *Manager) Get(key string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.cache[key]
	return s, ok
}

// Save persists a session to disk. A session that was closed while a turn
// was still running is not written again.
func (m *Manager) Save(session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.cache[session.Key]; (!ok || cur != session) && session.CurrentStatus() == StatusCancelled {
		return nil
	}
	if err := m.write(session); err != nil {
		return err
	}
	m.cache[session.Key] = session
	return nil
}

// Close marks the session cancelled, moves its file to the archive and
// evicts it from the cache. The next GetOrCreate for the key starts a
// fresh session.
func (m *Manager) Close(key string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.cache[key]
	if !ok {
		return nil, false
	}
	delete(m.cache, key)
	session.SetStatus(StatusCancelled)
	if err := m.write(session); err != nil {
		slog.Warn("Session: failed to persist closed session", "key", key, "error", err)
		return session, true
	}
	if m.sessionsDir == "" {
		return session, true
	}
	archiveDir := filepath.Join(m.sessionsDir, "archive")
	if err := os.MkdirAll(archiveDir, 0o700); err == nil {
		dst := filepath.Join(archiveDir, strings.TrimSuffix(filepath.Base(m.sessionPath(key)), ".jsonl")+"-"+session.ID+".jsonl")
		if err := os.Rename(m.sessionPath(key), dst); err != nil {
			slog.Warn("Session: failed to archive closed session", "key", key, "error", err)
		}
	}
	return session, true
}

// Delete removes a session.
func (m *Manager) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.cache, key)
	if err := os.Remove(m.sessionPath(key)); err != nil {
		return false
	}
	return true
}

// SessionInfo contains metadata about a session.
type SessionInfo struct {
	Key       string    `json:"key"`
	ID        string    `json:"id"`
	Mode      string    `json:"mode"`
	Status    Status    `json:"status"`
	Messages  int       `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Path      string    `json:"path"`
}

// List returns information about all persisted sessions, most recent first.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sessions []SessionInfo
	entries, err := os.ReadDir(m.sessionsDir)
	if err != nil {
		return sessions
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(m.sessionsDir, entry.Name())
		meta, msgs, err := readFile(path)
		if err != nil || meta == nil {
			continue
		}
		sessions = append(sessions, SessionInfo{
			Key:       meta.Key,
			ID:        meta.ID,
			Mode:      meta.Mode,
			Status:    meta.Status,
			Messages:  len(msgs),
			CreatedAt: meta.CreatedAt,
			UpdatedAt: meta.UpdatedAt,
			Path:      path,
		})
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt) })
	return sessions
}

type metadataLine struct {
	Type           string    `json:"_type"`
	Key            string    `json:"key"`
	ID             string    `json:"id"`
	Channel        string    `json:"channel"`
	PeerID         string    `json:"peer_id"`
	Mode           string    `json:"mode"`
	Status         Status    `json:"status"`
	IterationCount int       `json:"iteration_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// write persists the session as JSONL: metadata first, then one message
// per line. Caller holds m.mu.
func (m *Manager) write(session *Session) error {
	if m.sessionsDir == "" {
		return nil
	}
	session.mu.RLock()
	meta := metadataLine{
		Type:           "metadata",
		Key:            session.Key,
		ID:             session.ID,
		Channel:        session.Channel,
		PeerID:         session.PeerID,
		Mode:           string(session.Mode),
		Status:         session.Status,
		IterationCount: session.IterationCount,
		CreatedAt:      session.CreatedAt,
		UpdatedAt:      session.UpdatedAt,
	}
	msgs := append([]provider.Message(nil), session.Messages...)
	session.mu.RUnlock()

	path := m.sessionPath(session.Key)
	tmp, err := os.CreateTemp(m.sessionsDir, ".session-*")
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	if err := enc.Encode(meta); err != nil {
		tmp.Close()
		return fmt.Errorf("write session metadata: %w", err)
	}
	for _, msg := range msgs {
		if err := enc.Encode(msg); err != nil {
			tmp.Close()
			return fmt.Errorf("write session message: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename session file: %w", err)
	}
	return nil
}

// sessionPath maps each key to its own file. Escaping is reversible, so two
// keys never share a file, and separators never leave the sessions dir.
func (m *Manager) sessionPath(key string) string {
	return filepath.Join(m.sessionsDir, url.PathEscape(key)+".jsonl")
}

func (m *Manager) load(key string) *Session {
	if m.sessionsDir == "" {
		return nil
	}
	path := m.sessionPath(key)
	meta, msgs, err := readFile(path)
	if err != nil || meta == nil {
		return nil
	}
	if meta.Key != key {
		slog.Warn("Session: ignoring file written for another key", "key", key, "file_key", meta.Key, "path", path)
		return nil
	}
	return &Session{
		Key:            key,
		ID:             meta.ID,
		Channel:        meta.Channel,
		PeerID:         meta.PeerID,
		Mode:           policy.Mode(meta.Mode),
		Messages:       msgs,
		IterationCount: meta.IterationCount,
		Status:         meta.Status,
		CreatedAt:      meta.CreatedAt,
		UpdatedAt:      meta.UpdatedAt,
	}
}

func readFile(path string) (*metadataLine, []provider.Message, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer file.Close()

	var meta *metadataLine
	msgs := []provider.Message{}
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			break
		}
		var head struct {
			Type string `json:"_type"`
		}
		if json.Unmarshal(raw, &head) == nil && head.Type == "metadata" {
			var line metadataLine
			if json.Unmarshal(raw, &line) == nil {
				meta = &line
			}
			continue
		}
		var msg provider.Message
		if json.Unmarshal(raw, &msg) == nil {
			msgs = append(msgs, msg)
		}
	}
	return meta, msgs, nil
}
