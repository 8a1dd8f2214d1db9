// Package gateway exposes the agent over HTTP: run turns, close sessions,
// answer approvals and read the audit mirror. Approval requests are also
// streamed to websocket clients.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/KafClaw/clawcore/internal/agent"
	"github.com/KafClaw/clawcore/internal/approval"
	"github.com/KafClaw/clawcore/internal/bus"
	"github.com/KafClaw/clawcore/internal/session"
	"github.com/KafClaw/clawcore/internal/timeline"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AuditSource lists mirrored audit entries, newest first.
type AuditSource interface {
	ListAudit(filter timeline.AuditFilter) ([]timeline.AuditRecord, error)
}

// Options configures a Server. Audit may be nil, in which case /api/audit
// answers 503. Without a Bus the inbox route answers 503.
type Options struct {
	Scheduler *agent.Scheduler
	Bus       *bus.MessageBus
	Sessions  *session.Manager
	Approvals *approval.Manager
	Audit     AuditSource
	AuthToken string
}

type Server struct {
	sched     *agent.Scheduler
	bus       *bus.MessageBus
	sessions  *session.Manager
	approvals *approval.Manager
	audit     AuditSource
	authToken string
}

func New(opts Options) *Server {
	return &Server{
		sched:     opts.Scheduler,
		bus:       opts.Bus,
		sessions:  opts.Sessions,
		approvals: opts.Approvals,
		audit:     opts.Audit,
		authToken: opts.AuthToken,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))
	r.Use(s.requireToken)

	r.Route("/api", func(r chi.Router) {
		r.Get("/sessions", s.listSessions)
		r.Post("/sessions/{channel}/{peer}/messages", s.postMessage)
		r.Post("/sessions/{channel}/{peer}/inbox", s.postInbox)
		r.Delete("/sessions/{channel}/{peer}", s.closeSession)

		r.Get("/approvals", s.listApprovals)
		r.Get("/approvals/{id}", s.getApproval)
		r.Post("/approvals/{id}", s.resolveApproval)

		r.Get("/audit", s.listAudit)
	})
	r.Get("/ws/approvals", s.approvalStream)
	return r
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slog.Info("Gateway shutting down")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if token == "" {
			// Browsers cannot set headers on websocket upgrades.
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Gateway: encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type messageRequest struct {
	Content string `json:"content"`
	Mode    string `json:"mode,omitempty"`
}

type turnResponse struct {
	SessionKey string `json:"sessionKey"`
	SessionID  string `json:"sessionId"`
	State      string `json:"state"`
	Content    string `json:"content"`
	Iterations int    `json:"iterations"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	channel, peer := chi.URLParam(r, "channel"), chi.URLParam(r, "peer")
	var body messageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}

	res, err := s.sched.Submit(r.Context(), &bus.InboundMessage{
		Channel:   channel,
		SenderID:  peer,
		ChatID:    peer,
		TraceID:   middleware.GetReqID(r.Context()),
		Content:   body.Content,
		Mode:      body.Mode,
		Timestamp: time.Now(),
	})
	resp := turnResponse{
		SessionKey: res.SessionKey,
		SessionID:  res.SessionID,
		State:      string(res.State),
		Content:    res.Content,
		Iterations: res.Iterations,
	}
	if resp.SessionKey == "" {
		resp.SessionKey = session.Key(channel, peer)
	}
	if err != nil {
		resp.Error = err.Error()
		switch {
		case errors.Is(err, agent.ErrSessionClosed):
			writeJSON(w, http.StatusConflict, resp)
		case errors.Is(err, agent.ErrProviderFailure):
			writeJSON(w, http.StatusBadGateway, resp)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeJSON(w, http.StatusGatewayTimeout, resp)
		default:
			writeJSON(w, http.StatusInternalServerError, resp)
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// postInbox queues a message on the bus without waiting for the turn.
// Replies, including approval prompts, go out through the bus dispatcher.
func (s *Server) postInbox(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusServiceUnavailable, "message bus disabled")
		return
	}
	channel, peer := chi.URLParam(r, "channel"), chi.URLParam(r, "peer")
	var body messageRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}
	traceID := middleware.GetReqID(r.Context())
	err := s.bus.PublishInbound(r.Context(), &bus.InboundMessage{
		Channel:   channel,
		SenderID:  peer,
		ChatID:    peer,
		TraceID:   traceID,
		Content:   body.Content,
		Mode:      body.Mode,
		Timestamp: time.Now(),
	})
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "sessionKey": session.Key(channel, peer), "traceId": traceID})
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	key := session.Key(chi.URLParam(r, "channel"), chi.URLParam(r, "peer"))
	if !s.sched.CloseSession(key) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"closed": true, "sessionKey": key})
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	if s.sessions == nil {
		writeJSON(w, http.StatusOK, []session.SessionInfo{})
		return
	}
	infos := s.sessions.List()
	if infos == nil {
		infos = []session.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) listApprovals(w http.ResponseWriter, _ *http.Request) {
	pending := s.approvals.Pending()
	if pending == nil {
		pending = []approval.Request{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	req, ok := s.approvals.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "approval not found")
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type resolveRequest struct {
	Approved *bool `json:"approved"`
}

func (s *Server) resolveApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Approved == nil {
		writeError(w, http.StatusBadRequest, `body must be {"approved": true|false}`)
		return
	}
	if err := s.approvals.Respond(id, *body.Approved); err != nil {
		if errors.Is(err, approval.ErrNotPending) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	req, _ := s.approvals.Get(id)
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit mirror disabled")
		return
	}
	q := r.URL.Query()
	filter := timeline.AuditFilter{
		SessionID:  q.Get("session"),
		ToolCallID: q.Get("toolCall"),
		Kind:       q.Get("kind"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		filter.Limit = n
	}
	records, err := s.audit.ListAudit(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if records == nil {
		records = []timeline.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}
